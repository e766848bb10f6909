package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStorage 所有操作都失败
type failingStorage struct {
	uploads int
}

func (f *failingStorage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.uploads++
	return "", errors.New("bucket unreachable")
}
func (f *failingStorage) Delete(ctx context.Context, key string) error {
	return errors.New("bucket unreachable")
}
func (f *failingStorage) GetSignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "", errors.New("bucket unreachable")
}
func (f *failingStorage) Exists(ctx context.Context, key string) (bool, error) {
	return false, errors.New("bucket unreachable")
}

func fixedNow() time.Time {
	return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
}

func TestDeliver_Stream(t *testing.T) {
	sink := NewDeliverySink(nil, DeliveryOptions{}, nil)

	loc, err := sink.Deliver(context.Background(), []byte("zip"), DeliveryStream, "job-1")
	require.NoError(t, err)
	assert.Equal(t, &Locator{Mode: DeliveryStream, Filename: "landing-page-job-1.zip", Size: 3}, loc)
}

func TestDeliver_Upload(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewDeliverySink(NewLocalStorageWithFs(fs, "http://files.local"), DeliveryOptions{}, nil)
	sink.now = fixedNow

	loc, err := sink.Deliver(context.Background(), []byte("zip"), DeliveryUpload, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "2026/10/16/job-1.zip", loc.Key)
	assert.Equal(t, "http://files.local/2026/10/16/job-1.zip", loc.URI)
	assert.Equal(t, int64(3), loc.Size)

	data, err := afero.ReadFile(fs, loc.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte("zip"), data)

	require.NoError(t, sink.Remove(context.Background(), loc.Key))
	ok, _ := afero.Exists(fs, loc.Key)
	assert.False(t, ok)
}

func TestDeliver_UploadFailureIsTerminal(t *testing.T) {
	store := &failingStorage{}
	sink := NewDeliverySink(store, DeliveryOptions{}, nil)

	loc, err := sink.Deliver(context.Background(), []byte("zip"), DeliveryUpload, "job-1")
	assert.Nil(t, loc)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, ErrorKindStorage, ErrorKind(err))
	assert.Equal(t, 1, store.uploads)

	assert.ErrorIs(t, sink.Remove(context.Background(), "k"), ErrStorage)
}

func TestDeliver_NoStorageConfigured(t *testing.T) {
	sink := NewDeliverySink(nil, DeliveryOptions{}, nil)
	_, err := sink.Deliver(context.Background(), []byte("zip"), DeliveryUpload, "job-1")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestDeliver_InvalidMode(t *testing.T) {
	sink := NewDeliverySink(nil, DeliveryOptions{}, nil)
	_, err := sink.Deliver(context.Background(), []byte("zip"), "email", "job-1")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 1, 2, 23, 0, 0, 0, time.FixedZone("JST", 9*3600))
	assert.Equal(t, "2026/01/02/abc.zip", ArchiveKey("abc", at))
}
