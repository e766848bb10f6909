package service

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==================== 本地存储 ====================

func TestLocalStorage_Lifecycle(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewLocalStorageWithFs(fs, "http://cdn.local/archives/")
	ctx := context.Background()

	uri, err := store.Upload(ctx, "2026/10/16/job-1.zip", []byte("zip-bytes"), "application/zip")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn.local/archives/2026/10/16/job-1.zip", uri)

	data, err := afero.ReadFile(fs, "2026/10/16/job-1.zip")
	require.NoError(t, err)
	assert.Equal(t, "zip-bytes", string(data))

	ok, err := store.Exists(ctx, "2026/10/16/job-1.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	signed, err := store.GetSignedURL(ctx, "2026/10/16/job-1.zip", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uri, signed)

	require.NoError(t, store.Delete(ctx, "2026/10/16/job-1.zip"))
	ok, err = store.Exists(ctx, "2026/10/16/job-1.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	// 重复删除不报错
	assert.NoError(t, store.Delete(ctx, "2026/10/16/job-1.zip"))
}

func TestLocalStorage_RejectsUnsafeKeys(t *testing.T) {
	store := NewLocalStorageWithFs(afero.NewMemMapFs(), "")

	for _, key := range []string{"", "/etc/passwd", "../escape.zip", "a/../../b", `a\b`} {
		_, err := store.Upload(context.Background(), key, []byte("x"), "")
		assert.Error(t, err, "key %q", key)
	}
}

func TestNewStorageProvider(t *testing.T) {
	p, err := NewStorageProvider(context.Background(), StorageConfig{Provider: "local", BasePath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, p)

	_, err = NewStorageProvider(context.Background(), StorageConfig{Provider: "ftp"})
	assert.Error(t, err)
}

func TestCleanKey(t *testing.T) {
	key, err := cleanKey("a//b/./c.zip")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.zip", key)
}

// ==================== S3 ====================

type fakeObjectAPI struct {
	objects map[string][]byte
	putErr  error
	headErr error
}

func (f *fakeObjectAPI) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectAPI) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeObjectAPI) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Storage_UploadExistsDelete(t *testing.T) {
	api := &fakeObjectAPI{objects: map[string][]byte{}}
	store := &S3Storage{
		client:    api,
		bucket:    "lp-bucket",
		basePath:  "landing-pages",
		publicURL: "https://lp-bucket.s3.ap-northeast-1.amazonaws.com",
	}
	ctx := context.Background()

	uri, err := store.Upload(ctx, "2026/10/16/job-1.zip", []byte("zip"), "application/zip")
	require.NoError(t, err)
	assert.Equal(t, "https://lp-bucket.s3.ap-northeast-1.amazonaws.com/landing-pages/2026/10/16/job-1.zip", uri)
	assert.Contains(t, api.objects, "landing-pages/2026/10/16/job-1.zip")

	ok, err := store.Exists(ctx, "2026/10/16/job-1.zip")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, "2026/10/16/job-1.zip"))
	ok, err = store.Exists(ctx, "2026/10/16/job-1.zip")
	require.NoError(t, err)
	assert.False(t, ok)

	api.headErr = errors.New("access denied")
	_, err = store.Exists(ctx, "x.zip")
	assert.Error(t, err)

	api.putErr = errors.New("timeout")
	_, err = store.Upload(ctx, "y.zip", []byte("zip"), "")
	assert.Error(t, err)
}

func TestS3Storage_PresignOffline(t *testing.T) {
	client := s3.New(s3.Options{
		Region:      "ap-northeast-1",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider("AKID", "SECRET", "")),
	})
	store := newS3Storage(client, StorageConfig{Bucket: "lp-bucket", Region: "ap-northeast-1", BasePath: "/lp/"}, "https://lp-bucket.s3.ap-northeast-1.amazonaws.com")

	signed, err := store.GetSignedURL(context.Background(), "2026/10/16/job-1.zip", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/lp/2026/10/16/job-1.zip"), u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func TestNewS3Storage_CDNDomain(t *testing.T) {
	client := s3.New(s3.Options{Region: "us-east-1"})
	store := newS3Storage(client, StorageConfig{Bucket: "b", CDNDomain: "cdn.example.com/"}, "https://b.s3.us-east-1.amazonaws.com")
	assert.Equal(t, "https://cdn.example.com", store.publicURL)
}
