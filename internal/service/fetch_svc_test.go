package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lp_gen_v1_202610/internal/model"
	"lp_gen_v1_202610/internal/repository"
	"lp_gen_v1_202610/pkg/utils"
)

// ==================== Mock 实现 ====================

type mockProvider struct {
	mu         sync.Mutex
	calls      []ImageRequest
	generateFn func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error)
}

func (m *mockProvider) Name() string  { return "mock" }
func (m *mockProvider) Model() string { return "mock-image-1" }

func (m *mockProvider) GenerateImages(ctx context.Context, req ImageRequest) ([]ProviderImage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	call := len(m.calls)
	m.mu.Unlock()

	if m.generateFn != nil {
		return m.generateFn(ctx, req, call)
	}
	return fakeImages(req.Count), nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

var testPNG = func() []byte {
	data, err := utils.PlaceholderPNG(2, 2)
	if err != nil {
		panic(err)
	}
	return data
}()

func fakeImages(n int) []ProviderImage {
	images := make([]ProviderImage, n)
	for i := range images {
		images[i] = ProviderImage{Data: testPNG, ContentType: "image/png"}
	}
	return images
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestFetcher(provider ImageProvider, opts FetchOptions) (*ImageFetcher, *sleepRecorder) {
	f := NewImageFetcher(provider, nil, opts, nil)
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	return f, rec
}

func testFetchOptions() FetchOptions {
	return FetchOptions{
		BatchSize:       2,
		InterBatchDelay: 100 * time.Millisecond,
		PerCallTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryDelay:      10 * time.Millisecond,
		FallbackPolicy:  FallbackAbort,
		Download:        utils.DownloadOptions{AllowPrivate: true},
	}
}

func setupServiceDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.GenerationJob{}, &model.AICallLog{}))
	return db
}

// ==================== 参数校验 ====================

func TestFetch_ValidationRejectsBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name    string
		prompts []PromptSpec
	}{
		{"总数超过 10", []PromptSpec{
			{Prompt: "a", Count: 6}, {Prompt: "b", Count: 5},
		}},
		{"单个数量超过 10", []PromptSpec{{Prompt: "a", Count: 11}}},
		{"数量为负", []PromptSpec{{Prompt: "a", Count: -1}}},
		{"提示词为空", []PromptSpec{{Prompt: "  ", Count: 1}}},
		{"尺寸格式错误", []PromptSpec{{Prompt: "a", Count: 1, Size: "big"}}},
		{"宽高比格式错误", []PromptSpec{{Prompt: "a", Count: 1, AspectRatio: "16/9"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockProvider{}
			f, _ := newTestFetcher(provider, testFetchOptions())

			images, err := f.Fetch(context.Background(), tt.prompts)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, images)
			assert.Equal(t, 0, provider.callCount())
		})
	}
}

func TestFetch_ZeroCountSkipped(t *testing.T) {
	provider := &mockProvider{}
	f, _ := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{
		{Prompt: "", Count: 0},
		{Prompt: "hero", Count: 1, FilenamePrefix: "Hero"},
	})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "hero-1.png", images[0].Name)
	assert.Equal(t, 1, images[0].PromptIndex)

	images, err = f.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, images)
}

// ==================== 批次与命名 ====================

func TestFetch_BatchesAndNames(t *testing.T) {
	provider := &mockProvider{}
	f, rec := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{
		{Prompt: "hero shot", Count: 3, FilenamePrefix: "Hero Banner", Size: "1792x1024"},
		{Prompt: "team photo", Count: 1, FilenamePrefix: "team_photo"},
	})
	require.NoError(t, err)

	names := make([]string, 0, len(images))
	for _, img := range images {
		names = append(names, img.Name)
		assert.Equal(t, testPNG, img.Data)
		assert.False(t, img.Fallback)
	}
	assert.Equal(t, []string{"hero-banner-1.png", "hero-banner-2.png", "hero-banner-3.png", "team-photo-1.png"}, names)

	// 批次: [hero x2] [hero x1, team x1]
	require.Len(t, provider.calls, 3)
	assert.Equal(t, ImageRequest{Prompt: "hero shot", Count: 2, Size: "1792x1024"}, provider.calls[0])
	assert.Equal(t, ImageRequest{Prompt: "hero shot", Count: 1, Size: "1792x1024"}, provider.calls[1])
	assert.Equal(t, ImageRequest{Prompt: "team photo", Count: 1, Size: DefaultImageSize}, provider.calls[2])

	// 两个批次之间只等待一次
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, rec.delays)
}

func TestFetch_DuplicatePrefixesGetUniqueNames(t *testing.T) {
	provider := &mockProvider{}
	f, _ := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{
		{Prompt: "a", Count: 1, FilenamePrefix: "card"},
		{Prompt: "b", Count: 1, FilenamePrefix: "Card"},
		{Prompt: "c", Count: 1},
	})
	require.NoError(t, err)
	require.Len(t, images, 3)

	seen := map[string]bool{}
	for _, img := range images {
		assert.False(t, seen[img.Name], "重复文件名 %s", img.Name)
		seen[img.Name] = true
	}
	assert.Equal(t, "card-1.png", images[0].Name)
	assert.Equal(t, "image-1.png", images[2].Name)
}

// ==================== 重试 ====================

func TestFetch_RetryThenSuccess(t *testing.T) {
	opts := testFetchOptions()
	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			if call < opts.MaxRetries {
				return nil, errors.New("provider unavailable")
			}
			return fakeImages(req.Count), nil
		},
	}
	f, rec := newTestFetcher(provider, opts)

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 2}})
	require.NoError(t, err)
	assert.Len(t, images, 2)
	assert.Equal(t, opts.MaxRetries, provider.callCount())

	// 线性退避: delay*1, delay*2
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestFetch_AlwaysFailsIsTerminal(t *testing.T) {
	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			return nil, errors.New("provider unavailable")
		},
	}
	f, _ := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 1}})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, ErrorKindProvider, ErrorKind(err))
	assert.Nil(t, images)
	assert.Equal(t, 3, provider.callCount())
}

func TestFetch_LaterBatchFailureReturnsNothing(t *testing.T) {
	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			if req.Prompt == "b" {
				return nil, errors.New("boom")
			}
			return fakeImages(req.Count), nil
		},
	}
	opts := testFetchOptions()
	opts.BatchSize = 1
	f, _ := newTestFetcher(provider, opts)

	images, err := f.Fetch(context.Background(), []PromptSpec{
		{Prompt: "a", Count: 1},
		{Prompt: "b", Count: 1},
	})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Nil(t, images)
	// 第一批 1 次 + 第二批 3 次
	assert.Equal(t, 4, provider.callCount())
}

func TestFetch_MalformedResponseIsRetried(t *testing.T) {
	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			switch call {
			case 1:
				// 数量不足
				return fakeImages(req.Count - 1), nil
			case 2:
				// 空图片
				return make([]ProviderImage, req.Count), nil
			default:
				return fakeImages(req.Count), nil
			}
		},
	}
	f, _ := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 2}})
	require.NoError(t, err)
	assert.Len(t, images, 2)
	assert.Equal(t, 3, provider.callCount())
}

func TestFetch_QuotaExceeded(t *testing.T) {
	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			return nil, fmt.Errorf("%w: rate limited", ErrQuotaExceeded)
		},
	}
	f, _ := newTestFetcher(provider, testFetchOptions())

	_, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 1}})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, ErrorKindQuota, ErrorKind(err))
}

func TestFetch_ContextCanceledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &mockProvider{
		generateFn: func(_ context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			cancel()
			return nil, errors.New("boom")
		},
	}
	f, _ := newTestFetcher(provider, testFetchOptions())

	_, err := f.Fetch(ctx, []PromptSpec{{Prompt: "a", Count: 1}})
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, 1, provider.callCount())
}

// ==================== 下载与降级 ====================

func newImageServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(testPNG)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func urlProvider(url string) *mockProvider {
	return &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			images := make([]ProviderImage, req.Count)
			for i := range images {
				images[i] = ProviderImage{URL: url}
			}
			return images, nil
		},
	}
}

func TestFetch_DownloadsURLResults(t *testing.T) {
	srv := newImageServer(t)
	f, _ := newTestFetcher(urlProvider(srv.URL+"/ok.png"), testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 2, FilenamePrefix: "hero"}})
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, testPNG, images[0].Data)
	assert.Equal(t, "image/png", images[0].ContentType)
	assert.Equal(t, "hero-2.png", images[1].Name)
}

func TestFetch_DownloadFailureAborts(t *testing.T) {
	srv := newImageServer(t)
	provider := urlProvider(srv.URL + "/broken.png")
	f, _ := newTestFetcher(provider, testFetchOptions())

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 1}})
	assert.ErrorIs(t, err, ErrDownload)
	assert.ErrorIs(t, err, ErrProvider)
	assert.Equal(t, ErrorKindDownload, ErrorKind(err))
	assert.Nil(t, images)
	// 下载失败同样走批次重试
	assert.Equal(t, 3, provider.callCount())
}

func TestFetch_DownloadFailurePlaceholderPolicy(t *testing.T) {
	srv := newImageServer(t)
	opts := testFetchOptions()
	opts.FallbackPolicy = FallbackPlaceholder
	f, _ := newTestFetcher(urlProvider(srv.URL+"/broken.png"), opts)

	images, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 1, Size: "64x32", FilenamePrefix: "hero"}})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.True(t, images[0].Fallback)
	assert.Equal(t, "hero-1.png", images[0].Name)
	assert.Equal(t, "image/png", images[0].ContentType)
	assert.NotEmpty(t, images[0].Data)
}

func TestFetch_PrivateURLBlockedByDefault(t *testing.T) {
	srv := newImageServer(t)
	opts := testFetchOptions()
	opts.Download = utils.DownloadOptions{}
	f, _ := newTestFetcher(urlProvider(srv.URL+"/ok.png"), opts)

	_, err := f.Fetch(context.Background(), []PromptSpec{{Prompt: "a", Count: 1}})
	assert.ErrorIs(t, err, ErrDownload)
}

// ==================== 调用日志 ====================

func TestFetch_RecordsCallLogs(t *testing.T) {
	db := setupServiceDB(t)
	logRepo := repository.NewAICallLogRepository(db)

	provider := &mockProvider{
		generateFn: func(ctx context.Context, req ImageRequest, call int) ([]ProviderImage, error) {
			if call == 1 {
				return nil, errors.New("transient")
			}
			return fakeImages(req.Count), nil
		},
	}
	opts := testFetchOptions()
	opts.CostPerImage = 0.04
	f := NewImageFetcher(provider, logRepo, opts, nil)
	f.sleep = (&sleepRecorder{}).sleep

	ctx := WithJobID(context.Background(), "job-log")
	_, err := f.Fetch(ctx, []PromptSpec{{Prompt: "a", Count: 2}})
	require.NoError(t, err)

	logs, err := logRepo.ListByJob(context.Background(), "job-log")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	assert.Equal(t, model.AICallStatusFailed, logs[0].Status)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.Equal(t, "transient", logs[0].ErrorMsg)

	assert.Equal(t, model.AICallStatusSuccess, logs[1].Status)
	assert.Equal(t, 2, logs[1].Attempt)
	assert.Equal(t, "mock", logs[1].Provider)
	assert.InDelta(t, 0.08, logs[1].CostUSD, 1e-9)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	// 不拆分多字节字符
	assert.Equal(t, "a", truncate("a海", 2))
}
