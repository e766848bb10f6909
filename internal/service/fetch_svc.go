package service

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"lp_gen_v1_202610/internal/model"
	"lp_gen_v1_202610/internal/repository"
	"lp_gen_v1_202610/pkg/utils"
)

// ==================== 常量 ====================

const (
	// MaxImagesPerRequest 单次请求图片总数上限
	MaxImagesPerRequest = 10
	// MaxImagesPerPrompt 单个提示词图片数上限
	MaxImagesPerPrompt = 10

	DefaultImageSize = "1024x1024"

	// 文件名前缀最大长度
	maxPrefixLength = 50
	// 调用日志中提示词截断长度
	maxLoggedPrompt = 500
	// 降级占位图最大边长
	maxPlaceholderSide = 1024
)

// 下载失败降级策略
const (
	FallbackAbort       = "abort"
	FallbackPlaceholder = "placeholder"
)

var (
	sizePattern        = regexp.MustCompile(`^(\d+)x(\d+)$`)
	aspectRatioPattern = regexp.MustCompile(`^\d+:\d+$`)
)

// ==================== 数据结构 ====================

// PromptSpec 一个提示词及其生成数量
type PromptSpec struct {
	Prompt         string `json:"prompt"`
	Count          int    `json:"count"`
	Size           string `json:"size,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	FilenamePrefix string `json:"filename_prefix,omitempty"`
}

// GeneratedImage 生成结果
type GeneratedImage struct {
	Data        []byte
	Name        string // 归档内文件名 (已规范化，含扩展名)
	ContentType string
	PromptIndex int
	Fallback    bool // 由降级策略生成的占位图
}

// FetchOptions 批量取图参数
type FetchOptions struct {
	BatchSize       int
	InterBatchDelay time.Duration
	PerCallTimeout  time.Duration
	MaxRetries      int // 每个批次的最大尝试次数
	RetryDelay      time.Duration
	FallbackPolicy  string
	MaxTotalImages  int
	CostPerImage    float64
	Download        utils.DownloadOptions
}

// DefaultFetchOptions 默认参数
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{
		BatchSize:       2,
		InterBatchDelay: time.Second,
		PerCallTimeout:  60 * time.Second,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		FallbackPolicy:  FallbackAbort,
		MaxTotalImages:  MaxImagesPerRequest,
	}
}

// ProgressFunc 批次完成回调
type ProgressFunc func(doneImages, totalImages int)

// workItem 展开后的单张图片任务
type workItem struct {
	specIndex int
	stem      string // 不含扩展名的文件名
}

// ==================== 服务实现 ====================

// ImageFetcher 按批次调用生成服务，带重试与退避
// 批次之间顺序执行，全部成功才返回结果
type ImageFetcher struct {
	provider    ImageProvider
	downloader  *resty.Client
	callLogRepo repository.AICallLogRepository
	opts        FetchOptions
	log         *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewImageFetcher 创建取图服务，callLogRepo 可为 nil
func NewImageFetcher(provider ImageProvider, callLogRepo repository.AICallLogRepository, opts FetchOptions, log *zap.Logger) *ImageFetcher {
	def := DefaultFetchOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.PerCallTimeout <= 0 {
		opts.PerCallTimeout = def.PerCallTimeout
	}
	if opts.MaxTotalImages <= 0 || opts.MaxTotalImages > MaxImagesPerRequest {
		opts.MaxTotalImages = MaxImagesPerRequest
	}
	if opts.FallbackPolicy == "" {
		opts.FallbackPolicy = FallbackAbort
	}
	if log == nil {
		log = zap.NewNop()
	}

	downloader := utils.NewHTTPClient(utils.HTTPClientOptions{
		Timeout:    opts.PerCallTimeout,
		PublicOnly: !opts.Download.AllowPrivate,
	})

	return &ImageFetcher{
		provider:    provider,
		downloader:  downloader,
		callLogRepo: callLogRepo,
		opts:        opts,
		log:         log.Named("fetcher"),
		sleep:       sleepContext,
	}
}

// ==================== 参数校验 ====================

// Validate 校验提示词列表，不发起任何外部调用
func (f *ImageFetcher) Validate(prompts []PromptSpec) error {
	return ValidatePromptSpecs(prompts, f.opts.MaxTotalImages)
}

// ValidatePromptSpecs 校验数量上限与格式
func ValidatePromptSpecs(prompts []PromptSpec, maxTotal int) error {
	for i, p := range prompts {
		if p.Count < 0 || p.Count > MaxImagesPerPrompt {
			return validationErrorf("prompts[%d].count 必须在 0-%d 之间，当前 %d", i, MaxImagesPerPrompt, p.Count)
		}
		if p.Count == 0 {
			continue
		}
		if strings.TrimSpace(p.Prompt) == "" {
			return validationErrorf("prompts[%d].prompt 不能为空", i)
		}
		if p.Size != "" {
			if _, _, ok := parseSize(p.Size); !ok {
				return validationErrorf("prompts[%d].size 格式应为 WxH，当前 %q", i, p.Size)
			}
		}
		if p.AspectRatio != "" && !aspectRatioPattern.MatchString(p.AspectRatio) {
			return validationErrorf("prompts[%d].aspect_ratio 格式应为 W:H，当前 %q", i, p.AspectRatio)
		}
	}

	total := TotalImages(prompts)
	if total > maxTotal {
		return validationErrorf("图片总数 %d 超过上限 %d", total, maxTotal)
	}
	return nil
}

// TotalImages 请求的图片总数
func TotalImages(prompts []PromptSpec) int {
	return lo.SumBy(prompts, func(p PromptSpec) int {
		if p.Count < 0 {
			return 0
		}
		return p.Count
	})
}

// ==================== 批量取图 ====================

// Fetch 生成全部图片
func (f *ImageFetcher) Fetch(ctx context.Context, prompts []PromptSpec) ([]GeneratedImage, error) {
	return f.FetchWithProgress(ctx, prompts, nil)
}

// FetchWithProgress 生成全部图片，每个批次成功后回调 onProgress
func (f *ImageFetcher) FetchWithProgress(ctx context.Context, prompts []PromptSpec, onProgress ProgressFunc) ([]GeneratedImage, error) {
	if err := f.Validate(prompts); err != nil {
		return nil, err
	}

	items := planWorkItems(prompts)
	if len(items) == 0 {
		return []GeneratedImage{}, nil
	}

	batches := lo.Chunk(items, f.opts.BatchSize)
	results := make([]GeneratedImage, 0, len(items))

	for i, batch := range batches {
		if i > 0 && f.opts.InterBatchDelay > 0 {
			if err := f.sleep(ctx, f.opts.InterBatchDelay); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrProvider, err)
			}
		}

		images, err := f.fetchBatchWithRetry(ctx, i, batch, prompts)
		if err != nil {
			return nil, err
		}
		results = append(results, images...)

		if onProgress != nil {
			onProgress(len(results), len(items))
		}
	}

	f.log.Info("图片生成完成",
		zap.String("job_id", jobIDFromContext(ctx)),
		zap.Int("images", len(results)),
		zap.Int("batches", len(batches)),
	)
	return results, nil
}

// fetchBatchWithRetry 单批次重试，退避时间 RetryDelay * attempt
func (f *ImageFetcher) fetchBatchWithRetry(ctx context.Context, batchIndex int, batch []workItem, prompts []PromptSpec) ([]GeneratedImage, error) {
	var lastErr error

	for attempt := 1; attempt <= f.opts.MaxRetries; attempt++ {
		images, err := f.fetchBatch(ctx, batch, prompts, attempt)
		if err == nil {
			return images, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}

		f.log.Warn("批次生成失败",
			zap.String("job_id", jobIDFromContext(ctx)),
			zap.Int("batch", batchIndex+1),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.opts.MaxRetries),
			zap.Error(err),
		)

		if attempt < f.opts.MaxRetries && f.opts.RetryDelay > 0 {
			if serr := f.sleep(ctx, f.opts.RetryDelay*time.Duration(attempt)); serr != nil {
				break
			}
		}
	}

	return nil, fmt.Errorf("%w: 第 %d 批生成失败 (已尝试 %d 次): %w",
		ErrProvider, batchIndex+1, f.opts.MaxRetries, lastErr)
}

// fetchBatch 执行一个批次，相邻且属于同一提示词的图片合并为一次调用
func (f *ImageFetcher) fetchBatch(ctx context.Context, batch []workItem, prompts []PromptSpec, attempt int) ([]GeneratedImage, error) {
	images := make([]GeneratedImage, 0, len(batch))

	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].specIndex == batch[start].specIndex {
			end++
		}
		group := batch[start:end]
		spec := prompts[group[0].specIndex]

		provided, err := f.callProvider(ctx, spec, len(group), attempt)
		if err != nil {
			return nil, err
		}

		for i, item := range group {
			img, err := f.resolveImage(ctx, provided[i], item, spec)
			if err != nil {
				return nil, err
			}
			images = append(images, img)
		}
		start = end
	}
	return images, nil
}

// callProvider 单次外部调用，校验返回数量与内容
func (f *ImageFetcher) callProvider(ctx context.Context, spec PromptSpec, count, attempt int) ([]ProviderImage, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.opts.PerCallTimeout)
	defer cancel()

	startTime := time.Now()
	provided, err := f.provider.GenerateImages(callCtx, ImageRequest{
		Prompt:      spec.Prompt,
		Count:       count,
		Size:        sizeOrDefault(spec.Size),
		AspectRatio: spec.AspectRatio,
	})
	if err == nil {
		err = validateProviderImages(provided, count)
	}

	f.recordCall(ctx, spec.Prompt, count, attempt, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}
	return provided, nil
}

func validateProviderImages(images []ProviderImage, want int) error {
	if len(images) != want {
		return fmt.Errorf("生成服务返回 %d 张图片，期望 %d 张", len(images), want)
	}
	for i, img := range images {
		if len(img.Data) == 0 && strings.TrimSpace(img.URL) == "" {
			return fmt.Errorf("生成服务返回的第 %d 张图片为空", i+1)
		}
	}
	return nil
}

// resolveImage 获取图片字节，URL 结果需要下载
func (f *ImageFetcher) resolveImage(ctx context.Context, provided ProviderImage, item workItem, spec PromptSpec) (GeneratedImage, error) {
	data := provided.Data
	contentType := provided.ContentType

	if len(data) == 0 {
		dlCtx, cancel := context.WithTimeout(ctx, f.opts.PerCallTimeout)
		downloaded, ct, err := utils.DownloadImage(dlCtx, f.downloader, provided.URL, f.opts.Download)
		cancel()

		if err != nil {
			if f.opts.FallbackPolicy != FallbackPlaceholder {
				return GeneratedImage{}, downloadError(err)
			}

			f.log.Warn("图片下载失败，使用占位图",
				zap.String("job_id", jobIDFromContext(ctx)),
				zap.String("image", item.stem),
				zap.Error(err),
			)
			return f.placeholderImage(item, spec)
		}
		data, contentType = downloaded, ct
	}

	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = utils.SniffImageType(data)
	}

	return GeneratedImage{
		Data:        data,
		Name:        item.stem + utils.ImageExtension(contentType),
		ContentType: contentType,
		PromptIndex: item.specIndex,
	}, nil
}

func (f *ImageFetcher) placeholderImage(item workItem, spec PromptSpec) (GeneratedImage, error) {
	w, h, _ := parseSize(sizeOrDefault(spec.Size))
	w, h = min(w, maxPlaceholderSide), min(h, maxPlaceholderSide)

	data, err := utils.PlaceholderPNG(w, h)
	if err != nil {
		return GeneratedImage{}, downloadError(err)
	}
	return GeneratedImage{
		Data:        data,
		Name:        item.stem + ".png",
		ContentType: "image/png",
		PromptIndex: item.specIndex,
		Fallback:    true,
	}, nil
}

// recordCall 写入调用日志，失败只记录警告
func (f *ImageFetcher) recordCall(ctx context.Context, prompt string, count, attempt int, elapsed time.Duration, callErr error) {
	if f.callLogRepo == nil {
		return
	}

	entry := &model.AICallLog{
		JobID:      jobIDFromContext(ctx),
		Provider:   f.provider.Name(),
		ModelName:  f.provider.Model(),
		Prompt:     truncate(prompt, maxLoggedPrompt),
		Attempt:    attempt,
		ImageCount: count,
		DurationMs: elapsed.Milliseconds(),
		Status:     model.AICallStatusSuccess,
	}
	if callErr != nil {
		entry.Status = model.AICallStatusFailed
		entry.ErrorMsg = truncate(callErr.Error(), 1024)
	} else {
		entry.CostUSD = f.opts.CostPerImage * float64(count)
	}

	// 调用方取消时仍然记录日志
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.callLogRepo.Create(logCtx, entry); err != nil {
		f.log.Warn("写入调用日志失败", zap.Error(err))
	}
}

// ==================== 辅助函数 ====================

// planWorkItems 展开提示词并分配唯一文件名
func planWorkItems(prompts []PromptSpec) []workItem {
	items := make([]workItem, 0, TotalImages(prompts))
	used := make(map[string]bool)

	for specIndex, p := range prompts {
		base := utils.NormalizeFilename(p.FilenamePrefix, maxPrefixLength)
		if base == "" {
			base = "image"
		}

		for ordinal := 1; ordinal <= p.Count; ordinal++ {
			stem := fmt.Sprintf("%s-%d", base, ordinal)
			for n := len(items) + 1; used[stem]; n++ {
				stem = fmt.Sprintf("%s-%d-%d", base, ordinal, n)
			}
			used[stem] = true
			items = append(items, workItem{specIndex: specIndex, stem: stem})
		}
	}
	return items
}

func parseSize(size string) (int, int, bool) {
	m := sizePattern.FindStringSubmatch(size)
	if m == nil {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 || w > 8192 || h > 8192 {
		return 0, 0, false
	}
	return w, h, true
}

func sizeOrDefault(size string) string {
	if size == "" {
		return DefaultImageSize
	}
	return size
}

// truncate 按字节截断，不拆分多字节字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ==================== 上下文 ====================

type jobIDKey struct{}

// WithJobID 在上下文中携带任务 ID，用于日志与调用记录
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

func jobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDKey{}).(string); ok {
		return id
	}
	return ""
}
