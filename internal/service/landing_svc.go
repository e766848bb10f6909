package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lp_gen_v1_202610/internal/api/dto"
	"lp_gen_v1_202610/internal/model"
	"lp_gen_v1_202610/internal/repository"
)

const (
	defaultMaxAttachments     = 10
	defaultMaxAttachmentBytes = 10 << 20
	defaultJobTimeout         = 10 * time.Minute
)

var colorPattern = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]{1,32})$`)

// Executor 后台任务执行能力，由 task.WorkerPool 提供
type Executor interface {
	Submit(work func(ctx context.Context)) error
}

// LandingServiceOptions 落地页服务参数
type LandingServiceOptions struct {
	DefaultDelivery    string
	JobTimeout         time.Duration
	MaxAttachments     int
	MaxAttachmentBytes int
}

// GenerateResult 同步生成结果
type GenerateResult struct {
	JobID   string
	Archive []byte
	Locator *Locator
	Images  []GeneratedImage
}

// generationInput 校验并转换后的请求
type generationInput struct {
	prompts     []PromptSpec
	attachments []Attachment
	frontend    FrontendBundle
	company     CompanyInfo
	sections    []Section
	css         CSSOptions
	delivery    string
}

// stageFunc 阶段变化回调
type stageFunc func(stage string, progress int, message string)

// ==================== 服务实现 ====================

// LandingPageService 落地页生成: 校验 -> 取图 -> 打包 -> 交付
type LandingPageService struct {
	fetcher     *ImageFetcher
	assembler   *ArchiveAssembler
	sink        *DeliverySink
	jobRepo     repository.JobRepository
	callLogRepo repository.AICallLogRepository
	executor    Executor
	opts        LandingServiceOptions
	log         *zap.Logger

	subscribers     map[string][]chan dto.ProgressEvent
	subscriberMutex sync.RWMutex

	newID func() string
}

func NewLandingPageService(
	fetcher *ImageFetcher,
	assembler *ArchiveAssembler,
	sink *DeliverySink,
	jobRepo repository.JobRepository,
	callLogRepo repository.AICallLogRepository,
	executor Executor,
	opts LandingServiceOptions,
	log *zap.Logger,
) *LandingPageService {
	if opts.DefaultDelivery == "" {
		opts.DefaultDelivery = DeliveryStream
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	if opts.MaxAttachments <= 0 {
		opts.MaxAttachments = defaultMaxAttachments
	}
	if opts.MaxAttachmentBytes <= 0 {
		opts.MaxAttachmentBytes = defaultMaxAttachmentBytes
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &LandingPageService{
		fetcher:     fetcher,
		assembler:   assembler,
		sink:        sink,
		jobRepo:     jobRepo,
		callLogRepo: callLogRepo,
		executor:    executor,
		opts:        opts,
		log:         log.Named("landing"),
		subscribers: make(map[string][]chan dto.ProgressEvent),
		newID:       func() string { return uuid.New().String() },
	}
}

// ==================== 进度订阅 ====================

// Subscribe 订阅任务进度
func (s *LandingPageService) Subscribe(jobID string) chan dto.ProgressEvent {
	s.subscriberMutex.Lock()
	defer s.subscriberMutex.Unlock()

	ch := make(chan dto.ProgressEvent, 10)
	s.subscribers[jobID] = append(s.subscribers[jobID], ch)
	return ch
}

// Unsubscribe 取消订阅
func (s *LandingPageService) Unsubscribe(jobID string, ch chan dto.ProgressEvent) {
	s.subscriberMutex.Lock()
	defer s.subscriberMutex.Unlock()

	subs := s.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}

	if len(s.subscribers[jobID]) == 0 {
		delete(s.subscribers, jobID)
	}
}

// notifyProgress 通知进度，订阅方处理不过来时丢弃
func (s *LandingPageService) notifyProgress(jobID string, event dto.ProgressEvent) {
	s.subscriberMutex.RLock()
	defer s.subscriberMutex.RUnlock()

	event.JobID = jobID
	for _, ch := range s.subscribers[jobID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// ==================== 同步生成 ====================

// Generate 同步执行完整流程
func (s *LandingPageService) Generate(ctx context.Context, req *dto.GenerateLandingPageRequest) (*GenerateResult, error) {
	in, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	jobID := s.newID()
	ctx = WithJobID(ctx, jobID)

	result, err := s.run(ctx, jobID, in, nil)
	if err != nil {
		s.log.Warn("落地页生成失败",
			zap.String("job_id", jobID),
			zap.String("kind", ErrorKind(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

// run 取图 -> 打包 -> 交付
func (s *LandingPageService) run(ctx context.Context, jobID string, in *generationInput, onStage stageFunc) (*GenerateResult, error) {
	if onStage == nil {
		onStage = func(string, int, string) {}
	}

	total := TotalImages(in.prompts)
	onStage(model.JobStageFetching, 10, fmt.Sprintf("正在生成 %d 张图片", total))

	images, err := s.fetcher.FetchWithProgress(ctx, in.prompts, func(done, total int) {
		onStage(model.JobStageFetching, 10+70*done/total, fmt.Sprintf("已生成 %d/%d 张图片", done, total))
	})
	if err != nil {
		return nil, err
	}

	onStage(model.JobStageAssembling, 85, "正在打包")
	archive, err := s.assembler.Assemble(AssembleInput{
		Images:      images,
		Attachments: in.attachments,
		Frontend:    in.frontend,
		Company:     in.company,
		Sections:    in.sections,
		CSS:         in.css,
	})
	if err != nil {
		return nil, err
	}

	onStage(model.JobStageDelivering, 95, "正在交付")
	loc, err := s.sink.Deliver(ctx, archive, in.delivery, jobID)
	if err != nil {
		return nil, err
	}

	return &GenerateResult{
		JobID:   jobID,
		Archive: archive,
		Locator: loc,
		Images:  images,
	}, nil
}

// ==================== 后台任务 ====================

// SubmitJob 校验后创建任务并入队，任务结果总是上传存储
func (s *LandingPageService) SubmitJob(ctx context.Context, req *dto.GenerateLandingPageRequest) (*dto.SubmitJobResponse, error) {
	if s.executor == nil || s.jobRepo == nil {
		return nil, errors.New("后台任务未启用")
	}

	in, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	in.delivery = DeliveryUpload

	job := &model.GenerationJob{
		JobID:        s.newID(),
		Status:       model.JobStatusPending,
		Stage:        model.JobStageQueued,
		Request:      requestSnapshot(req),
		CompanyName:  in.company.Name,
		DeliveryMode: in.delivery,
		ImageCount:   TotalImages(in.prompts),
	}
	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	jobID := job.JobID
	err = s.executor.Submit(func(workerCtx context.Context) {
		s.processJob(workerCtx, jobID, in)
	})
	if err != nil {
		_ = s.jobRepo.MarkFailed(context.WithoutCancel(ctx), jobID, ErrorKindInternal, err.Error())
		if errors.Is(err, ErrQueueFull) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueFull, err)
	}

	s.log.Info("任务已提交", zap.String("job_id", jobID), zap.Int("images", job.ImageCount))
	return &dto.SubmitJobResponse{JobID: jobID, Status: job.Status}, nil
}

// processJob 在工作协程中执行任务
func (s *LandingPageService) processJob(ctx context.Context, jobID string, in *generationInput) {
	ctx, cancel := context.WithTimeout(WithJobID(ctx, jobID), s.opts.JobTimeout)
	defer cancel()

	// 状态写入不受任务超时影响
	dbCtx := context.WithoutCancel(ctx)

	startTime := time.Now()
	if err := s.jobRepo.MarkProcessing(dbCtx, jobID, startTime); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 排队期间已被清理任务置为失败，不再调用生成服务
			s.log.Warn("任务已不在排队状态，跳过执行", zap.String("job_id", jobID))
			return
		}
		s.log.Error("更新任务状态失败", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.notifyProgress(jobID, dto.ProgressEvent{Stage: model.JobStageValidating, Progress: 5, Message: "开始处理"})

	onStage := func(stage string, progress int, message string) {
		if err := s.jobRepo.UpdateProgress(dbCtx, jobID, stage, progress); err != nil {
			s.log.Warn("更新任务进度失败", zap.String("job_id", jobID), zap.Error(err))
		}
		s.notifyProgress(jobID, dto.ProgressEvent{Stage: stage, Progress: progress, Message: message})
	}

	result, err := s.run(ctx, jobID, in, onStage)
	if err != nil {
		s.failJob(dbCtx, jobID, err)
		return
	}

	names := lo.Map(result.Images, func(img GeneratedImage, _ int) string { return img.Name })
	fallbacks := lo.CountBy(result.Images, func(img GeneratedImage) bool { return img.Fallback })

	if err := s.jobRepo.MarkSucceeded(dbCtx, jobID, &repository.JobResult{
		ImageNames:    names,
		FallbackCount: fallbacks,
		ArchiveSize:   result.Locator.Size,
		StorageKey:    result.Locator.Key,
		LocatorURI:    result.Locator.URI,
		FinishedAt:    time.Now(),
	}); err != nil {
		s.log.Error("保存任务结果失败", zap.String("job_id", jobID), zap.Error(err))
	}

	s.notifyProgress(jobID, dto.ProgressEvent{
		Stage:    model.JobStageDone,
		Progress: 100,
		Message:  "生成完成",
		Data:     toLocatorResponse(result.Locator),
	})
	s.log.Info("任务完成",
		zap.String("job_id", jobID),
		zap.Int("images", len(names)),
		zap.Int("fallbacks", fallbacks),
		zap.Duration("elapsed", time.Since(startTime)),
	)
}

func (s *LandingPageService) failJob(ctx context.Context, jobID string, cause error) {
	kind := ErrorKind(cause)
	if errors.Is(cause, context.DeadlineExceeded) && kind == ErrorKindInternal {
		kind = "timeout"
	}

	if err := s.jobRepo.MarkFailed(ctx, jobID, kind, cause.Error()); err != nil {
		s.log.Error("更新任务失败状态失败", zap.String("job_id", jobID), zap.Error(err))
	}
	s.notifyProgress(jobID, dto.ProgressEvent{
		Stage:   model.JobStageFailed,
		Message: cause.Error(),
		Data:    map[string]string{"error_kind": kind},
	})
	s.log.Warn("任务失败", zap.String("job_id", jobID), zap.String("kind", kind), zap.Error(cause))
}

// GetJob 查询任务
func (s *LandingPageService) GetJob(ctx context.Context, jobID string) (*dto.JobResponse, error) {
	if s.jobRepo == nil {
		return nil, ErrJobNotFound
	}

	job, err := s.jobRepo.GetByJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return toJobResponse(job), nil
}

// ==================== 统计 ====================

// GetUsage 查询时间范围内的生成服务用量
func (s *LandingPageService) GetUsage(ctx context.Context, from, to time.Time) (*dto.UsageResponse, error) {
	if !to.After(from) {
		return nil, validationErrorf("结束时间必须晚于开始时间")
	}

	resp := &dto.UsageResponse{From: from, To: to, JobsByStatus: map[string]int64{}}

	if s.callLogRepo != nil {
		stats, err := s.callLogRepo.GetUsage(ctx, from, to)
		if err != nil {
			return nil, fmt.Errorf("查询用量失败: %w", err)
		}
		resp.TotalCalls = stats.TotalCalls
		resp.TotalImages = stats.TotalImages
		resp.TotalCostUSD = stats.TotalCostUSD
		resp.AvgDurationMs = stats.AvgDurationMs
		resp.SuccessCount = stats.SuccessCount
		resp.FailedCount = stats.FailedCount
	}

	if s.jobRepo != nil {
		counts, err := s.jobRepo.CountByStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("统计任务失败: %w", err)
		}
		resp.JobsByStatus = counts
	}
	return resp, nil
}

// PreviewCompanyInfo 预览 company_info.txt
func (s *LandingPageService) PreviewCompanyInfo(req *dto.CompanyInfoRequest) (*dto.CompanyInfoPreviewResponse, error) {
	info := toCompanyInfo(*req)
	if info.Name == "" {
		return nil, validationErrorf("company_info.name 不能为空")
	}
	return &dto.CompanyInfoPreviewResponse{Text: CompanyInfoText(info)}, nil
}

// ==================== 请求校验与转换 ====================

// prepare 校验请求，失败时不发起任何外部调用
func (s *LandingPageService) prepare(req *dto.GenerateLandingPageRequest) (*generationInput, error) {
	if req == nil {
		return nil, validationErrorf("请求不能为空")
	}

	delivery := req.Delivery
	if delivery == "" {
		delivery = s.opts.DefaultDelivery
	}
	if !ValidMode(delivery) {
		return nil, validationErrorf("delivery 不支持: %q", delivery)
	}

	company := toCompanyInfo(req.CompanyInfo)
	if company.Name == "" {
		return nil, validationErrorf("company_info.name 不能为空")
	}

	prompts := lo.Map(req.Prompts, func(p dto.PromptSpecRequest, _ int) PromptSpec {
		return PromptSpec{
			Prompt:         strings.TrimSpace(p.Prompt),
			Count:          p.Count,
			Size:           strings.TrimSpace(p.Size),
			AspectRatio:    strings.TrimSpace(p.AspectRatio),
			FilenamePrefix: p.FilenamePrefix,
		}
	})
	if err := s.fetcher.Validate(prompts); err != nil {
		return nil, err
	}

	css := CSSOptions{
		FontFamily:      strings.TrimSpace(req.CSSOptions.FontFamily),
		PrimaryColor:    strings.TrimSpace(req.CSSOptions.PrimaryColor),
		BackgroundColor: strings.TrimSpace(req.CSSOptions.BackgroundColor),
	}
	for field, value := range map[string]string{
		"css_options.primary_color":    css.PrimaryColor,
		"css_options.background_color": css.BackgroundColor,
	} {
		if value != "" && !colorPattern.MatchString(value) {
			return nil, validationErrorf("%s 格式不正确: %q", field, value)
		}
	}

	attachments, err := s.decodeAttachments(req.Attachments)
	if err != nil {
		return nil, err
	}

	return &generationInput{
		prompts:     prompts,
		attachments: attachments,
		frontend: FrontendBundle{
			HTML:         req.FrontendFiles.HTML,
			CSS:          req.FrontendFiles.CSS,
			JS:           req.FrontendFiles.JS,
			ServerScript: req.FrontendFiles.ServerScript,
		},
		company: company,
		sections: lo.Map(req.Sections, func(sec dto.SectionRequest, _ int) Section {
			return Section{Title: strings.TrimSpace(sec.Title), Body: sec.Body}
		}),
		css:      css,
		delivery: delivery,
	}, nil
}

func (s *LandingPageService) decodeAttachments(reqs []dto.AttachmentRequest) ([]Attachment, error) {
	if len(reqs) > s.opts.MaxAttachments {
		return nil, validationErrorf("附件数量 %d 超过上限 %d", len(reqs), s.opts.MaxAttachments)
	}

	attachments := make([]Attachment, 0, len(reqs))
	for i, a := range reqs {
		data := a.Content
		if len(data) == 0 && a.Data != "" {
			decoded, err := decodeBase64Payload(a.Data)
			if err != nil {
				return nil, validationErrorf("attachments[%d] Base64 解码失败: %v", i, err)
			}
			data = decoded
		}
		if len(data) == 0 {
			return nil, validationErrorf("attachments[%d] 内容为空", i)
		}
		if len(data) > s.opts.MaxAttachmentBytes {
			return nil, validationErrorf("attachments[%d] 超过大小上限 %d 字节", i, s.opts.MaxAttachmentBytes)
		}
		attachments = append(attachments, Attachment{Filename: a.Filename, Data: data})
	}
	return attachments, nil
}

// decodeBase64Payload 解码 Base64，兼容 data URL 前缀
func decodeBase64Payload(payload string) ([]byte, error) {
	if idx := strings.Index(payload, ","); idx != -1 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
}

// requestSnapshot 保存请求快照，附件只保留文件名
func requestSnapshot(req *dto.GenerateLandingPageRequest) datatypes.JSON {
	snapshot := *req
	snapshot.Attachments = lo.Map(req.Attachments, func(a dto.AttachmentRequest, _ int) dto.AttachmentRequest {
		return dto.AttachmentRequest{Filename: a.Filename}
	})

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func toCompanyInfo(req dto.CompanyInfoRequest) CompanyInfo {
	return CompanyInfo{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		Tel:         strings.TrimSpace(req.Tel),
		Hours:       strings.TrimSpace(req.Hours),
		Holidays:    strings.TrimSpace(req.Holidays),
		Address:     strings.TrimSpace(req.Address),
		Email:       strings.TrimSpace(req.Email),
		Website:     strings.TrimSpace(req.Website),
	}
}

// ==================== 响应转换 ====================

func toLocatorResponse(loc *Locator) *dto.LocatorResponse {
	if loc == nil {
		return nil
	}
	return &dto.LocatorResponse{
		Mode:     loc.Mode,
		Filename: loc.Filename,
		URI:      loc.URI,
		Key:      loc.Key,
		Size:     loc.Size,
	}
}

// ToGenerateResponse 同步结果转换为接口响应
func ToGenerateResponse(result *GenerateResult) *dto.GenerateLandingPageResponse {
	images := lo.Map(result.Images, func(img GeneratedImage, _ int) dto.ImageSummary {
		return dto.ImageSummary{
			Name:        img.Name,
			PromptIndex: img.PromptIndex,
			Fallback:    img.Fallback,
			Size:        len(img.Data),
		}
	})
	return &dto.GenerateLandingPageResponse{
		JobID:         result.JobID,
		Images:        images,
		FallbackCount: lo.CountBy(result.Images, func(img GeneratedImage) bool { return img.Fallback }),
		Locator:       toLocatorResponse(result.Locator),
	}
}

func toJobResponse(job *model.GenerationJob) *dto.JobResponse {
	names := []string(job.ImageNames)
	if names == nil {
		names = []string{}
	}
	return &dto.JobResponse{
		JobID:         job.JobID,
		Status:        job.Status,
		Stage:         job.Stage,
		Progress:      job.Progress,
		CompanyName:   job.CompanyName,
		DeliveryMode:  job.DeliveryMode,
		ImageCount:    job.ImageCount,
		FallbackCount: job.FallbackCount,
		ImageNames:    names,
		ArchiveSize:   job.ArchiveSize,
		LocatorURI:    job.LocatorURI,
		ErrorKind:     job.ErrorKind,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
}
