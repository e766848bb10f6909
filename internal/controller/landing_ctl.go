package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"lp_gen_v1_202610/internal/api/dto"
	"lp_gen_v1_202610/internal/model"
	"lp_gen_v1_202610/internal/service"
)

// ==================== 控制器 ====================

// LandingController 落地页生成控制器
type LandingController struct {
	landingService *service.LandingPageService
	maxUploadBytes int64
	requestTimeout time.Duration // 同步生成超时，0 表示不限制
	heartbeat      time.Duration
}

func NewLandingController(landingService *service.LandingPageService, maxUploadBytes int64, requestTimeout time.Duration) *LandingController {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	return &LandingController{
		landingService: landingService,
		maxUploadBytes: maxUploadBytes,
		requestTimeout: requestTimeout,
		heartbeat:      30 * time.Second,
	}
}

// ==================== API 方法 ====================

// Generate 同步生成落地页
// @Summary 生成图片并打包落地页
// @Tags LandingPage
// @Accept json,mpfd
// @Produce application/zip,json
// @Param body body dto.GenerateLandingPageRequest true "生成请求"
// @Success 200 {file} file "delivery=stream"
// @Success 200 {object} dto.GenerateLandingPageResponse "delivery=upload"
// @Router /api/landing-pages [post]
func (ctrl *LandingController) Generate(c *gin.Context) {
	req, err := ctrl.bindGenerateRequest(c)
	if err != nil {
		respondBadRequest(c, "参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	if ctrl.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ctrl.requestTimeout)
		defer cancel()
	}

	result, err := ctrl.landingService.Generate(ctx, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("X-Job-ID", result.JobID)
	if result.Locator.Mode == service.DeliveryStream {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Locator.Filename))
		c.Data(http.StatusOK, "application/zip", result.Archive)
		return
	}

	respondOK(c, http.StatusOK, service.ToGenerateResponse(result))
}

// SubmitJob 提交后台生成任务
// @Summary 提交后台任务，结果上传存储
// @Tags LandingPage
// @Accept json,mpfd
// @Produce json
// @Param body body dto.GenerateLandingPageRequest true "生成请求"
// @Success 202 {object} dto.SubmitJobResponse
// @Router /api/landing-pages/jobs [post]
func (ctrl *LandingController) SubmitJob(c *gin.Context) {
	req, err := ctrl.bindGenerateRequest(c)
	if err != nil {
		respondBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := ctrl.landingService.SubmitJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/landing-pages/jobs/"+result.JobID)
	respondOK(c, http.StatusAccepted, result)
}

// GetJob 查询任务
// @Summary 查询后台任务状态
// @Tags LandingPage
// @Param job_id path string true "任务ID"
// @Success 200 {object} dto.JobResponse
// @Router /api/landing-pages/jobs/{job_id} [get]
func (ctrl *LandingController) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		respondBadRequest(c, "无效的任务ID")
		return
	}

	result, err := ctrl.landingService.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, result)
}

// StreamProgress SSE 订阅任务进度
// @Summary SSE 实时推送任务进度
// @Tags LandingPage
// @Param job_id path string true "任务ID"
// @Produce text/event-stream
// @Router /api/landing-pages/jobs/{job_id}/stream [get]
func (ctrl *LandingController) StreamProgress(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		respondBadRequest(c, "无效的任务ID")
		return
	}

	// 先订阅再查询，避免错过查询与订阅之间的事件
	progressCh := ctrl.landingService.Subscribe(jobID)
	defer ctrl.landingService.Unsubscribe(jobID, progressCh)

	job, err := ctrl.landingService.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 设置 SSE 响应头
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// 当前状态
	c.SSEvent("progress", jobSnapshotEvent(job))
	c.Writer.Flush()
	if isTerminalStatus(job.Status) {
		return
	}

	ticker := time.NewTicker(ctrl.heartbeat)
	defer ticker.Stop()

	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			// 心跳
			c.SSEvent("heartbeat", gin.H{"time": time.Now().Unix()})
			c.Writer.Flush()
		case event, ok := <-progressCh:
			if !ok {
				return
			}
			data, _ := json.Marshal(event)
			c.SSEvent("progress", string(data))
			c.Writer.Flush()

			if event.Stage == model.JobStageDone || event.Stage == model.JobStageFailed {
				return
			}
		}
	}
}

// PreviewCompanyInfo 预览 company_info.txt
// @Summary 渲染公司信息文本
// @Tags LandingPage
// @Accept json
// @Param body body dto.CompanyInfoRequest true "公司信息"
// @Success 200 {object} dto.CompanyInfoPreviewResponse
// @Router /api/company-info/preview [post]
func (ctrl *LandingController) PreviewCompanyInfo(c *gin.Context) {
	var req dto.CompanyInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "参数错误: "+err.Error())
		return
	}

	result, err := ctrl.landingService.PreviewCompanyInfo(&req)
	if err != nil {
		respondError(c, err)
		return
	}

	respondOK(c, http.StatusOK, result)
}

// ==================== 请求解析 ====================

// bindGenerateRequest 支持 JSON 与 multipart 两种请求，请求体不超过 maxUploadBytes
// multipart: payload 字段为 JSON，attachments 为图片文件
func (ctrl *LandingController) bindGenerateRequest(c *gin.Context) (*dto.GenerateLandingPageRequest, error) {
	var req dto.GenerateLandingPageRequest

	// JSON 附件以 Base64 携带，两种请求体都受同一上限约束
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ctrl.maxUploadBytes)

	if c.ContentType() != binding.MIMEMultipartPOSTForm {
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("解析 multipart 失败: %w", err)
	}

	payload := form.Value["payload"]
	if len(payload) == 0 || strings.TrimSpace(payload[0]) == "" {
		return nil, fmt.Errorf("缺少 payload 字段")
	}
	if err := json.Unmarshal([]byte(payload[0]), &req); err != nil {
		return nil, fmt.Errorf("payload 不是合法 JSON: %w", err)
	}
	if err := binding.Validator.ValidateStruct(&req); err != nil {
		return nil, err
	}

	for _, fh := range form.File["attachments"] {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("读取附件 %s 失败: %w", fh.Filename, err)
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("读取附件 %s 失败: %w", fh.Filename, err)
		}
		req.Attachments = append(req.Attachments, dto.AttachmentRequest{
			Filename: fh.Filename,
			Content:  content,
		})
	}

	return &req, nil
}

// ==================== 辅助函数 ====================

func isTerminalStatus(status string) bool {
	switch status {
	case model.JobStatusSucceeded, model.JobStatusFailed, model.JobStatusExpired:
		return true
	}
	return false
}

// jobSnapshotEvent 将任务当前状态转为进度事件
func jobSnapshotEvent(job *dto.JobResponse) string {
	event := dto.ProgressEvent{
		JobID:    job.JobID,
		Stage:    job.Stage,
		Progress: job.Progress,
		Message:  job.Status,
	}
	switch job.Status {
	case model.JobStatusSucceeded:
		event.Data = gin.H{"locator_uri": job.LocatorURI, "image_names": job.ImageNames}
	case model.JobStatusFailed:
		event.Message = job.ErrorMessage
		event.Data = gin.H{"error_kind": job.ErrorKind}
	}
	data, _ := json.Marshal(event)
	return string(data)
}
