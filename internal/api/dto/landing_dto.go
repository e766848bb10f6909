package dto

import "time"

// ==================== 请求 DTO ====================

// PromptSpecRequest 单个提示词
type PromptSpecRequest struct {
	Prompt         string `json:"prompt"`
	Count          int    `json:"count" binding:"min=0,max=10"`
	Size           string `json:"size"`         // WxH，默认 1024x1024
	AspectRatio    string `json:"aspect_ratio"` // W:H，可选
	FilenamePrefix string `json:"filename_prefix"`
}

// FrontendFilesRequest 前端文件，原样打包
type FrontendFilesRequest struct {
	HTML         string `json:"html"`
	CSS          string `json:"css"`
	JS           string `json:"js"`
	ServerScript string `json:"server_script"`
}

// CompanyInfoRequest 公司信息
type CompanyInfoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tel         string `json:"tel"`
	Hours       string `json:"hours"`
	Holidays    string `json:"holidays"`
	Address     string `json:"address"`
	Email       string `json:"email"`
	Website     string `json:"website"`
}

// SectionRequest 默认页面区块，Body 为 Markdown
type SectionRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CSSOptionsRequest 样式参数
type CSSOptionsRequest struct {
	FontFamily      string `json:"font_family"`
	PrimaryColor    string `json:"primary_color"`
	BackgroundColor string `json:"background_color"`
}

// AttachmentRequest 附件图片
// JSON 请求使用 Base64 的 Data；multipart 上传时由控制器填充 Content
type AttachmentRequest struct {
	Filename string `json:"filename"`
	Data     string `json:"data,omitempty"`
	Content  []byte `json:"-"`
}

// GenerateLandingPageRequest 生成落地页请求
type GenerateLandingPageRequest struct {
	Prompts       []PromptSpecRequest  `json:"prompts" binding:"max=10,dive"`
	FrontendFiles FrontendFilesRequest `json:"frontend_files"`
	CompanyInfo   CompanyInfoRequest   `json:"company_info"`
	Sections      []SectionRequest     `json:"sections"`
	CSSOptions    CSSOptionsRequest    `json:"css_options"`
	Delivery      string               `json:"delivery" binding:"omitempty,oneof=stream upload"`
	Attachments   []AttachmentRequest  `json:"attachments"`
}

// UsageQuery 用量查询，时间为 RFC3339
type UsageQuery struct {
	From string `form:"from"`
	To   string `form:"to"`
}

// ==================== 响应 DTO ====================

// LocatorResponse 归档交付位置
type LocatorResponse struct {
	Mode     string `json:"mode"`
	Filename string `json:"filename"`
	URI      string `json:"uri,omitempty"`
	Key      string `json:"key,omitempty"`
	Size     int64  `json:"size"`
}

// ImageSummary 生成图片摘要
type ImageSummary struct {
	Name        string `json:"name"`
	PromptIndex int    `json:"prompt_index"`
	Fallback    bool   `json:"fallback"`
	Size        int    `json:"size"`
}

// GenerateLandingPageResponse 同步生成结果 (upload 模式)
type GenerateLandingPageResponse struct {
	JobID         string           `json:"job_id"`
	Images        []ImageSummary   `json:"images"`
	FallbackCount int              `json:"fallback_count"`
	Locator       *LocatorResponse `json:"locator"`
}

// SubmitJobResponse 提交后台任务结果
type SubmitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobResponse 任务详情
type JobResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	Stage         string     `json:"stage"`
	Progress      int        `json:"progress"`
	CompanyName   string     `json:"company_name"`
	DeliveryMode  string     `json:"delivery_mode"`
	ImageCount    int        `json:"image_count"`
	FallbackCount int        `json:"fallback_count"`
	ImageNames    []string   `json:"image_names"`
	ArchiveSize   int64      `json:"archive_size"`
	LocatorURI    string     `json:"locator_uri,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// UsageResponse 生成服务用量统计
type UsageResponse struct {
	From          time.Time        `json:"from"`
	To            time.Time        `json:"to"`
	TotalCalls    int64            `json:"total_calls"`
	TotalImages   int64            `json:"total_images"`
	TotalCostUSD  float64          `json:"total_cost_usd"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	SuccessCount  int64            `json:"success_count"`
	FailedCount   int64            `json:"failed_count"`
	JobsByStatus  map[string]int64 `json:"jobs_by_status"`
}

// CompanyInfoPreviewResponse company_info.txt 预览
type CompanyInfoPreviewResponse struct {
	Text string `json:"text"`
}

// ==================== SSE 事件 ====================

// ProgressEvent 任务进度事件
type ProgressEvent struct {
	JobID    string      `json:"job_id"`
	Stage    string      `json:"stage"` // validating, fetching, assembling, delivering, done, failed
	Progress int         `json:"progress"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
}
