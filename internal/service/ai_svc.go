package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"lp_gen_v1_202610/pkg/utils"
)

// ==================== 接口定义 ====================

// ImageRequest 单次生成请求
type ImageRequest struct {
	Prompt      string
	Count       int
	Size        string // "WxH"
	AspectRatio string // "W:H"，可为空
}

// ProviderImage 生成服务返回的单张图片，Data 与 URL 至少有一个
type ProviderImage struct {
	Data        []byte
	URL         string
	ContentType string
}

// ImageProvider 图片生成服务
type ImageProvider interface {
	Name() string
	Model() string
	GenerateImages(ctx context.Context, req ImageRequest) ([]ProviderImage, error)
}

// ==================== 配置 ====================

// ProviderOptions 图片生成服务配置
type ProviderOptions struct {
	Name    string // "openai" | "gemini"
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// ProxyURL 出站代理，为空时直连
	ProxyURL string
}

// ==================== 工厂方法 ====================

// NewImageProvider 根据配置创建生成服务
func NewImageProvider(ctx context.Context, opts ProviderOptions) (ImageProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s API Key 未配置", opts.Name)
	}

	switch opts.Name {
	case "openai":
		return NewOpenAIImageProvider(opts), nil
	case "gemini":
		return NewGeminiImageProvider(ctx, opts)
	default:
		return nil, fmt.Errorf("不支持的图片生成服务: %s", opts.Name)
	}
}

// ==================== Gemini 实现 ====================

const defaultGeminiImageModel = "gemini-2.5-flash-image"

// geminiSupportedRatios Gemini 图片模型支持的宽高比
var geminiSupportedRatios = map[string]bool{
	"1:1": true, "2:3": true, "3:2": true, "3:4": true, "4:3": true,
	"4:5": true, "5:4": true, "9:16": true, "16:9": true, "21:9": true,
}

// contentGenerator genai.Models 的最小子集，便于测试替换
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiImageProvider 调用 Gemini 多模态模型生成图片
// 一次调用只返回一张图，Count > 1 时顺序调用
type GeminiImageProvider struct {
	models contentGenerator
	model  string
}

// NewGeminiImageProvider 创建 Gemini 生成服务
func NewGeminiImageProvider(ctx context.Context, opts ProviderOptions) (*GeminiImageProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("代理地址无效: %w", err)
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = http.ProxyURL(proxy)
		cc.HTTPClient = &http.Client{Transport: transport}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	return newGeminiImageProvider(client.Models, opts.Model), nil
}

func newGeminiImageProvider(models contentGenerator, model string) *GeminiImageProvider {
	if model == "" {
		model = defaultGeminiImageModel
	}
	return &GeminiImageProvider{models: models, model: model}
}

func (p *GeminiImageProvider) Name() string  { return "gemini" }
func (p *GeminiImageProvider) Model() string { return p.model }

// GenerateImages 生成 req.Count 张图片，任意一张失败即返回错误
func (p *GeminiImageProvider) GenerateImages(ctx context.Context, req ImageRequest) ([]ProviderImage, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if ratio := p.aspectRatio(req); ratio != "" {
		config.ImageConfig = &genai.ImageConfig{AspectRatio: ratio}
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	images := make([]ProviderImage, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		resp, err := p.models.GenerateContent(ctx, p.model, contents, config)
		if err != nil {
			return nil, p.wrapError(err)
		}

		img, err := parseGeminiImage(resp)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// aspectRatio 优先使用请求中的宽高比，否则由尺寸推导
func (p *GeminiImageProvider) aspectRatio(req ImageRequest) string {
	if req.AspectRatio != "" {
		return req.AspectRatio
	}
	ratio, ok := ratioFromSize(req.Size)
	if !ok || !geminiSupportedRatios[ratio] {
		return ""
	}
	return ratio
}

// wrapError 识别限流错误
func (p *GeminiImageProvider) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: gemini: %v", ErrQuotaExceeded, err)
	}
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: gemini: %v", ErrQuotaExceeded, err)
	}
	return fmt.Errorf("gemini 调用失败: %w", err)
}

// parseGeminiImage 取第一个候选中的图片数据
func parseGeminiImage(resp *genai.GenerateContentResponse) (ProviderImage, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return ProviderImage{}, errors.New("gemini 未返回候选结果")
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				contentType := part.InlineData.MIMEType
				if contentType == "" {
					contentType = utils.SniffImageType(part.InlineData.Data)
				}
				return ProviderImage{Data: part.InlineData.Data, ContentType: contentType}, nil
			}
		}
	}

	// 安全过滤等异常结束
	if candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
		return ProviderImage{}, fmt.Errorf("gemini 生成异常结束 (FinishReason: %s)", candidate.FinishReason)
	}
	return ProviderImage{}, errors.New("gemini 响应中未找到图片数据")
}

// ratioFromSize "1024x768" -> "4:3"
func ratioFromSize(size string) (string, bool) {
	w, h, ok := parseSize(size)
	if !ok {
		return "", false
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g), true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
