package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"lp_gen_v1_202610/pkg/utils"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultOpenAIImageModel = "dall-e-3"
)

// ==================== 请求/响应结构 ====================

type openAIImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type openAIImageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL           string `json:"url,omitempty"`
		B64JSON       string `json:"b64_json,omitempty"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ==================== OpenAI 实现 ====================

// OpenAIImageProvider 调用 OpenAI Images API
type OpenAIImageProvider struct {
	client *resty.Client
	apiKey string
	model  string
}

// NewOpenAIImageProvider 创建 OpenAI 生成服务
func NewOpenAIImageProvider(opts ProviderOptions) *OpenAIImageProvider {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIImageModel
	}

	return &OpenAIImageProvider{
		client: utils.NewHTTPClient(utils.HTTPClientOptions{
			BaseURL:  strings.TrimRight(baseURL, "/"),
			Timeout:  opts.Timeout,
			ProxyURL: opts.ProxyURL,
		}),
		apiKey: opts.APIKey,
		model:  model,
	}
}

func (p *OpenAIImageProvider) Name() string  { return "openai" }
func (p *OpenAIImageProvider) Model() string { return p.model }

// GenerateImages 生成图片
// dall-e-3 每次只能生成一张，按张顺序请求；其他模型一次请求 n 张
func (p *OpenAIImageProvider) GenerateImages(ctx context.Context, req ImageRequest) ([]ProviderImage, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("openai: prompt 不能为空")
	}
	if req.Count <= 0 {
		return nil, nil
	}

	perCall := req.Count
	if p.model == "dall-e-3" {
		perCall = 1
	}

	images := make([]ProviderImage, 0, req.Count)
	for len(images) < req.Count {
		n := perCall
		if remaining := req.Count - len(images); n > remaining {
			n = remaining
		}

		batch, err := p.post(ctx, openAIImageRequest{
			Model:  p.model,
			Prompt: req.Prompt,
			N:      n,
			Size:   req.Size,
		})
		if err != nil {
			return nil, err
		}
		images = append(images, batch...)
	}
	return images, nil
}

func (p *OpenAIImageProvider) post(ctx context.Context, body openAIImageRequest) ([]ProviderImage, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/images/generations")
	if err != nil {
		return nil, fmt.Errorf("openai: 请求失败: %w", err)
	}

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, openAIError(resp)
	}

	var result openAIImageResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("openai: 解析响应失败: %w", err)
	}
	// 数量不符视为异常响应，交由上层重试，不在此补发
	if len(result.Data) != body.N {
		return nil, fmt.Errorf("openai: 返回图片数量不符，期望 %d，实际 %d", body.N, len(result.Data))
	}

	images := make([]ProviderImage, 0, len(result.Data))
	for i, item := range result.Data {
		switch {
		case item.B64JSON != "":
			data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(item.B64JSON))
			if err != nil {
				return nil, fmt.Errorf("openai: 第 %d 张图片 Base64 解码失败: %w", i+1, err)
			}
			images = append(images, ProviderImage{Data: data, ContentType: utils.SniffImageType(data)})
		case item.URL != "":
			images = append(images, ProviderImage{URL: strings.TrimSpace(item.URL)})
		default:
			return nil, fmt.Errorf("openai: 第 %d 张图片缺少数据", i+1)
		}
	}
	return images, nil
}

// openAIError 将错误响应转换为 error，429 归为限流
func openAIError(resp *resty.Response) error {
	var apiErr openAIErrorResponse
	msg := strings.TrimSpace(string(resp.Body()))
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	if resp.StatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("%w: openai [%d]: %s", ErrQuotaExceeded, resp.StatusCode(), msg)
	}
	return fmt.Errorf("openai API 错误 [%d]: %s", resp.StatusCode(), msg)
}
