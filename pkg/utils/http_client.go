package utils

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPClientOptions 客户端参数
type HTTPClientOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	// ProxyURL 出站代理，访问境外生成服务时使用
	ProxyURL string
	// PublicOnly 只允许连接公网地址，每次拨号和每一跳重定向都会校验
	PublicOnly bool
}

// maxRedirects 下载允许的重定向次数
const maxRedirects = 5

// NewHTTPClient 创建统一配置的 Resty 客户端
// 供图片生成接口调用和生成结果下载共用
func NewHTTPClient(opts HTTPClientOptions) *resty.Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "LP-Generator/1.0"
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)

	if opts.BaseURL != "" {
		client.SetBaseURL(opts.BaseURL)
	}
	if opts.PublicOnly {
		client.SetTransport(publicOnlyTransport()).
			SetRedirectPolicy(PublicRedirectPolicy(maxRedirects))
	}
	if opts.ProxyURL != "" {
		client.SetProxy(opts.ProxyURL)
	}

	return client
}

// publicOnlyTransport 在拨号时校验实际连接的 IP，DNS 重绑定同样会被拦截
func publicOnlyTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   publicDialControl,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return transport
}

// PublicRedirectPolicy 限制重定向次数，并要求每一跳都指向公网地址
func PublicRedirectPolicy(max int) resty.RedirectPolicy {
	return resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		return CheckPublicURL(req.URL.String())
	})
}
