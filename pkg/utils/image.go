package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	"github.com/go-resty/resty/v2"
)

// DefaultMaxImageBytes 单张图片下载上限 (20MB)
const DefaultMaxImageBytes = 20 << 20

// DownloadOptions 图片下载参数
type DownloadOptions struct {
	MaxBytes int64
	// AllowPrivate 允许访问内网地址，仅测试或内网部署时开启
	AllowPrivate bool
}

// ErrNonPublicAddress 目标地址不是公网地址
var ErrNonPublicAddress = errors.New("non-public address")

// DownloadImage 下载网络图片，返回数据和 Content-Type
// 响应体按 MaxBytes 流式读取，超出上限立即中止，不会整体读入内存
func DownloadImage(ctx context.Context, client *resty.Client, rawURL string, opts DownloadOptions) ([]byte, string, error) {
	if !opts.AllowPrivate {
		if err := CheckPublicURL(rawURL); err != nil {
			return nil, "", err
		}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxImageBytes
	}

	resp, err := client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("http get failed: %w", err)
	}
	body := resp.RawBody()
	if body == nil {
		return nil, "", fmt.Errorf("download returned no body")
	}
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status: %d", resp.StatusCode())
	}
	if resp.RawResponse != nil && resp.RawResponse.ContentLength > opts.MaxBytes {
		return nil, "", fmt.Errorf("image too large: %d bytes", resp.RawResponse.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(body, opts.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("download returned empty body")
	}
	if int64(len(data)) > opts.MaxBytes {
		return nil, "", fmt.Errorf("image too large: exceeds %d bytes", opts.MaxBytes)
	}

	contentType := resp.Header().Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// CheckPublicURL 校验 URL 只指向公网 http(s) 地址，防止 SSRF
func CheckPublicURL(rawURL string) error {
	parsed, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme not allowed: %s", parsed.Scheme)
	}

	host := parsed.Hostname()
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve host %s: %w", host, err)
		}
		ips = resolved
	}
	if len(ips) == 0 {
		return fmt.Errorf("no address for host %s", host)
	}

	for _, ip := range ips {
		if !IsPublicIP(ip) {
			return fmt.Errorf("%w: host %s resolves to %s", ErrNonPublicAddress, host, ip)
		}
	}
	return nil
}

// IsPublicIP 判断是否为可访问的公网地址
func IsPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}

// publicDialControl 拨号前校验解析后的 IP
func publicDialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !IsPublicIP(ip) {
		return fmt.Errorf("%w: dial %s %s", ErrNonPublicAddress, network, address)
	}
	return nil
}

// ImageExtension 根据 Content-Type 返回文件扩展名，未知类型按 png 处理
func ImageExtension(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// SniffImageType 探测图片类型，非图片数据返回 image/png
func SniffImageType(data []byte) string {
	ct := http.DetectContentType(data)
	if strings.HasPrefix(ct, "image/") {
		return ct
	}
	return "image/png"
}

// PlaceholderPNG 生成纯色占位图，用于图片下载失败时的降级
func PlaceholderPNG(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		width, height = 64, 64
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}
