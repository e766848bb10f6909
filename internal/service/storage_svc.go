package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
)

// ==================== 接口定义 ====================

// StorageProvider 对象存储接口，key 由调用方决定
type StorageProvider interface {
	// Upload 写入对象，返回公开访问地址
	Upload(ctx context.Context, key string, data []byte, contentType string) (uri string, err error)

	// Delete 删除对象，对象不存在不报错
	Delete(ctx context.Context, key string) error

	// GetSignedURL 获取限时访问地址 (私有存储时使用)
	GetSignedURL(ctx context.Context, key string, expires time.Duration) (signedURL string, err error)

	Exists(ctx context.Context, key string) (bool, error)
}

// ==================== 配置 ====================

type StorageConfig struct {
	Provider  string // "s3" | "cos" | "local"
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string // 自定义端点 (腾讯云COS等)；local 时为访问地址前缀
	CDNDomain string // CDN域名 (可选)
	BasePath  string // 对象 key 前缀；local 时为根目录
}

// ==================== 工厂方法 ====================

func NewStorageProvider(ctx context.Context, cfg StorageConfig) (StorageProvider, error) {
	switch cfg.Provider {
	case "s3":
		return NewS3Storage(ctx, cfg)
	case "cos":
		return NewCOSStorage(ctx, cfg)
	case "local":
		return NewLocalStorage(cfg), nil
	default:
		return nil, fmt.Errorf("不支持的存储提供者: %s", cfg.Provider)
	}
}

// ==================== S3 实现 ====================

// objectAPI s3.Client 中用到的方法
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Storage S3 协议对象存储，COS 通过兼容端点复用
type S3Storage struct {
	client    objectAPI
	presign   *s3.PresignClient
	bucket    string
	basePath  string
	publicURL string // 不含结尾斜杠
}

func NewS3Storage(ctx context.Context, cfg StorageConfig) (*S3Storage, error) {
	client, err := newS3Client(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	publicURL := fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	return newS3Storage(client, cfg, publicURL), nil
}

// NewCOSStorage 腾讯云 COS，兼容 S3 协议
func NewCOSStorage(ctx context.Context, cfg StorageConfig) (*S3Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://cos.%s.myqcloud.com", cfg.Region)
	}

	client, err := newS3Client(ctx, cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	if err != nil {
		return nil, fmt.Errorf("加载COS配置失败: %w", err)
	}

	publicURL := fmt.Sprintf("https://%s.cos.%s.myqcloud.com", cfg.Bucket, cfg.Region)
	return newS3Storage(client, cfg, publicURL), nil
}

func newS3Client(ctx context.Context, cfg StorageConfig, optFn func(*s3.Options)) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if optFn == nil {
		return s3.NewFromConfig(awsCfg), nil
	}
	return s3.NewFromConfig(awsCfg, optFn), nil
}

func newS3Storage(client *s3.Client, cfg StorageConfig, publicURL string) *S3Storage {
	if cfg.CDNDomain != "" {
		publicURL = "https://" + strings.TrimSuffix(cfg.CDNDomain, "/")
	}
	return &S3Storage{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		basePath:  strings.Trim(cfg.BasePath, "/"),
		publicURL: publicURL,
	}
}

func (s *S3Storage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return "", fmt.Errorf("上传对象 %s 失败: %w", objectKey, err)
	}

	return s.publicURL + "/" + objectKey, nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("删除对象 %s 失败: %w", objectKey, err)
	}
	return nil
}

func (s *S3Storage) GetSignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return "", err
	}
	if s.presign == nil {
		return "", errors.New("未配置签名客户端")
	}

	presigned, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("生成签名地址失败: %w", err)
	}
	return presigned.URL, nil
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return false, err
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("查询对象 %s 失败: %w", objectKey, err)
}

func (s *S3Storage) objectKey(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.basePath == "" {
		return cleaned, nil
	}
	return s.basePath + "/" + cleaned, nil
}

// ==================== 本地存储 ====================

// LocalStorage 基于 afero 的文件存储，开发环境或单机部署使用
type LocalStorage struct {
	fs      afero.Fs
	baseURL string
}

// NewLocalStorage 以 BasePath 为根目录
func NewLocalStorage(cfg StorageConfig) *LocalStorage {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "./archives"
	}
	return NewLocalStorageWithFs(afero.NewBasePathFs(afero.NewOsFs(), basePath), cfg.Endpoint)
}

// NewLocalStorageWithFs 使用指定文件系统，测试时传入 MemMapFs
func NewLocalStorageWithFs(fs afero.Fs, baseURL string) *LocalStorage {
	if baseURL == "" {
		baseURL = "http://localhost:8080/archives"
	}
	return &LocalStorage{fs: fs, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Fs 底层文件系统，用于静态文件服务
func (s *LocalStorage) Fs() afero.Fs {
	return s.fs
}

func (s *LocalStorage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := s.fs.MkdirAll(path.Dir(cleaned), 0o755); err != nil {
		return "", fmt.Errorf("创建目录失败: %w", err)
	}
	if err := afero.WriteFile(s.fs, cleaned, data, 0o644); err != nil {
		return "", fmt.Errorf("写入文件 %s 失败: %w", cleaned, err)
	}
	return s.baseURL + "/" + cleaned, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	cleaned, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(cleaned); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件 %s 失败: %w", cleaned, err)
	}
	return nil
}

// GetSignedURL 本地存储无需签名
func (s *LocalStorage) GetSignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/" + cleaned, nil
}

func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return false, err
	}
	return afero.Exists(s.fs, cleaned)
}

// ==================== 工具函数 ====================

// cleanKey 规范化对象 key，拒绝绝对路径与目录穿越
func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("存储 key 不能为空")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("存储 key 非法: %q", key)
	}

	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("存储 key 非法: %q", key)
	}
	return cleaned, nil
}
