package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// 交付方式
const (
	DeliveryStream = "stream"
	DeliveryUpload = "upload"
)

const archiveContentType = "application/zip"

// Locator 归档的交付位置
type Locator struct {
	Mode     string `json:"mode"`
	Filename string `json:"filename"`
	URI      string `json:"uri,omitempty"`
	Key      string `json:"key,omitempty"`
	Size     int64  `json:"size"`
}

// DeliveryOptions 交付参数
type DeliveryOptions struct {
	// PresignExpiry > 0 时返回限时签名地址
	PresignExpiry time.Duration
}

// DeliverySink 交付归档：直接返回给调用方，或上传对象存储
type DeliverySink struct {
	storage StorageProvider
	opts    DeliveryOptions
	log     *zap.Logger
	now     func() time.Time
}

// NewDeliverySink storage 为 nil 时只支持 stream
func NewDeliverySink(storage StorageProvider, opts DeliveryOptions, log *zap.Logger) *DeliverySink {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeliverySink{
		storage: storage,
		opts:    opts,
		log:     log.Named("delivery"),
		now:     time.Now,
	}
}

// ValidMode 是否为支持的交付方式
func ValidMode(mode string) bool {
	return mode == DeliveryStream || mode == DeliveryUpload
}

// ArchiveFilename 下载文件名
func ArchiveFilename(jobID string) string {
	return fmt.Sprintf("landing-page-%s.zip", jobID)
}

// ArchiveKey 存储 key: yyyy/mm/dd/<jobID>.zip
func ArchiveKey(jobID string, at time.Time) string {
	return fmt.Sprintf("%s/%s.zip", at.UTC().Format("2006/01/02"), jobID)
}

// Deliver 交付归档
// stream 模式不做 I/O，字节由调用方写回；upload 失败返回 ErrStorage，不重试
func (d *DeliverySink) Deliver(ctx context.Context, archive []byte, mode, jobID string) (*Locator, error) {
	loc := &Locator{
		Mode:     mode,
		Filename: ArchiveFilename(jobID),
		Size:     int64(len(archive)),
	}

	switch mode {
	case DeliveryStream:
		return loc, nil
	case DeliveryUpload:
	default:
		return nil, validationErrorf("不支持的交付方式: %q", mode)
	}

	if d.storage == nil {
		return nil, fmt.Errorf("%w: 未配置对象存储", ErrStorage)
	}

	key := ArchiveKey(jobID, d.now())
	uri, err := d.storage.Upload(ctx, key, archive, archiveContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if d.opts.PresignExpiry > 0 {
		signed, err := d.storage.GetSignedURL(ctx, key, d.opts.PresignExpiry)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		uri = signed
	}

	loc.Key = key
	loc.URI = uri

	d.log.Info("归档已上传",
		zap.String("job_id", jobID),
		zap.String("key", key),
		zap.Int64("size", loc.Size),
	)
	return loc, nil
}

// Remove 删除已上传的归档
func (d *DeliverySink) Remove(ctx context.Context, key string) error {
	if d.storage == nil || key == "" {
		return nil
	}
	if err := d.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}
