package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 LPGEN_PROVIDER_API_KEY
const EnvPrefix = "LPGEN"

// ==================== 配置结构 ====================

// Config 应用配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // gin 模式: debug | release | test
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// TrustedProxies 允许设置 X-Forwarded-For 的反向代理地址，为空时只信任直连地址
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres | sqlite
	DSN    string `mapstructure:"dsn"`
	Debug  bool   `mapstructure:"debug"`
}

// ProviderConfig 图片生成服务配置
type ProviderConfig struct {
	Name         string        `mapstructure:"name"` // openai | gemini
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CostPerImage float64       `mapstructure:"cost_per_image"`
	ProxyURL     string        `mapstructure:"proxy_url"` // 出站代理

	// AllowPrivateDownloads 允许从内网地址下载生成结果
	AllowPrivateDownloads bool `mapstructure:"allow_private_downloads"`
}

// FetchConfig 批量取图参数
type FetchConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	PerCallTimeout  time.Duration `mapstructure:"per_call_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	FallbackPolicy  string        `mapstructure:"fallback_policy"` // abort | placeholder
}

type StorageConfig struct {
	Provider  string `mapstructure:"provider"` // s3 | cos | local
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
	CDNDomain string `mapstructure:"cdn_domain"`
	BasePath  string `mapstructure:"base_path"`
}

type DeliveryConfig struct {
	DefaultMode   string        `mapstructure:"default_mode"` // stream | upload
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

type JobsConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	Retention   time.Duration `mapstructure:"retention"`
	CleanupSpec string        `mapstructure:"cleanup_spec"` // cron 表达式 (秒级)

	// LogRetention 调用日志保留时长，0 表示不清理
	LogRetention time.Duration `mapstructure:"log_retention"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ==================== 加载 ====================

// Load 加载配置
// 优先级: 环境变量 > 配置文件 > 默认值。path 为空时只读取环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 32<<20)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "lp_gen.db")
	v.SetDefault("database.debug", false)

	v.SetDefault("provider.name", "openai")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.timeout", 90*time.Second)
	v.SetDefault("provider.cost_per_image", 0.04)
	v.SetDefault("provider.proxy_url", "")
	v.SetDefault("provider.allow_private_downloads", false)

	v.SetDefault("fetch.batch_size", 2)
	v.SetDefault("fetch.inter_batch_delay", time.Second)
	v.SetDefault("fetch.per_call_timeout", 60*time.Second)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_delay", 2*time.Second)
	v.SetDefault("fetch.fallback_policy", "abort")

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.cdn_domain", "")
	v.SetDefault("storage.base_path", "./archives")

	v.SetDefault("delivery.default_mode", "stream")
	v.SetDefault("delivery.presign_expiry", time.Duration(0))

	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 32)
	v.SetDefault("jobs.job_timeout", 10*time.Minute)
	v.SetDefault("jobs.retention", 24*time.Hour)
	v.SetDefault("jobs.cleanup_spec", "0 0 * * * *")
	v.SetDefault("jobs.log_retention", 30*24*time.Hour)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 0.2)
	v.SetDefault("rate_limit.burst", 3)
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Provider.Name {
	case "openai", "gemini":
	default:
		result = multierror.Append(result, fmt.Errorf("provider.name 不支持: %q", c.Provider.Name))
	}
	switch c.Storage.Provider {
	case "s3", "cos", "local":
	default:
		result = multierror.Append(result, fmt.Errorf("storage.provider 不支持: %q", c.Storage.Provider))
	}
	switch c.Delivery.DefaultMode {
	case "stream", "upload":
	default:
		result = multierror.Append(result, fmt.Errorf("delivery.default_mode 不支持: %q", c.Delivery.DefaultMode))
	}
	switch c.Fetch.FallbackPolicy {
	case "abort", "placeholder":
	default:
		result = multierror.Append(result, fmt.Errorf("fetch.fallback_policy 不支持: %q", c.Fetch.FallbackPolicy))
	}
	if c.Fetch.BatchSize <= 0 {
		result = multierror.Append(result, errors.New("fetch.batch_size 必须大于 0"))
	}
	if c.Fetch.MaxRetries <= 0 {
		result = multierror.Append(result, errors.New("fetch.max_retries 必须大于 0"))
	}
	if c.Jobs.Workers <= 0 || c.Jobs.QueueSize <= 0 {
		result = multierror.Append(result, errors.New("jobs.workers 与 jobs.queue_size 必须大于 0"))
	}
	if (c.Storage.Provider == "s3" || c.Storage.Provider == "cos") && c.Storage.Bucket == "" {
		result = multierror.Append(result, errors.New("storage.bucket 不能为空"))
	}

	return result.ErrorOrNil()
}
