package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Cache  CacheConfig  `yaml:"cache"`
	Upload UploadConfig `yaml:"upload"`
	Batch  BatchConfig  `yaml:"batch"`
	System SystemConfig `yaml:"system"`
}

// RemoteConfig 远端存储服务配置
type RemoteConfig struct {
	BaseURL           string  `yaml:"base_url"`
	UploadURL         string  `yaml:"upload_url"` // 分片上传地址，为空时与 base_url 相同
	AccessToken       string  `yaml:"access_token"`
	UserAgent         string  `yaml:"user_agent"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // <= 0 表示不限速

	TimeoutDuration time.Duration `yaml:"-"`
}

// CacheConfig 目录缓存与预览缓存配置
type CacheConfig struct {
	// listing_ttl: 目录缓存的新鲜期，"0" 或留空表示直到显式失效前一直有效
	ListingTTL      string `yaml:"listing_ttl"`
	PreviewDir      string `yaml:"preview_dir"`
	PreviewMaxBytes int64  `yaml:"preview_max_bytes"`

	ListingTTLDuration time.Duration `yaml:"-"`
}

// UploadConfig 上传队列配置
type UploadConfig struct {
	Concurrency    int    `yaml:"concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	SpeedWindow    string `yaml:"speed_window"`

	InitialBackoffDuration time.Duration `yaml:"-"`
	MaxBackoffDuration     time.Duration `yaml:"-"`
	SpeedWindowDuration    time.Duration `yaml:"-"`
}

// BatchConfig 批量操作配置
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath      string `yaml:"db_path"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`   // text (默认) 或 json
	MetricsAddr string `yaml:"metrics_addr"` // 为空则不暴露 /metrics
}

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容，补全默认值并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("缺少远端地址 (remote.base_url)")
	}
	if cfg.Remote.UploadURL == "" {
		cfg.Remote.UploadURL = cfg.Remote.BaseURL
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"remote.timeout", cfg.Remote.Timeout, &cfg.Remote.TimeoutDuration},
		{"cache.listing_ttl", cfg.Cache.ListingTTL, &cfg.Cache.ListingTTLDuration},
		{"upload.initial_backoff", cfg.Upload.InitialBackoff, &cfg.Upload.InitialBackoffDuration},
		{"upload.max_backoff", cfg.Upload.MaxBackoff, &cfg.Upload.MaxBackoffDuration},
		{"upload.speed_window", cfg.Upload.SpeedWindow, &cfg.Upload.SpeedWindowDuration},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("无效的时间格式 (%s): %v", d.name, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("时间不能为负数 (%s): %s", d.name, d.raw)
		}
		*d.dst = v
	}

	if cfg.Upload.MaxBackoffDuration < cfg.Upload.InitialBackoffDuration {
		return nil, fmt.Errorf("upload.max_backoff 不能小于 upload.initial_backoff")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.UserAgent == "" {
		c.Remote.UserAgent = "pan.baidu.com" // 防止被屏蔽
	}
	if c.Remote.Timeout == "" {
		c.Remote.Timeout = "60s"
	}
	if c.Cache.ListingTTL == "" {
		c.Cache.ListingTTL = "0s"
	}
	if c.Cache.PreviewDir == "" {
		c.Cache.PreviewDir = "./cache/preview"
	}
	if c.Cache.PreviewMaxBytes <= 0 {
		c.Cache.PreviewMaxBytes = 256 << 20
	}
	if c.Upload.Concurrency <= 0 {
		c.Upload.Concurrency = 3
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = 3
	}
	if c.Upload.InitialBackoff == "" {
		c.Upload.InitialBackoff = "500ms"
	}
	if c.Upload.MaxBackoff == "" {
		c.Upload.MaxBackoff = "10s"
	}
	if c.Upload.SpeedWindow == "" {
		c.Upload.SpeedWindow = "5s"
	}
	if c.Batch.Concurrency <= 0 {
		c.Batch.Concurrency = 4
	}
	if c.System.DBPath == "" {
		c.System.DBPath = "./cloudsync.db"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
}
