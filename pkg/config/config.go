package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hewenyu/kong-mesh/pkg/signature"
)

// Config 定义整个网格运行时的配置结构
type Config struct {
	Service     ServiceConfig           `mapstructure:"service"`
	Services    map[string]ServiceEntry `mapstructure:"services"`
	Defaults    DefaultsConfig          `mapstructure:"defaults"`
	Health      HealthConfig            `mapstructure:"health"`
	Manifest    ManifestConfig          `mapstructure:"manifest"`
	Idempotency IdempotencyConfig       `mapstructure:"idempotency"`
	Proxy       ProxyConfig             `mapstructure:"proxy"`
	Gateway     GatewayConfig           `mapstructure:"gateway"`
	Store       StoreConfig             `mapstructure:"store"`
	Server      ServerConfig            `mapstructure:"server"`
	Log         LogConfig               `mapstructure:"log"`
}

// ServiceConfig 当前服务自身的身份与签名配置
type ServiceConfig struct {
	Name      string `mapstructure:"name"`
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
	// Debug 为true时入站签名校验被完全跳过，只能用于本地开发
	Debug              bool          `mapstructure:"debug"`
	TimestampTolerance time.Duration `mapstructure:"timestamp_tolerance"`
}

// ServiceEntry 一个下游服务的描述，base_urls的顺序即故障转移顺序
type ServiceEntry struct {
	BaseURLs []string      `mapstructure:"base_urls"`
	Timeout  time.Duration `mapstructure:"timeout"` // 0 表示使用默认值
	Retries  *int          `mapstructure:"retries"` // nil 表示使用默认值
}

// DefaultsConfig 出站请求的默认策略
type DefaultsConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Retries        int           `mapstructure:"retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	PropagateError bool          `mapstructure:"propagate_error"`
}

// HealthConfig 实例健康判定配置
type HealthConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// ManifestConfig 路由清单发布配置
type ManifestConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	Prefix          string        `mapstructure:"prefix"`
	Gateway         string        `mapstructure:"gateway"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// IdempotencyConfig 幂等中间件配置
type IdempotencyConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// ProxyConfig 网关代理配置
type ProxyConfig struct {
	StripHeaders []string `mapstructure:"strip_headers"`
}

// GatewayConfig 网关动态路由配置
type GatewayConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Services []string          `mapstructure:"services"`
	Prefixes map[string]string `mapstructure:"prefixes"`
	Fallback bool              `mapstructure:"fallback"`
}

// StoreConfig 共享存储配置
type StoreConfig struct {
	Driver string      `mapstructure:"driver"` // "redis", "etcd" 或 "memory"
	Prefix string      `mapstructure:"prefix"`
	Redis  RedisConfig `mapstructure:"redis"`
	Etcd   EtcdConfig  `mapstructure:"etcd"`
}

// RedisConfig redis连接配置
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// EtcdConfig etcd连接配置
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultStripHeaders 代理响应中默认剥离的头，这些头由边缘反向代理自行设置
var DefaultStripHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
	"Access-Control-Allow-Credentials",
	"Access-Control-Expose-Headers",
	"Access-Control-Max-Age",
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-mesh")
		v.AddConfigPath("/etc/kong-mesh")
	}
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 未指定路径时找不到配置文件不算错误
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 环境变量覆盖，例如 KONG_MESH_SERVICE_NAME
	v.SetEnvPrefix("KONG_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "app")
	v.SetDefault("service.secret", "")
	v.SetDefault("service.algorithm", "sha256")
	v.SetDefault("service.debug", false)
	v.SetDefault("service.timestamp_tolerance", 60*time.Second)

	v.SetDefault("defaults.timeout", 5*time.Second)
	v.SetDefault("defaults.retries", 2)
	v.SetDefault("defaults.retry_delay", 100*time.Millisecond)
	v.SetDefault("defaults.propagate_error", false)

	v.SetDefault("health.endpoint", "/microservice/health")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.recovery_timeout", 30*time.Second)

	v.SetDefault("manifest.ttl", 300*time.Second)
	v.SetDefault("manifest.prefix", "api")
	v.SetDefault("manifest.gateway", "")
	v.SetDefault("manifest.refresh_interval", time.Duration(0))

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.lock_timeout", 10*time.Second)

	v.SetDefault("proxy.strip_headers", DefaultStripHeaders)

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.services", []string{})
	v.SetDefault("gateway.fallback", true)

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.prefix", "microservice:")
	v.SetDefault("store.redis.url", "redis://localhost:6379/0")
	v.SetDefault("store.etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("store.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("store.etcd.username", "")
	v.SetDefault("store.etcd.password", "")

	v.SetDefault("server.listen_address", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// Validate 检查会导致运行期错误的配置取值
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name 不能为空")
	}
	if c.Service.Secret == "" && !c.Service.Debug {
		return fmt.Errorf("service.secret 不能为空")
	}
	if !signature.Supported(c.Service.Algorithm) {
		return fmt.Errorf("不支持的签名算法: %s", c.Service.Algorithm)
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold 必须大于0")
	}
	if c.Health.RecoveryTimeout <= 0 {
		return fmt.Errorf("health.recovery_timeout 必须大于0")
	}
	if c.Manifest.TTL <= 0 {
		return fmt.Errorf("manifest.ttl 必须大于0")
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.LockTimeout <= 0 {
		return fmt.Errorf("idempotency.ttl 与 idempotency.lock_timeout 必须大于0")
	}
	switch c.Store.Driver {
	case "redis", "etcd", "memory":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Store.Driver)
	}
	return nil
}

// Instances 返回服务配置的全部实例地址
func (c *Config) Instances(service string) []string {
	entry, ok := c.Services[service]
	if !ok {
		return nil
	}
	return entry.BaseURLs
}

// ResolveTimeout 按 请求覆盖 > 服务配置 > 全局默认 的顺序确定超时
func (c *Config) ResolveTimeout(service string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if entry, ok := c.Services[service]; ok && entry.Timeout > 0 {
		return entry.Timeout
	}
	return c.Defaults.Timeout
}

// ResolveRetries 按 请求覆盖 > 服务配置 > 全局默认 的顺序确定重试次数
func (c *Config) ResolveRetries(service string, override *int) int {
	if override != nil {
		return *override
	}
	if entry, ok := c.Services[service]; ok && entry.Retries != nil {
		return *entry.Retries
	}
	return c.Defaults.Retries
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-mesh/config.yaml",
		"/etc/kong-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
