package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config 应用配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Exchanges ExchangesConfig `mapstructure:"exchanges" yaml:"exchanges"`
	System    SystemConfig    `mapstructure:"system" yaml:"system"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
}

// ServerConfig HTTP/WebSocket服务配置
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" yaml:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ExchangesConfig 交易所配置
type ExchangesConfig struct {
	Lighter     VenueConfig `mapstructure:"lighter" yaml:"lighter"`
	Hyperliquid VenueConfig `mapstructure:"hyperliquid" yaml:"hyperliquid"`
}

// VenueConfig 单个交易所配置
type VenueConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"` // 为空时使用默认主网地址
}

// SystemConfig 系统配置
type SystemConfig struct {
	FetchTimeoutSeconds      int    `mapstructure:"fetch_timeout_seconds" yaml:"fetch_timeout_seconds"`
	HistoryPacingMillis      int    `mapstructure:"history_pacing_millis" yaml:"history_pacing_millis"`
	BroadcastIntervalSeconds int    `mapstructure:"broadcast_interval_seconds" yaml:"broadcast_interval_seconds"`
	LogLevel                 string `mapstructure:"log_level" yaml:"log_level"`
	LogDir                   string `mapstructure:"log_dir" yaml:"log_dir"`
}

// RedisConfig Redis配置（可选的快照镜像）
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LoadConfig 从文件加载配置
func LoadConfig(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 绑定环境变量，前缀FUNDINGARB，如FUNDINGARB_SERVER_LISTEN_ADDR
	v.AutomaticEnv()
	v.SetEnvPrefix("FUNDINGARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 特定环境变量映射，存在时优先于配置文件
	if lighterURL := os.Getenv("LIGHTER_BASE_URL"); lighterURL != "" {
		v.Set("exchanges.lighter.base_url", lighterURL)
	}
	if hyperliquidURL := os.Getenv("HYPERLIQUID_BASE_URL"); hyperliquidURL != "" {
		v.Set("exchanges.hyperliquid.base_url", hyperliquidURL)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		v.Set("server.allowed_origins", strings.Split(origins, ","))
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		v.Set("redis.password", redisPassword)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// LoadConfigFromYAML 不经viper直接加载YAML配置（备用入口）
func LoadConfigFromYAML(filePath string) (*Config, error) {
	yamlFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// applyDefaults 填充缺省值
func applyDefaults(config *Config) {
	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = ":8080"
	}
	if config.System.FetchTimeoutSeconds <= 0 {
		config.System.FetchTimeoutSeconds = 10
	}
	if config.System.HistoryPacingMillis <= 0 {
		config.System.HistoryPacingMillis = 200
	}
	if config.System.BroadcastIntervalSeconds <= 0 {
		config.System.BroadcastIntervalSeconds = 10
	}
	if config.System.LogLevel == "" {
		config.System.LogLevel = "INFO"
	}
	if config.System.LogDir == "" {
		config.System.LogDir = "./logs"
	}
	if config.Redis.KeyPrefix == "" {
		config.Redis.KeyPrefix = "fundingarb:"
	}
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	if config.Redis.Enabled {
		if config.Redis.Host == "" {
			return fmt.Errorf("redis已启用，但主机未配置")
		}
		if config.Redis.Port <= 0 || config.Redis.Port > 65535 {
			return fmt.Errorf("无效的Redis端口: %d", config.Redis.Port)
		}
	}

	if config.System.FetchTimeoutSeconds > 60 {
		return fmt.Errorf("上游请求超时不能超过60秒")
	}

	return nil
}
