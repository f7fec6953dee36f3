package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是所有环境变量覆盖项的前缀，例如 POLLCACHE_CACHEDIR。
const EnvPrefix = "POLLCACHE"

const (
	defaultLogLevel       = "warn"
	defaultConnectTimeout = 10 * time.Second
	defaultMaxTime        = 60 * time.Second
	defaultMaxRedirects   = 10
	defaultTailLines      = 20
	defaultListenAddr     = "127.0.0.1:5080"
)

// Load 读取可选的 TOML 配置文件并叠加环境变量，同时注入默认值与校验逻辑。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.CacheDir = absCache

	absTemp, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析临时目录: %w", err)
	}
	cfg.TempDir = absTemp

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CacheDir", "")
	v.SetDefault("TempDir", "")
	v.SetDefault("LogLevel", defaultLogLevel)
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 10)
	v.SetDefault("LogMaxBackups", 5)
	v.SetDefault("LogCompress", true)
	v.SetDefault("ConnectTimeout", defaultConnectTimeout.String())
	v.SetDefault("MaxTime", defaultMaxTime.String())
	v.SetDefault("MaxRedirects", defaultMaxRedirects)
	v.SetDefault("TailLines", defaultTailLines)
	v.SetDefault("MetricsFile", "")
	v.SetDefault("ListenAddr", defaultListenAddr)
}

func applyDefaults(c *Config) {
	if strings.TrimSpace(c.CacheDir) == "" {
		c.CacheDir = defaultCacheDir()
	}
	if strings.TrimSpace(c.TempDir) == "" {
		c.TempDir = os.TempDir()
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = defaultLogLevel
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.ConnectTimeout.DurationValue() == 0 {
		c.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if c.MaxTime.DurationValue() == 0 {
		c.MaxTime = Duration(defaultMaxTime)
	}
	if c.TailLines == 0 {
		c.TailLines = defaultTailLines
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = defaultListenAddr
	}
}

// defaultCacheDir 优先使用用户缓存目录，无法获取时退回工作目录下的 cache。
func defaultCacheDir() string {
	if base, err := os.UserCacheDir(); err == nil && base != "" {
		return filepath.Join(base, "pollcache")
	}
	return "cache"
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
