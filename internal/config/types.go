package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// Config 描述一次调用所需的全部运行参数。所有组件在构造时接收这一份结构，
// 校验只在 Load/Validate 中进行一次。
type Config struct {
	CacheDir       string   `mapstructure:"CacheDir"`
	TempDir        string   `mapstructure:"TempDir"`
	LogLevel       string   `mapstructure:"LogLevel"`
	LogFilePath    string   `mapstructure:"LogFilePath"`
	LogMaxSize     int      `mapstructure:"LogMaxSize"`
	LogMaxBackups  int      `mapstructure:"LogMaxBackups"`
	LogCompress    bool     `mapstructure:"LogCompress"`
	ConnectTimeout Duration `mapstructure:"ConnectTimeout"`
	MaxTime        Duration `mapstructure:"MaxTime"`
	MaxRedirects   int      `mapstructure:"MaxRedirects"`
	TailLines      int      `mapstructure:"TailLines"`
	MetricsFile    string   `mapstructure:"MetricsFile"`
	ListenAddr     string   `mapstructure:"ListenAddr"`
}
