package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置进入网络或磁盘操作。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.CacheDir == "" {
		return newFieldError("CacheDir", "不能为空")
	}
	if c.TempDir == "" {
		return newFieldError("TempDir", "不能为空")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return newFieldError("LogLevel", fmt.Sprintf("无法识别的日志级别 %q", c.LogLevel))
	}
	if c.LogMaxSize < 0 {
		return newFieldError("LogMaxSize", "不能为负数")
	}
	if c.LogMaxBackups < 0 {
		return newFieldError("LogMaxBackups", "不能为负数")
	}
	if c.ConnectTimeout.DurationValue() <= 0 {
		return newFieldError("ConnectTimeout", "必须大于 0")
	}
	if c.MaxTime.DurationValue() <= 0 {
		return newFieldError("MaxTime", "必须大于 0")
	}
	if c.ConnectTimeout.DurationValue() > c.MaxTime.DurationValue() {
		return newFieldError("ConnectTimeout", "不能超过 MaxTime")
	}
	if c.MaxRedirects < 0 {
		return newFieldError("MaxRedirects", "不能为负数")
	}
	if c.TailLines < 0 {
		return newFieldError("TailLines", "不能为负数")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return newFieldError("ListenAddr", fmt.Sprintf("应为 host:port: %v", err))
	}
	return nil
}
