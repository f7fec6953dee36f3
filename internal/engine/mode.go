package engine

import (
	"net/url"
	"strings"
)

// Mode 是条件 GET 的请求模式。零值为 Conditional。
type Mode int

const (
	// Conditional 有缓存时携带校验器，304 返回缓存正文，200 更新缓存。
	Conditional Mode = iota
	// Unconditional 始终发送普通 GET。
	Unconditional
	// ForceRefresh 要求拿到新内容：304 视为静默失败。
	ForceRefresh
	// CheckCache 只确认缓存仍然有效：未缓存或 200 都是静默失败，且不写缓存。
	CheckCache
)

func (m Mode) String() string {
	switch m {
	case Conditional:
		return "conditional"
	case Unconditional:
		return "unconditional"
	case ForceRefresh:
		return "force_refresh"
	case CheckCache:
		return "check_cache"
	default:
		return "unknown"
	}
}

// ParseMode 将互斥的 CLI 开关转换为 Mode；同时给出多个开关时返回使用错误。
func ParseMode(conditional, forceRefresh, checkCache bool) (Mode, error) {
	count := 0
	mode := Conditional
	if conditional {
		count++
	}
	if forceRefresh {
		count++
		mode = ForceRefresh
	}
	if checkCache {
		count++
		mode = CheckCache
	}
	if count > 1 {
		return Conditional, usageError("options -c, -F and -C are mutually exclusive")
	}
	return mode, nil
}

// RequestOptions 控制单次调用的行为。
type RequestOptions struct {
	Mode       Mode
	Compressed bool
	// NoCache 抑制所有缓存写入，仍返回获取到的正文。
	NoCache bool
	// Verbose 仅对 HEAD 生效，返回请求与响应的完整头部记录。
	Verbose bool
}

// ValidateURL 校验目标地址：仅接受带主机名的 http/https URL。
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return usageError("url required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return usageError("invalid url %q: %v", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return usageError("only http/https urls are supported: %s", raw)
	}
	if parsed.Host == "" {
		return usageError("url has no host: %s", raw)
	}
	return nil
}

func (o RequestOptions) validateGet() error {
	if o.Mode != Conditional && o.Mode != Unconditional {
		return usageError("mode %s is not valid for a plain GET", o.Mode)
	}
	if o.Verbose {
		return usageError("verbose output is only available for HEAD")
	}
	return nil
}

func (o RequestOptions) validateConditionalGet() error {
	if o.Mode == Unconditional {
		return usageError("mode %s is not valid for a conditional GET", o.Mode)
	}
	if o.Verbose {
		return usageError("verbose output is only available for HEAD")
	}
	if o.Mode == CheckCache && o.NoCache {
		return usageError("check-cache never writes; do-not-cache is redundant")
	}
	return nil
}

func (o RequestOptions) validateHead() error {
	if o.Mode != Conditional {
		return usageError("mode %s is not valid for HEAD", o.Mode)
	}
	return nil
}
