package engine

import (
	"errors"
	"fmt"

	"github.com/any-hub/pollcache/internal/fetch"
)

// Kind 区分错误的三个层级：静默失败、使用错误与运行期失败。
type Kind int

const (
	KindQuiet Kind = iota + 1
	KindUsage
	KindTransport
	KindProtocol
	KindIntegrity
	KindCacheIO
)

func (k Kind) String() string {
	switch k {
	case KindQuiet:
		return "quiet"
	case KindUsage:
		return "usage"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindIntegrity:
		return "integrity"
	case KindCacheIO:
		return "cache_io"
	default:
		return "unknown"
	}
}

// 进程退出码约定：0 成功，1 静默失败，2 使用错误，>=3 运行期失败。
const (
	ExitOK        = 0
	ExitQuiet     = 1
	ExitUsage     = 2
	ExitTransport = 3
	ExitProtocol  = 4
	ExitIntegrity = 5
	ExitCacheIO   = 6
)

// 静默失败的原因。
const (
	ReasonNotCached   = "not cached"
	ReasonNotFresh    = "fresh resource not available"
	ReasonNotUpToDate = "resource not up to date"
)

// Error 是引擎对外返回的唯一错误类型。
type Error struct {
	Kind   Kind
	Reason string
	Err    error
	// Outcome 在上游已经响应（协议或完整性失败）时保留本次响应，供统计记录使用。
	Outcome *fetch.Outcome
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func quiet(reason string) *Error {
	return &Error{Kind: KindQuiet, Reason: reason}
}

func usageError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUsage, Reason: fmt.Sprintf(format, args...)}
}

// KindOf 返回 err 的 Kind；非引擎错误视为 0。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// OutcomeOf 返回失败调用已经拿到的上游响应，传输失败或非引擎错误返回 nil。
func OutcomeOf(err error) *fetch.Outcome {
	var e *Error
	if errors.As(err, &e) {
		return e.Outcome
	}
	return nil
}

// IsQuiet 报告 err 是否为静默失败。
func IsQuiet(err error) bool {
	return KindOf(err) == KindQuiet
}

// QuietReason 返回静默失败的原因，其它错误返回空字符串。
func QuietReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindQuiet {
		return e.Reason
	}
	return ""
}

// ExitCode 将操作结果映射为进程退出码。未归类的错误按协议失败处理。
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindQuiet:
		return ExitQuiet
	case KindUsage:
		return ExitUsage
	case KindTransport:
		return ExitTransport
	case KindIntegrity:
		return ExitIntegrity
	case KindCacheIO:
		return ExitCacheIO
	default:
		return ExitProtocol
	}
}
