package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
)

// curl 兼容的传输层退出码，写入 response_log 的第二列。
const (
	CodeOK                 = 0
	CodeUnsupportedScheme  = 1
	CodeMalformedURL       = 3
	CodeResolveFailed      = 6
	CodeConnectFailed      = 7
	CodePartialFile        = 18
	CodeTimeout            = 28
	CodeTLSFailed          = 35
	CodeTooManyRedirects   = 47
	CodeReceiveFailed      = 56
	CodePeerVerification   = 60
	CodeBadContentEncoding = 61
)

// TransportError 表示请求未能得到完整的 HTTP 响应，与任何 HTTP 状态码区分开。
type TransportError struct {
	Code int
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %v", e.Op, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ExitCode 返回 err 对应的传输退出码，nil 返回 0，非 TransportError 返回 CodeReceiveFailed。
func ExitCode(err error) int {
	if err == nil {
		return CodeOK
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeReceiveFailed
}

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Code: classifyError(err), Op: op, Err: err}
}

// classifyError 将 Go 的网络错误映射到最接近的 curl 退出码。
func classifyError(err error) int {
	if err == nil {
		return CodeOK
	}

	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	var urlErr *url.Error
	var opErr *net.OpError
	var netErr net.Error

	switch {
	case errors.Is(err, errTooManyRedirects):
		return CodeTooManyRedirects
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &dnsErr):
		return CodeResolveFailed
	case errors.As(err, &certErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &invalidCert):
		return CodePeerVerification
	case errors.As(err, &recordErr):
		return CodeTLSFailed
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return CodeConnectFailed
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CodePartialFile
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unsupported protocol scheme"):
		return CodeUnsupportedScheme
	case strings.Contains(msg, "tls:"):
		return CodeTLSFailed
	}
	if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
		return classifyError(urlErr.Err)
	}
	return CodeReceiveFailed
}
