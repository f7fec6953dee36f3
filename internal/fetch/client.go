package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ClientOptions 控制共享 http.Client 的超时与重定向策略。
type ClientOptions struct {
	ConnectTimeout time.Duration
	MaxTime        time.Duration
	MaxRedirects   int
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultMaxTime        = 60 * time.Second
)

// errTooManyRedirects 被 classifyError 映射为 curl 的 47。
var errTooManyRedirects = errors.New("too many redirects")

// NewClient 返回单次调用使用的 http.Client。连接与整体超时总是有界，
// 并关闭透明解压，Accept-Encoding 只在压缩模式由 Fetcher 显式设置。
func NewClient(opts ClientOptions) *http.Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	maxTime := opts.MaxTime
	if maxTime <= 0 {
		maxTime = defaultMaxTime
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxRedirects := opts.MaxRedirects
	return &http.Client{
		Timeout:   maxTime,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", errTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
}
