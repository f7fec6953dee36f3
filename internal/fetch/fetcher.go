package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Validators 是上一次 200 响应留下的条件请求依据。
type Validators struct {
	ETag         string
	LastModified string
}

// Empty 报告是否没有任何可用校验器。
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Request 描述一次上游请求。Method 仅支持 GET 与 HEAD。
type Request struct {
	Method     string
	URL        string
	Compressed bool
	Validators Validators
}

// Conditional 报告该请求是否会携带条件头。
func (r Request) Conditional() bool {
	return !r.Validators.Empty()
}

// Timing 与 curl -w 的同名字段一致，均为自请求开始的累计耗时。
type Timing struct {
	NameLookup    time.Duration
	Connect       time.Duration
	AppConnect    time.Duration
	PreTransfer   time.Duration
	StartTransfer time.Duration
	Total         time.Duration
}

// Outcome 是一次网络尝试的瞬时结果，不做持久化。
type Outcome struct {
	Method        string
	URL           string
	StatusCode    int
	Header        http.Header
	RawHeader     []byte
	RequestHeader []byte
	Body          []byte
	Timing        Timing
	SizeDownload  int64
	SpeedDownload float64
	ExitCode      int
}

// DeclaredLength 返回响应头中声明的 Content-Length。
func (o *Outcome) DeclaredLength() (int64, bool) {
	if o == nil || o.Header == nil {
		return 0, false
	}
	raw := strings.TrimSpace(o.Header.Get("Content-Length"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ETag 返回响应中的 ETag 原值。
func (o *Outcome) ETag() string {
	if o == nil || o.Header == nil {
		return ""
	}
	return o.Header.Get("Etag")
}

// Fetcher 是引擎依赖的网络接口，测试中可替换为假实现。
type Fetcher interface {
	Issue(ctx context.Context, req Request) (*Outcome, error)
}

// HTTPFetcher 基于 net/http 实现 Fetcher。
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	now       func() time.Time
}

// NewHTTPFetcher 使用给定 client 与固定 User-Agent 构造 Fetcher。
func NewHTTPFetcher(client *http.Client, userAgent string) *HTTPFetcher {
	if client == nil {
		client = NewClient(ClientOptions{})
	}
	return &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		now:       time.Now,
	}
}

// Issue 发送请求并捕获响应头、正文（仅 GET）与耗时。
func (f *HTTPFetcher) Issue(ctx context.Context, r Request) (*Outcome, error) {
	method := strings.ToUpper(r.Method)
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fmt.Errorf("unsupported method %q", r.Method)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	clock := &traceClock{now: f.now, started: f.now()}
	trace := &httptrace.ClientTrace{
		DNSDone:              func(httptrace.DNSDoneInfo) { clock.mark(func(t *Timing, d time.Duration) { t.NameLookup = d }) },
		ConnectDone:          func(string, string, error) { clock.mark(func(t *Timing, d time.Duration) { t.Connect = d }) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { clock.mark(func(t *Timing, d time.Duration) { t.AppConnect = d }) },
		GotConn:              func(httptrace.GotConnInfo) { clock.mark(func(t *Timing, d time.Duration) { t.PreTransfer = d }) },
		GotFirstResponseByte: func() { clock.mark(func(t *Timing, d time.Duration) { t.StartTransfer = d }) },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), method, r.URL, http.NoBody)
	if err != nil {
		return nil, &TransportError{Code: CodeMalformedURL, Op: "build request", Err: err}
	}
	applyHeaders(req, r, f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newTransportError(method+" "+r.URL, err)
	}
	defer resp.Body.Close()

	outcome := &Outcome{
		Method:        method,
		URL:           resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
		Header:        resp.Header.Clone(),
		RawHeader:     responseHeaderBlock(resp),
		RequestHeader: requestHeaderBlock(resp.Request),
	}

	var raw []byte
	if method == http.MethodGet {
		raw, err = io.ReadAll(resp.Body)
		switch {
		case err == nil:
		case errors.Is(err, io.ErrUnexpectedEOF) && resp.ContentLength >= 0 && !r.Compressed:
			// 连接在声明长度之前关闭：保留已收到的字节交给调用方做完整性判断。
			outcome.ExitCode = CodePartialFile
		default:
			return nil, newTransportError("read body", err)
		}
	}
	outcome.SizeDownload = int64(len(raw))

	outcome.Body = raw
	if r.Compressed && len(raw) > 0 {
		decoded, err := decodeBody(resp.Header.Get("Content-Encoding"), raw)
		if err != nil {
			return nil, &TransportError{Code: CodeBadContentEncoding, Op: "decode body", Err: err}
		}
		outcome.Body = decoded
	}

	timing := clock.finish()
	if timing.StartTransfer == 0 {
		timing.StartTransfer = timing.Total
	}
	outcome.Timing = timing
	if secs := timing.Total.Seconds(); secs > 0 {
		outcome.SpeedDownload = float64(outcome.SizeDownload) / secs
	}
	return outcome, nil
}

// traceClock 汇总 httptrace 回调记录的时间点。回调可能来自拨号 goroutine，统一加锁。
type traceClock struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	timing  Timing
}

func (c *traceClock) mark(set func(*Timing, time.Duration)) {
	elapsed := c.now().Sub(c.started)
	c.mu.Lock()
	set(&c.timing, elapsed)
	c.mu.Unlock()
}

// finish 记录总耗时并返回快照。
func (c *traceClock) finish() Timing {
	c.mark(func(t *Timing, d time.Duration) { t.Total = d })
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timing
}

// applyHeaders 设置固定 User-Agent、可选 Accept-Encoding 与条件头。
// ETag 优先：同时持有两种校验器时只发送 If-None-Match。
func applyHeaders(req *http.Request, r Request, userAgent string) {
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "*/*")
	if r.Compressed {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	switch {
	case r.Validators.ETag != "":
		req.Header.Set("If-None-Match", r.Validators.ETag)
	case r.Validators.LastModified != "":
		req.Header.Set("If-Modified-Since", r.Validators.LastModified)
	}
}

func responseHeaderBlock(resp *http.Response) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\r\n", resp.Proto, resp.Status)
	_ = resp.Header.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func requestHeaderBlock(req *http.Request) []byte {
	if req == nil {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", req.Method, req.URL.RequestURI())
	fmt.Fprintf(&buf, "Host: %s\r\n", req.URL.Host)
	_ = req.Header.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
