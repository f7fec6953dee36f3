package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pollcache/internal/cache"
	"github.com/any-hub/pollcache/internal/fetch"
	"github.com/any-hub/pollcache/internal/logging"
	"github.com/any-hub/pollcache/internal/metrics"
)

// State 描述单次调用结束时缓存与上游的关系。
type State int

const (
	NotCached State = iota
	CachedValid
	CachedStale
	Fresh200
	ConditionalUnsupported
)

func (s State) String() string {
	switch s {
	case NotCached:
		return "not_cached"
	case CachedValid:
		return "cached_valid"
	case CachedStale:
		return "cached_stale"
	case Fresh200:
		return "fresh"
	case ConditionalUnsupported:
		return "conditional_unsupported"
	default:
		return "unknown"
	}
}

// Result 是成功调用的返回值。GET 填充 Body，HEAD 填充 Header。
type Result struct {
	State      State
	Key        cache.Key
	StatusCode int
	Body       []byte
	Header     []byte
	Outcome    *fetch.Outcome
	// Written 报告本次调用是否提交了新的缓存条目。
	Written bool
}

// Options 汇总引擎依赖。Store/Fetcher/Logger/TempDir 必填。
type Options struct {
	Store   cache.Store
	Fetcher fetch.Fetcher
	Logger  *logrus.Logger
	Metrics *metrics.Collector
	TempDir string
	Now     func() time.Time
}

// Engine 编排 Store 与 Fetcher，实现条件请求缓存的全部操作。
// 引擎本身无可变状态，同一实例可用于不同 Key 的独立调用。
type Engine struct {
	store   cache.Store
	fetcher fetch.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Collector
	tempDir string
	now     func() time.Time
}

// New 校验依赖并构造引擎，缺失依赖返回使用错误。
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, usageError("cache store is required")
	}
	if opts.Fetcher == nil {
		return nil, usageError("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, usageError("logger is required")
	}
	if opts.TempDir == "" {
		return nil, usageError("temp dir is required")
	}
	if info, err := os.Stat(opts.TempDir); err != nil || !info.IsDir() {
		return nil, usageError("temp dir %s is not a directory", opts.TempDir)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   opts.Store,
		fetcher: opts.Fetcher,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tempDir: opts.TempDir,
		now:     now,
	}, nil
}

// Store 返回引擎使用的缓存存储。
func (e *Engine) Store() cache.Store {
	return e.store
}

// invocation 保存单次调用的上下文，仅在一次操作内使用。
type invocation struct {
	id     string
	url    string
	key    cache.Key
	opts   RequestOptions
	writer cache.Writer
	log    *logrus.Entry
}

func (e *Engine) begin(action, rawURL string, opts RequestOptions) *invocation {
	key := cache.StorageKey(rawURL, opts.Compressed)
	id := uuid.NewString()
	return &invocation{
		id:     id,
		url:    rawURL,
		key:    key,
		opts:   opts,
		writer: cache.NewWriter(e.store, !opts.NoCache),
		log:    e.logger.WithFields(logging.RequestFields(action, rawURL, key.String(), opts.Mode.String(), id)),
	}
}

// Get 发送普通 GET（http_get）。200 时写入缓存（NoCache 除外）并返回正文，
// 其它状态码均为协议错误。
func (e *Engine) Get(ctx context.Context, rawURL string, opts RequestOptions) (*Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := opts.validateGet(); err != nil {
		return nil, err
	}
	opts.Mode = Unconditional
	inv := e.begin("http_get", rawURL, opts)

	outcome, err := e.issue(ctx, inv, fetch.Request{Method: http.MethodGet, URL: rawURL, Compressed: opts.Compressed})
	if err != nil {
		return nil, err
	}
	if outcome.StatusCode != http.StatusOK {
		return nil, e.unexpectedStatus(inv, outcome)
	}

	e.recordTimestamp(inv, Fresh200, outcome.StatusCode)
	written, err := e.store200(inv, outcome)
	if err != nil {
		return nil, err
	}
	e.finish(inv, Fresh200, outcome)
	return &Result{
		State:      Fresh200,
		Key:        inv.key,
		StatusCode: outcome.StatusCode,
		Body:       outcome.Body,
		Outcome:    outcome,
		Written:    written,
	}, nil
}

// ConditionalGet 实现 http_conditional_get 的决策表。
func (e *Engine) ConditionalGet(ctx context.Context, rawURL string, opts RequestOptions) (*Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := opts.validateConditionalGet(); err != nil {
		return nil, err
	}
	inv := e.begin("http_conditional_get", rawURL, opts)

	entry, validators, err := e.lookup(inv)
	if err != nil {
		return nil, err
	}
	if entry == nil && opts.Mode == CheckCache {
		return nil, e.quietFail(inv, ReasonNotCached)
	}

	req := fetch.Request{Method: http.MethodGet, URL: rawURL, Compressed: opts.Compressed, Validators: validators}
	outcome, err := e.issue(ctx, inv, req)
	if err != nil {
		return nil, err
	}

	switch outcome.StatusCode {
	case http.StatusNotModified:
		if entry == nil {
			return nil, e.protocolError(inv, outcome, "origin answered 304 to an unconditional request")
		}
		e.recordTimestamp(inv, CachedValid, outcome.StatusCode)
		if opts.Mode == ForceRefresh {
			return nil, e.quietFail(inv, ReasonNotFresh)
		}
		e.finish(inv, CachedValid, outcome)
		return &Result{
			State:      CachedValid,
			Key:        inv.key,
			StatusCode: outcome.StatusCode,
			Body:       entry.Body,
			Outcome:    outcome,
		}, nil

	case http.StatusOK:
		state := Fresh200
		if entry != nil {
			state = CachedStale
		}
		if req.Conditional() && outcome.ETag() == "" {
			state = ConditionalUnsupported
			inv.log.WithField("status", outcome.StatusCode).Warn("conditional_request_unsupported")
		}
		e.recordTimestamp(inv, state, outcome.StatusCode)
		if opts.Mode == CheckCache {
			return nil, e.quietFail(inv, ReasonNotUpToDate)
		}
		written, err := e.store200(inv, outcome)
		if err != nil {
			return nil, err
		}
		e.finish(inv, state, outcome)
		return &Result{
			State:      state,
			Key:        inv.key,
			StatusCode: outcome.StatusCode,
			Body:       outcome.Body,
			Outcome:    outcome,
			Written:    written,
		}, nil

	default:
		return nil, e.unexpectedStatus(inv, outcome)
	}
}

// ConditionalHead 发送携带校验器的 HEAD，200/304 返回原始响应头，从不写缓存。
func (e *Engine) ConditionalHead(ctx context.Context, rawURL string, opts RequestOptions) (*Result, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := opts.validateHead(); err != nil {
		return nil, err
	}
	opts.NoCache = true
	inv := e.begin("http_conditional_head", rawURL, opts)

	entry, validators, err := e.lookup(inv)
	if err != nil {
		return nil, err
	}

	outcome, err := e.issue(ctx, inv, fetch.Request{Method: http.MethodHead, URL: rawURL, Compressed: opts.Compressed, Validators: validators})
	if err != nil {
		return nil, err
	}

	var state State
	switch {
	case outcome.StatusCode == http.StatusNotModified && entry != nil:
		state = CachedValid
	case outcome.StatusCode == http.StatusOK && entry != nil:
		state = CachedStale
	case outcome.StatusCode == http.StatusOK:
		state = NotCached
	default:
		return nil, e.unexpectedStatus(inv, outcome)
	}

	header := outcome.RawHeader
	if opts.Verbose {
		header = transcript(outcome)
	}
	e.finish(inv, state, outcome)
	return &Result{
		State:      state,
		Key:        inv.key,
		StatusCode: outcome.StatusCode,
		Header:     header,
		Outcome:    outcome,
	}, nil
}

// Inspect 返回 (url, compressed) 对应的正文缓存路径及其当前是否存在，不做网络 I/O。
func (e *Engine) Inspect(rawURL string, compressed bool) (string, bool) {
	key := cache.StorageKey(rawURL, compressed)
	return e.store.Path(key, cache.KindResponseBody), e.store.Exists(key, cache.KindResponseBody)
}

// lookup 读取缓存条目并提取校验器。头块损坏或正文长度与存储的 Content-Length
// 不符时视为未缓存，避免基于半更新的条目发送条件请求。
func (e *Engine) lookup(inv *invocation) (*cache.Entry, fetch.Validators, error) {
	entry, err := e.store.LoadEntry(inv.key)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return nil, fetch.Validators{}, nil
	case err != nil:
		inv.log.WithError(err).Error("cache_read_failed")
		return nil, fetch.Validators{}, &Error{Kind: KindCacheIO, Reason: "read cache entry", Err: err}
	}

	_, header, err := fetch.ParseHeaderBlock(entry.ResponseHeaders)
	if err != nil {
		inv.log.WithError(err).Warn("cache_entry_invalid")
		return nil, fetch.Validators{}, nil
	}
	if !inv.opts.Compressed {
		if declared, ok := declaredLength(header); ok && declared != int64(len(entry.Body)) {
			inv.log.WithFields(logrus.Fields{
				"declared": declared,
				"actual":   len(entry.Body),
			}).Warn("cache_entry_invalid")
			return nil, fetch.Validators{}, nil
		}
	}
	return entry, fetch.ValidatorsFrom(header), nil
}

func (e *Engine) issue(ctx context.Context, inv *invocation, req fetch.Request) (*fetch.Outcome, error) {
	fields := logrus.Fields{"method": req.Method, "conditional": req.Conditional()}
	inv.log.WithFields(fields).Debug("fetch_start")

	outcome, err := e.fetcher.Issue(ctx, req)
	if err != nil {
		code := fetch.ExitCode(err)
		e.metrics.RecordTransportError(code)
		inv.log.WithError(err).WithField("exit_code", code).Error("fetch_failed")
		return nil, &Error{Kind: KindTransport, Reason: fmt.Sprintf("%s %s", req.Method, req.URL), Err: err}
	}
	return outcome, nil
}

// store200 把 200 响应先落到本次调用独占的临时目录，以磁盘上的实际字节数完成
// Content-Length 校验后再提交。临时目录在所有路径上删除。
func (e *Engine) store200(inv *invocation, outcome *fetch.Outcome) (bool, error) {
	if !inv.writer.Enabled() {
		if err := e.verifyLength(inv, outcome, int64(len(outcome.Body))); err != nil {
			return false, err
		}
		e.metrics.RecordCacheWrite("skipped")
		inv.log.Debug("cache_write_skipped")
		return false, nil
	}

	scratch, err := os.MkdirTemp(e.tempDir, "pollcache-*")
	if err != nil {
		return false, e.cacheWriteFailed(inv, "create scratch dir", err)
	}
	defer os.RemoveAll(scratch)

	bodyPath := filepath.Join(scratch, "body")
	if err := os.WriteFile(filepath.Join(scratch, "headers"), outcome.RawHeader, 0o600); err != nil {
		return false, e.cacheWriteFailed(inv, "capture headers", err)
	}
	if err := os.WriteFile(bodyPath, outcome.Body, 0o600); err != nil {
		return false, e.cacheWriteFailed(inv, "capture body", err)
	}
	info, err := os.Stat(bodyPath)
	if err != nil {
		return false, e.cacheWriteFailed(inv, "stat body", err)
	}

	if err := e.verifyLength(inv, outcome, info.Size()); err != nil {
		return false, err
	}

	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return false, e.cacheWriteFailed(inv, "read captured body", err)
	}
	entry := cache.Entry{
		RequestHeaders:  outcome.RequestHeader,
		ResponseHeaders: outcome.RawHeader,
		Body:            body,
	}
	if err := inv.writer.Commit(inv.key, entry); err != nil {
		return false, e.cacheWriteFailed(inv, "commit entry", err)
	}
	e.metrics.RecordCacheWrite("ok")
	inv.log.WithField("size", len(body)).Debug("cache_write_complete")
	return true, nil
}

// verifyLength 在非压缩模式下比较声明的 Content-Length 与实际字节数。
// 不写缓存时同样校验，截断的正文不能作为成功结果返回。
func (e *Engine) verifyLength(inv *invocation, outcome *fetch.Outcome, size int64) error {
	if inv.opts.Compressed {
		return nil
	}
	declared, ok := outcome.DeclaredLength()
	switch {
	case !ok:
		if inv.writer.Enabled() {
			inv.log.WithField("size", size).Warn("cache_write_unverified")
		}
		return nil
	case declared == size:
		return nil
	}
	if inv.writer.Enabled() {
		e.metrics.RecordCacheWrite("failed")
	}
	inv.log.WithFields(logrus.Fields{
		"declared": declared,
		"actual":   size,
	}).Error("content_length_mismatch")
	return &Error{
		Kind:    KindIntegrity,
		Reason:  fmt.Sprintf("downloaded %d bytes, Content-Length %d", size, declared),
		Outcome: outcome,
	}
}

// recordTimestamp 追加 timestamp_log；日志写入失败只告警，不影响调用结果。
func (e *Engine) recordTimestamp(inv *invocation, state State, status int) {
	line := cache.JoinFields(cache.FormatTimestamp(e.now()), state.String(), strconv.Itoa(status))
	if err := inv.writer.Append(inv.key, cache.KindTimestampLog, line); err != nil {
		inv.log.WithError(err).Warn("timestamp_log_failed")
	}
}

func (e *Engine) finish(inv *invocation, state State, outcome *fetch.Outcome) {
	e.metrics.RecordFetch(outcome.Method, state.String(), outcome.Timing.Total, outcome.SizeDownload)
	inv.log.WithFields(logrus.Fields{
		"state":      state.String(),
		"status":     outcome.StatusCode,
		"size":       outcome.SizeDownload,
		"elapsed_ms": outcome.Timing.Total.Milliseconds(),
	}).Info("fetch_complete")
}

func (e *Engine) quietFail(inv *invocation, reason string) error {
	e.metrics.RecordQuiet(strings.ReplaceAll(reason, " ", "_"))
	inv.log.WithField("reason", reason).Warn("quiet_failure")
	return quiet(reason)
}

func (e *Engine) unexpectedStatus(inv *invocation, outcome *fetch.Outcome) error {
	return e.protocolError(inv, outcome, fmt.Sprintf("unexpected HTTP status %d", outcome.StatusCode))
}

func (e *Engine) protocolError(inv *invocation, outcome *fetch.Outcome, reason string) error {
	e.metrics.RecordFetch(outcome.Method, "protocol_error", outcome.Timing.Total, outcome.SizeDownload)
	inv.log.WithField("status", outcome.StatusCode).Error(reason)
	return &Error{Kind: KindProtocol, Reason: reason, Outcome: outcome}
}

func (e *Engine) cacheWriteFailed(inv *invocation, step string, err error) error {
	e.metrics.RecordCacheWrite("failed")
	inv.log.WithError(err).WithField("step", step).Error("cache_write_failed")
	return &Error{Kind: KindCacheIO, Reason: step, Err: err}
}

func declaredLength(header http.Header) (int64, bool) {
	raw := strings.TrimSpace(header.Get("Content-Length"))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// transcript 以 curl -v 的风格拼接请求与响应头。
func transcript(outcome *fetch.Outcome) []byte {
	var buf bytes.Buffer
	writePrefixed(&buf, "> ", outcome.RequestHeader)
	writePrefixed(&buf, "< ", outcome.RawHeader)
	return buf.Bytes()
}

func writePrefixed(buf *bytes.Buffer, prefix string, block []byte) {
	for _, line := range strings.Split(strings.TrimRight(string(block), "\r\n"), "\r\n") {
		buf.WriteString(prefix)
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	buf.WriteString(strings.TrimSpace(prefix))
	buf.WriteString("\r\n")
}
