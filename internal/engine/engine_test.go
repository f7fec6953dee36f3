package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/pollcache/internal/cache"
	"github.com/any-hub/pollcache/internal/fetch"
	"github.com/any-hub/pollcache/internal/logging"
)

func TestEndToEndScenario(t *testing.T) {
	origin := newOrigin(`"abc"`, "B1")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/r.xml"
	ctx := context.Background()

	first, err := eng.Get(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(first.Body) != "B1" || !first.Written {
		t.Fatalf("unexpected first result: body=%q written=%v", first.Body, first.Written)
	}
	assertCached(t, store, url, false, `"abc"`, "B1")

	second, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("conditional get failed: %v", err)
	}
	if second.State != CachedValid || second.StatusCode != http.StatusNotModified {
		t.Fatalf("expected cached_valid/304, got %s/%d", second.State, second.StatusCode)
	}
	if string(second.Body) != "B1" || second.Written {
		t.Fatalf("unexpected second result: body=%q written=%v", second.Body, second.Written)
	}

	origin.set(`"def"`, "B2")
	third, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("conditional get after change failed: %v", err)
	}
	if third.State != CachedStale || string(third.Body) != "B2" || !third.Written {
		t.Fatalf("unexpected third result: state=%s body=%q written=%v", third.State, third.Body, third.Written)
	}
	assertCached(t, store, url, false, `"def"`, "B2")

	if got := origin.lastHeader("If-None-Match"); got != `"abc"` {
		t.Fatalf("expected If-None-Match \"abc\" on third request, got %q", got)
	}
}

func TestConditionalGetNotModifiedIsIdempotent(t *testing.T) {
	origin := newOrigin(`"v1"`, "stable body")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/feed"
	ctx := context.Background()

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get failed: %v", err)
	}
	key := cache.StorageKey(url, false)
	headersBefore, _ := store.Read(key, cache.KindResponseHeaders)
	bodyPath := store.Path(key, cache.KindResponseBody)
	infoBefore, err := os.Stat(bodyPath)
	if err != nil {
		t.Fatalf("stat body: %v", err)
	}

	for i := 0; i < 3; i++ {
		res, err := eng.ConditionalGet(ctx, url, RequestOptions{})
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if res.State != CachedValid || string(res.Body) != "stable body" {
			t.Fatalf("iteration %d: state=%s body=%q", i, res.State, res.Body)
		}
	}

	headersAfter, _ := store.Read(key, cache.KindResponseHeaders)
	if !bytes.Equal(headersBefore, headersAfter) {
		t.Fatalf("response headers changed on 304")
	}
	infoAfter, err := os.Stat(bodyPath)
	if err != nil {
		t.Fatalf("stat body: %v", err)
	}
	if !os.SameFile(infoBefore, infoAfter) || !infoBefore.ModTime().Equal(infoAfter.ModTime()) {
		t.Fatalf("response body rewritten on 304")
	}

	log, err := store.Read(key, cache.KindTimestampLog)
	if err != nil {
		t.Fatalf("read timestamp log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 timestamp lines, got %d: %q", len(lines), log)
	}
	if !strings.HasSuffix(lines[3], "\tcached_valid\t304") {
		t.Fatalf("unexpected timestamp line %q", lines[3])
	}
}

func TestQuietFailures(t *testing.T) {
	origin := newOrigin(`"q"`, "quiet body")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/quiet"
	ctx := context.Background()

	_, err := eng.ConditionalGet(ctx, url, RequestOptions{Mode: CheckCache})
	if ExitCode(err) != ExitQuiet || QuietReason(err) != ReasonNotCached {
		t.Fatalf("expected quiet not-cached, got %v", err)
	}
	if origin.hits() != 0 {
		t.Fatalf("check-cache on unseen url must not reach the origin")
	}

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get failed: %v", err)
	}

	res, err := eng.ConditionalGet(ctx, url, RequestOptions{Mode: CheckCache})
	if err != nil {
		t.Fatalf("check-cache after seed failed: %v", err)
	}
	if string(res.Body) != "quiet body" {
		t.Fatalf("expected cached body, got %q", res.Body)
	}

	_, err = eng.ConditionalGet(ctx, url, RequestOptions{Mode: ForceRefresh})
	if ExitCode(err) != ExitQuiet || QuietReason(err) != ReasonNotFresh {
		t.Fatalf("expected quiet not-fresh, got %v", err)
	}

	origin.set(`"q2"`, "changed body")
	_, err = eng.ConditionalGet(ctx, url, RequestOptions{Mode: CheckCache})
	if ExitCode(err) != ExitQuiet || QuietReason(err) != ReasonNotUpToDate {
		t.Fatalf("expected quiet not-up-to-date, got %v", err)
	}
	assertCached(t, store, url, false, `"q"`, "quiet body")

	res, err = eng.ConditionalGet(ctx, url, RequestOptions{Mode: ForceRefresh})
	if err != nil {
		t.Fatalf("force refresh with new content failed: %v", err)
	}
	if res.State != CachedStale || string(res.Body) != "changed body" {
		t.Fatalf("unexpected force refresh result: %s %q", res.State, res.Body)
	}
	assertCached(t, store, url, false, `"q2"`, "changed body")
}

func TestContentLengthMismatchKeepsPriorEntry(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	url := "http://example.org/r.xml"
	ctx := context.Background()

	fake.respond(outcome200(`"good"`, "good body", len("good body")))
	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get failed: %v", err)
	}

	fake.respond(outcome200(`"bad"`, "short", 999))
	_, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if KindOf(err) != KindIntegrity || ExitCode(err) != ExitIntegrity {
		t.Fatalf("expected integrity error, got %v", err)
	}
	assertCached(t, store, url, false, `"good"`, "good body")
}

func TestContentLengthIgnoredWhenCompressed(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	url := "http://example.org/z"

	// 压缩模式下 Content-Length 描述的是线上字节，不能与解码后的正文比较。
	fake.respond(outcome200(`"z"`, "decoded body", 4))
	if _, err := eng.Get(context.Background(), url, RequestOptions{Compressed: true}); err != nil {
		t.Fatalf("compressed get failed: %v", err)
	}
	assertCached(t, store, url, true, `"z"`, "decoded body")
}

func TestStoredLengthMismatchTreatedAsNotCached(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	url := "http://example.org/broken"
	key := cache.StorageKey(url, false)

	err := store.CommitEntry(key, cache.Entry{
		ResponseHeaders: []byte("HTTP/1.1 200 OK\r\nEtag: \"old\"\r\nContent-Length: 100\r\n\r\n"),
		Body:            []byte("truncated"),
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	_, err = eng.ConditionalGet(context.Background(), url, RequestOptions{Mode: CheckCache})
	if QuietReason(err) != ReasonNotCached {
		t.Fatalf("expected not cached for inconsistent entry, got %v", err)
	}
	if len(fake.requests) != 0 {
		t.Fatalf("no request expected, got %d", len(fake.requests))
	}
}

func TestTruncatedBodyIsIntegrityError(t *testing.T) {
	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if served.Add(1) == 1 {
			w.Header().Set("ETag", `"b1"`)
			w.Header().Set("Content-Length", "2")
			_, _ = w.Write([]byte("B1"))
			return
		}
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nEtag: \"b2\"\r\nContent-Length: 100\r\n\r\nB2short")
		_ = buf.Flush()
	}))
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/short"
	ctx := context.Background()

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get failed: %v", err)
	}

	_, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if KindOf(err) != KindIntegrity || ExitCode(err) != ExitIntegrity {
		t.Fatalf("expected integrity error for short body, got %v", err)
	}
	if outcome := OutcomeOf(err); outcome == nil || outcome.ExitCode != fetch.CodePartialFile {
		t.Fatalf("integrity error should carry the partial transfer, got %+v", outcome)
	}
	assertCached(t, store, url, false, `"b1"`, "B1")

	_, err = eng.Get(ctx, url, RequestOptions{NoCache: true})
	if KindOf(err) != KindIntegrity {
		t.Fatalf("no-cache get must not return a truncated body, got %v", err)
	}
}

func TestScratchDirRemovedOnEveryPath(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	ctx := context.Background()

	assertScratchEmpty := func(step string) {
		t.Helper()
		entries, err := os.ReadDir(eng.tempDir)
		if err != nil {
			t.Fatalf("read temp dir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("%s left %d scratch entries in %s", step, len(entries), eng.tempDir)
		}
	}

	fake.respond(outcome200(`"ok"`, "body", 4))
	if _, err := eng.Get(ctx, "http://example.org/ok", RequestOptions{}); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	assertScratchEmpty("successful commit")

	fake.respond(outcome200(`"bad"`, "short", 999))
	if _, err := eng.Get(ctx, "http://example.org/bad", RequestOptions{}); KindOf(err) != KindIntegrity {
		t.Fatalf("expected integrity error, got %v", err)
	}
	assertScratchEmpty("integrity failure")

	eng.store = &failingStore{Store: store}
	fake.respond(outcome200(`"c"`, "body", 4))
	if _, err := eng.Get(ctx, "http://example.org/c", RequestOptions{}); KindOf(err) != KindCacheIO {
		t.Fatalf("expected cache io error, got %v", err)
	}
	assertScratchEmpty("commit failure")
}

func TestInterruptedCommitHealsOnNextRequest(t *testing.T) {
	var (
		mu   sync.Mutex
		etag = `"v1"`
		body = "OLD"
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		currentETag, currentBody := etag, body
		mu.Unlock()
		w.Header().Set("ETag", currentETag)
		if r.Header.Get("If-None-Match") == currentETag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		// 分块传输，不带 Content-Length，条目只能依靠校验器判断新旧。
		_, _ = w.Write([]byte(currentBody))
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/crash"
	ctx := context.Background()

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get failed: %v", err)
	}

	mu.Lock()
	etag, body = `"v2"`, "NEW"
	mu.Unlock()

	// 模拟进程在正文 rename 之后、响应头 rename 之前退出。
	eng.store = &bodyOnlyStore{Store: store}
	if _, err := eng.ConditionalGet(ctx, url, RequestOptions{}); KindOf(err) != KindCacheIO {
		t.Fatalf("expected interrupted commit to fail, got %v", err)
	}
	eng.store = store

	res, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("conditional get after interrupted commit: %v", err)
	}
	if res.State == CachedValid || string(res.Body) != "NEW" {
		t.Fatalf("stale pair served after interrupted commit: state=%s body=%q", res.State, res.Body)
	}
	assertCached(t, store, url, false, `"v2"`, "NEW")
}

func TestCompressionIsolatesEntries(t *testing.T) {
	origin := newOrigin(`"iso"`, "isolated")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/iso"
	ctx := context.Background()

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("plain get: %v", err)
	}
	if _, err := eng.Get(ctx, url, RequestOptions{Compressed: true}); err != nil {
		t.Fatalf("compressed get: %v", err)
	}

	plain := cache.StorageKey(url, false)
	compressed := cache.StorageKey(url, true)
	if plain == compressed {
		t.Fatalf("keys must differ")
	}
	if err := os.Remove(store.Path(compressed, cache.KindResponseBody)); err != nil {
		t.Fatalf("remove compressed body: %v", err)
	}

	res, err := eng.ConditionalGet(ctx, url, RequestOptions{Mode: CheckCache})
	if err != nil {
		t.Fatalf("plain entry affected by compressed removal: %v", err)
	}
	if string(res.Body) != "isolated" {
		t.Fatalf("unexpected body %q", res.Body)
	}
	_, err = eng.ConditionalGet(ctx, url, RequestOptions{Mode: CheckCache, Compressed: true})
	if QuietReason(err) != ReasonNotCached {
		t.Fatalf("expected compressed entry to be gone, got %v", err)
	}
}

func TestValidatorPrecedence(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	url := "http://example.org/both"
	key := cache.StorageKey(url, false)

	err := store.CommitEntry(key, cache.Entry{
		ResponseHeaders: []byte("HTTP/1.1 200 OK\r\nEtag: \"e1\"\r\nLast-Modified: Mon, 02 Jan 2006 15:04:05 GMT\r\n\r\n"),
		Body:            []byte("body"),
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	fake.respond(&fetch.Outcome{Method: http.MethodGet, StatusCode: http.StatusNotModified, Header: http.Header{}})
	if _, err := eng.ConditionalGet(context.Background(), url, RequestOptions{}); err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	got := fake.last().Validators
	if got.ETag != `"e1"` {
		t.Fatalf("expected stored etag, got %+v", got)
	}

	// 真实请求头由 fetch 层决定，这里只确认引擎把两个校验器都交给了 fetcher。
	if got.LastModified == "" {
		t.Fatalf("expected last-modified to be passed through, got %+v", got)
	}
}

func TestConditionalUnsupported(t *testing.T) {
	fake := &fakeFetcher{}
	eng, _ := newTestEngine(t, fake)
	url := "http://example.org/noetag"
	ctx := context.Background()

	fake.respond(outcome200(`"first"`, "one", 3))
	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get: %v", err)
	}

	fake.respond(outcome200("", "two", 3))
	res, err := eng.ConditionalGet(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	if res.State != ConditionalUnsupported || string(res.Body) != "two" {
		t.Fatalf("unexpected result %s %q", res.State, res.Body)
	}
}

func TestNotModifiedWithoutEntryIsProtocolError(t *testing.T) {
	fake := &fakeFetcher{}
	eng, _ := newTestEngine(t, fake)

	fake.respond(&fetch.Outcome{Method: http.MethodGet, StatusCode: http.StatusNotModified, Header: http.Header{}})
	_, err := eng.ConditionalGet(context.Background(), "http://example.org/x", RequestOptions{})
	if KindOf(err) != KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestUnexpectedStatusIsProtocolError(t *testing.T) {
	origin := newOrigin(`"x"`, "x")
	origin.status = http.StatusNotFound
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/missing"
	_, err := eng.Get(context.Background(), url, RequestOptions{})
	if ExitCode(err) != ExitProtocol {
		t.Fatalf("expected protocol exit code, got %v", err)
	}
	if store.Exists(cache.StorageKey(url, false), cache.KindResponseBody) {
		t.Fatalf("404 must not be cached")
	}
}

func TestTransportFailure(t *testing.T) {
	fake := &fakeFetcher{err: &fetch.TransportError{Code: fetch.CodeConnectFailed, Op: "GET", Err: errors.New("refused")}}
	eng, _ := newTestEngine(t, fake)

	_, err := eng.Get(context.Background(), "http://example.org/down", RequestOptions{})
	if ExitCode(err) != ExitTransport {
		t.Fatalf("expected transport exit code, got %v", err)
	}
	if fetch.ExitCode(err) != fetch.CodeConnectFailed {
		t.Fatalf("expected wrapped curl code %d, got %d", fetch.CodeConnectFailed, fetch.ExitCode(err))
	}
}

func TestNoCacheSkipsWrites(t *testing.T) {
	origin := newOrigin(`"nc"`, "no cache")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/nc"

	res, err := eng.Get(context.Background(), url, RequestOptions{NoCache: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(res.Body) != "no cache" || res.Written {
		t.Fatalf("unexpected result body=%q written=%v", res.Body, res.Written)
	}
	key := cache.StorageKey(url, false)
	for _, kind := range cache.Kinds() {
		if store.Exists(key, kind) {
			t.Fatalf("no-cache get left %s under key %s", kind, key)
		}
	}
}

func TestCommitFailureIsCacheIOError(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	failing := &failingStore{Store: store}
	eng.store = failing

	fake.respond(outcome200(`"c"`, "body", 4))
	_, err := eng.Get(context.Background(), "http://example.org/c", RequestOptions{})
	if KindOf(err) != KindCacheIO || !errors.Is(err, cache.ErrCommitFailed) {
		t.Fatalf("expected cache io error wrapping commit failure, got %v", err)
	}
}

func TestConditionalHead(t *testing.T) {
	origin := newOrigin(`"h"`, "head body")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	eng, store := newTestEngine(t, nil)
	url := srv.URL + "/head"
	ctx := context.Background()

	res, err := eng.ConditionalHead(ctx, url, RequestOptions{})
	if err != nil {
		t.Fatalf("head on unseen url: %v", err)
	}
	if res.State != NotCached || !strings.HasPrefix(string(res.Header), "HTTP/1.1 200") {
		t.Fatalf("unexpected head result %s %q", res.State, res.Header)
	}

	if _, err := eng.Get(ctx, url, RequestOptions{}); err != nil {
		t.Fatalf("seed get: %v", err)
	}
	key := cache.StorageKey(url, false)
	before, _ := store.Read(key, cache.KindTimestampLog)

	res, err = eng.ConditionalHead(ctx, url, RequestOptions{Verbose: true})
	if err != nil {
		t.Fatalf("conditional head: %v", err)
	}
	if res.State != CachedValid || res.StatusCode != http.StatusNotModified {
		t.Fatalf("unexpected state %s/%d", res.State, res.StatusCode)
	}
	text := string(res.Header)
	if !strings.Contains(text, "> HEAD /head HTTP/1.1") || !strings.Contains(text, "> If-None-Match: \"h\"") {
		t.Fatalf("request transcript missing: %q", text)
	}
	if !strings.Contains(text, "< HTTP/1.1 304") {
		t.Fatalf("response transcript missing: %q", text)
	}
	after, _ := store.Read(key, cache.KindTimestampLog)
	if !bytes.Equal(before, after) {
		t.Fatalf("HEAD must not write any artifact")
	}
}

func TestInspect(t *testing.T) {
	fake := &fakeFetcher{}
	eng, store := newTestEngine(t, fake)
	url := "http://example.org/inspect"

	path, ok := eng.Inspect(url, false)
	if ok {
		t.Fatalf("expected missing entry")
	}
	if path != store.Path(cache.StorageKey(url, false), cache.KindResponseBody) {
		t.Fatalf("unexpected path %s", path)
	}

	fake.respond(outcome200(`"i"`, "inspect", 7))
	if _, err := eng.Get(context.Background(), url, RequestOptions{}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := eng.Inspect(url, false); !ok {
		t.Fatalf("expected entry after get")
	}
	if _, ok := eng.Inspect(url, true); ok {
		t.Fatalf("compressed entry must be independent")
	}
	if len(fake.requests) != 1 {
		t.Fatalf("inspect must not fetch, saw %d requests", len(fake.requests))
	}
}

func TestUsageErrors(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeFetcher{})
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"empty url", func() error { _, err := eng.Get(ctx, "", RequestOptions{}); return err }},
		{"ftp scheme", func() error { _, err := eng.Get(ctx, "ftp://example.org/x", RequestOptions{}); return err }},
		{"get with force refresh", func() error {
			_, err := eng.Get(ctx, "http://example.org/x", RequestOptions{Mode: ForceRefresh})
			return err
		}},
		{"verbose get", func() error {
			_, err := eng.ConditionalGet(ctx, "http://example.org/x", RequestOptions{Verbose: true})
			return err
		}},
		{"check cache with no cache", func() error {
			_, err := eng.ConditionalGet(ctx, "http://example.org/x", RequestOptions{Mode: CheckCache, NoCache: true})
			return err
		}},
		{"head with check cache", func() error {
			_, err := eng.ConditionalHead(ctx, "http://example.org/x", RequestOptions{Mode: CheckCache})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); ExitCode(err) != ExitUsage {
				t.Fatalf("expected usage error, got %v", err)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode(false, false, false); err != nil || mode != Conditional {
		t.Fatalf("default mode: %v %v", mode, err)
	}
	if mode, err := ParseMode(false, true, false); err != nil || mode != ForceRefresh {
		t.Fatalf("force refresh: %v %v", mode, err)
	}
	if mode, err := ParseMode(false, false, true); err != nil || mode != CheckCache {
		t.Fatalf("check cache: %v %v", mode, err)
	}
	if _, err := ParseMode(false, true, true); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error for -F -C, got %v", err)
	}
	if _, err := ParseMode(true, true, false); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error for -c -F, got %v", err)
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := map[error]int{
		nil:                                  ExitOK,
		quiet(ReasonNotCached):               ExitQuiet,
		usageError("bad"):                    ExitUsage,
		&Error{Kind: KindTransport}:          ExitTransport,
		&Error{Kind: KindProtocol}:           ExitProtocol,
		&Error{Kind: KindIntegrity}:          ExitIntegrity,
		&Error{Kind: KindCacheIO}:            ExitCacheIO,
		errors.New("unclassified operation"): ExitProtocol,
	}
	for err, want := range cases {
		if got := ExitCode(err); got != want {
			t.Fatalf("ExitCode(%v)=%d, want %d", err, got, want)
		}
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := New(Options{Store: store, Logger: logging.Discard(), TempDir: t.TempDir()}); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error without fetcher, got %v", err)
	}
	if _, err := New(Options{Store: store, Fetcher: &fakeFetcher{}, Logger: logging.Discard(), TempDir: "/does/not/exist"}); ExitCode(err) != ExitUsage {
		t.Fatalf("expected usage error for missing temp dir, got %v", err)
	}
}

func newTestEngine(t *testing.T, fetcher fetch.Fetcher) (*Engine, cache.Store) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if fetcher == nil {
		client := fetch.NewClient(fetch.ClientOptions{ConnectTimeout: time.Second, MaxTime: 5 * time.Second, MaxRedirects: 10})
		fetcher = fetch.NewHTTPFetcher(client, "pollcache-test")
	}
	eng, err := New(Options{
		Store:   store,
		Fetcher: fetcher,
		Logger:  logging.Discard(),
		TempDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return eng, store
}

func assertCached(t *testing.T, store cache.Store, url string, compressed bool, etag, body string) {
	t.Helper()
	entry, err := store.LoadEntry(cache.StorageKey(url, compressed))
	if err != nil {
		t.Fatalf("load entry: %v", err)
	}
	_, header, err := fetch.ParseHeaderBlock(entry.ResponseHeaders)
	if err != nil {
		t.Fatalf("parse stored headers: %v", err)
	}
	if got := header.Get("Etag"); got != etag {
		t.Fatalf("stored etag %q, want %q", got, etag)
	}
	if string(entry.Body) != body {
		t.Fatalf("stored body %q, want %q", entry.Body, body)
	}
}

// origin 是一个遵守 If-None-Match 的最小上游。
type origin struct {
	mu       sync.Mutex
	etag     string
	body     string
	status   int
	requests int
	header   http.Header
}

func newOrigin(etag, body string) *origin {
	return &origin{etag: etag, body: body, status: http.StatusOK}
}

func (o *origin) set(etag, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.etag = etag
	o.body = body
}

func (o *origin) hits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests
}

func (o *origin) lastHeader(name string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.header == nil {
		return ""
	}
	return o.header.Get(name)
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests++
	o.header = r.Header.Clone()
	etag, body, status := o.etag, o.body, o.status
	o.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "nope", status)
		return
	}
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(body))
	}
}

type fakeFetcher struct {
	mu       sync.Mutex
	next     *fetch.Outcome
	err      error
	requests []fetch.Request
}

func (f *fakeFetcher) respond(outcome *fetch.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = outcome
}

func (f *fakeFetcher) last() fetch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeFetcher) Issue(_ context.Context, req fetch.Request) (*fetch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.next
	out.URL = req.URL
	return &out, nil
}

func outcome200(etag, body string, contentLength int) *fetch.Outcome {
	header := http.Header{}
	if etag != "" {
		header.Set("Etag", etag)
	}
	header.Set("Content-Length", strconv.Itoa(contentLength))
	var raw bytes.Buffer
	raw.WriteString("HTTP/1.1 200 OK\r\n")
	_ = header.Write(&raw)
	raw.WriteString("\r\n")
	return &fetch.Outcome{
		Method:        http.MethodGet,
		StatusCode:    http.StatusOK,
		Header:        header,
		RawHeader:     raw.Bytes(),
		RequestHeader: []byte("GET / HTTP/1.1\r\nHost: example.org\r\n\r\n"),
		Body:          []byte(body),
		SizeDownload:  int64(len(body)),
	}
}

type failingStore struct {
	cache.Store
}

func (s *failingStore) CommitEntry(cache.Key, cache.Entry) error {
	return cache.ErrCommitFailed
}

// bodyOnlyStore 只落盘正文就返回失败，留下与中途退出相同的磁盘状态。
type bodyOnlyStore struct {
	cache.Store
}

func (s *bodyOnlyStore) CommitEntry(key cache.Key, entry cache.Entry) error {
	if err := s.Store.WriteAtomic(key, cache.KindResponseBody, entry.Body); err != nil {
		return err
	}
	return cache.ErrCommitFailed
}
