package routes

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/pollcache/internal/cache"
	"github.com/any-hub/pollcache/internal/engine"
	"github.com/any-hub/pollcache/internal/fetch"
	"github.com/any-hub/pollcache/internal/server"
	"github.com/any-hub/pollcache/internal/stats"
)

// RegisterCacheRoutes 暴露 /-/cache 诊断接口：返回某个 URL 的缓存路径、
// 是否存在以及已存储的校验器，不触发任何网络请求。
func RegisterCacheRoutes(app *fiber.App, eng *engine.Engine) {
	if app == nil || eng == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		rawURL, compressed, err := resourceQuery(c)
		if err != nil {
			return server.RenderError(c, fiber.StatusBadRequest, "invalid_url", err.Error())
		}

		path, exists := eng.Inspect(rawURL, compressed)
		key := cache.StorageKey(rawURL, compressed)
		payload := cachePayload{
			URL:        rawURL,
			Key:        key.String(),
			Compressed: compressed,
			Path:       path,
			Exists:     exists,
		}
		if exists {
			payload.Validators = storedValidators(eng.Store(), key)
		}
		return c.JSON(payload)
	})
}

// RegisterStatsRoutes 暴露 /-/stats/:kind，渲染 response/compression 日志尾部。
func RegisterStatsRoutes(app *fiber.App, recorder *stats.Recorder, defaultLines int) {
	if app == nil || recorder == nil {
		return
	}

	app.Get("/-/stats/:kind", func(c fiber.Ctx) error {
		kind, ok := logKind(c.Params("kind"))
		if !ok {
			return server.RenderError(c, fiber.StatusNotFound, "unknown_log_kind", c.Params("kind"))
		}
		rawURL, compressed, err := resourceQuery(c)
		if err != nil {
			return server.RenderError(c, fiber.StatusBadRequest, "invalid_url", err.Error())
		}
		if kind == cache.KindCompressionLog {
			compressed = false
		}

		lines := defaultLines
		if raw := strings.TrimSpace(c.Query("n")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				return server.RenderError(c, fiber.StatusBadRequest, "invalid_line_count", raw)
			}
			lines = n
		}

		format := stats.NormalizeFormat(c.Query("format"))
		data, err := recorder.RenderTail(cache.StorageKey(rawURL, compressed), stats.TailOptions{
			Kind:   kind,
			Lines:  lines,
			Format: format,
		})
		if err != nil {
			if errors.Is(err, stats.ErrInvalidRecord) {
				return server.RenderError(c, fiber.StatusUnprocessableEntity, "corrupt_log", err.Error())
			}
			return server.RenderError(c, fiber.StatusBadRequest, "render_failed", err.Error())
		}

		if format == stats.FormatYAML {
			c.Set(fiber.HeaderContentType, "application/yaml")
		} else {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		}
		return c.Send(data)
	})
}

type cachePayload struct {
	URL        string            `json:"url"`
	Key        string            `json:"key"`
	Compressed bool              `json:"compressed"`
	Path       string            `json:"path"`
	Exists     bool              `json:"exists"`
	Validators *validatorPayload `json:"validators,omitempty"`
}

type validatorPayload struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

func resourceQuery(c fiber.Ctx) (string, bool, error) {
	rawURL := strings.TrimSpace(c.Query("url"))
	if err := engine.ValidateURL(rawURL); err != nil {
		return "", false, err
	}
	compressed, _ := strconv.ParseBool(c.Query("compressed"))
	return rawURL, compressed, nil
}

func logKind(raw string) (cache.Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "response", string(cache.KindResponseLog):
		return cache.KindResponseLog, true
	case "compression", string(cache.KindCompressionLog):
		return cache.KindCompressionLog, true
	default:
		return "", false
	}
}

func storedValidators(store cache.Store, key cache.Key) *validatorPayload {
	raw, err := store.Read(key, cache.KindResponseHeaders)
	if err != nil {
		return nil
	}
	_, header, err := fetch.ParseHeaderBlock(raw)
	if err != nil {
		return nil
	}
	v := fetch.ValidatorsFrom(header)
	if v.Empty() {
		return nil
	}
	return &validatorPayload{ETag: v.ETag, LastModified: v.LastModified}
}
