package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollcache"

// Collector 持有独立的 prometheus registry。nil Collector 的所有方法均为空操作，
// 引擎与监控工具无需判断是否启用指标。
type Collector struct {
	registry *prometheus.Registry

	fetchCounter    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	transportErrors *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	quietFailures   *prometheus.CounterVec
	downloadBytes   prometheus.Counter
}

// NewCollector 创建并注册全部指标。
func NewCollector() (*Collector, error) {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.fetchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Upstream requests by method and resulting cache state",
		},
		[]string{"method", "state"},
	)
	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Total transfer time of upstream requests",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"method"},
	)
	c.transportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport failures by curl-compatible exit code",
		},
		[]string{"code"},
	)
	c.cacheWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache entry commits by result",
		},
		[]string{"result"},
	)
	c.quietFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quiet_failures_total",
			Help:      "Benign negative outcomes by reason",
		},
		[]string{"reason"},
	)
	c.downloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes received on the wire",
		},
	)

	for _, collector := range []prometheus.Collector{
		c.fetchCounter,
		c.fetchDuration,
		c.transportErrors,
		c.cacheWrites,
		c.quietFailures,
		c.downloadBytes,
	} {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// RecordFetch 记录一次得到 HTTP 响应的请求。
func (c *Collector) RecordFetch(method, state string, total time.Duration, size int64) {
	if c == nil {
		return
	}
	c.fetchCounter.With(prometheus.Labels{"method": method, "state": state}).Inc()
	c.fetchDuration.With(prometheus.Labels{"method": method}).Observe(total.Seconds())
	if size > 0 {
		c.downloadBytes.Add(float64(size))
	}
}

// RecordTransportError 记录传输层失败。
func (c *Collector) RecordTransportError(code int) {
	if c == nil {
		return
	}
	c.transportErrors.With(prometheus.Labels{"code": strconv.Itoa(code)}).Inc()
}

// RecordCacheWrite 记录一次条目提交，result 取 ok/failed/skipped。
func (c *Collector) RecordCacheWrite(result string) {
	if c == nil {
		return
	}
	c.cacheWrites.With(prometheus.Labels{"result": result}).Inc()
}

// RecordQuiet 记录静默失败。
func (c *Collector) RecordQuiet(reason string) {
	if c == nil {
		return
	}
	c.quietFailures.With(prometheus.Labels{"reason": reason}).Inc()
}

// Registry 暴露底层 registry，供测试与服务端复用。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 的 http.Handler。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// WriteTextfile 以 node_exporter textfile 格式原子写出当前指标，适合 cron 调用。
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
