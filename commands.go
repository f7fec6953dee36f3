package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pollcache/internal/cache"
	"github.com/any-hub/pollcache/internal/config"
	"github.com/any-hub/pollcache/internal/engine"
	"github.com/any-hub/pollcache/internal/fetch"
	"github.com/any-hub/pollcache/internal/logging"
	"github.com/any-hub/pollcache/internal/metrics"
	"github.com/any-hub/pollcache/internal/server"
	"github.com/any-hub/pollcache/internal/server/routes"
	"github.com/any-hub/pollcache/internal/stats"
	"github.com/any-hub/pollcache/internal/version"
)

// runtimeDeps 是一次 CLI 调用共享的组件。
type runtimeDeps struct {
	cfg      *config.Config
	logger   *logrus.Logger
	store    cache.Store
	engine   *engine.Engine
	recorder *stats.Recorder
	metrics  *metrics.Collector
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.command == "version" {
		printVersion()
		return engine.ExitOK
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return engine.ExitUsage
	}

	logger, err := logging.InitLogger(*cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return engine.ExitUsage
	}

	if opts.command == "check-config" {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_dir"] = cfg.CacheDir
		fields["temp_dir"] = cfg.TempDir
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return engine.ExitOK
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化失败: %v\n", err)
		return engine.ExitUsage
	}
	defer deps.flushMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.command {
	case "get":
		res, err := deps.engine.Get(ctx, opts.url, requestOptions(opts))
		return deps.emit(res, err, false)
	case "cget":
		res, err := deps.engine.ConditionalGet(ctx, opts.url, requestOptions(opts))
		return deps.emit(res, err, false)
	case "chead":
		res, err := deps.engine.ConditionalHead(ctx, opts.url, requestOptions(opts))
		return deps.emit(res, err, true)
	case "cache-file":
		return deps.cacheFile(opts)
	case "record-response":
		return deps.recordResponse(ctx, opts)
	case "record-compression":
		return deps.recordCompression(ctx, opts)
	case "tail":
		return deps.tail(opts)
	case "serve":
		return deps.serve(ctx, opts)
	default:
		fmt.Fprintf(stdErr, "unknown command %q\n", opts.command)
		return engine.ExitUsage
	}
}

func buildDeps(cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	store, err := cache.NewStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, err
	}
	client := fetch.NewClient(fetch.ClientOptions{
		ConnectTimeout: cfg.ConnectTimeout.DurationValue(),
		MaxTime:        cfg.MaxTime.DurationValue(),
		MaxRedirects:   cfg.MaxRedirects,
	})
	eng, err := engine.New(engine.Options{
		Store:   store,
		Fetcher: fetch.NewHTTPFetcher(client, version.UserAgent()),
		Logger:  logger,
		Metrics: collector,
		TempDir: cfg.TempDir,
	})
	if err != nil {
		return nil, err
	}
	return &runtimeDeps{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   eng,
		recorder: stats.NewRecorder(store),
		metrics:  collector,
	}, nil
}

func requestOptions(opts cliOptions) engine.RequestOptions {
	return engine.RequestOptions{
		Mode:       opts.mode,
		Compressed: opts.compressed,
		NoCache:    opts.noCache,
		Verbose:    opts.verbose,
	}
}

// emit 把成功结果写到 stdout；静默失败不输出任何内容，其它错误写到 stderr。
func (d *runtimeDeps) emit(res *engine.Result, err error, header bool) int {
	if err != nil {
		if !engine.IsQuiet(err) {
			fmt.Fprintln(stdErr, err.Error())
		}
		return engine.ExitCode(err)
	}
	data := res.Body
	if header {
		data = res.Header
	}
	if _, err := stdOut.Write(data); err != nil {
		d.logger.WithError(err).Error("write_output_failed")
		return engine.ExitCacheIO
	}
	return engine.ExitOK
}

func (d *runtimeDeps) cacheFile(opts cliOptions) int {
	if err := engine.ValidateURL(opts.url); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return engine.ExitUsage
	}
	path, exists := d.engine.Inspect(opts.url, opts.compressed)
	fmt.Fprintln(stdOut, path)
	if !exists {
		return engine.ExitQuiet
	}
	return engine.ExitOK
}

func (d *runtimeDeps) recordResponse(ctx context.Context, opts cliOptions) int {
	monitor := stats.NewMonitor(d.engine, d.recorder, d.logger, nil)
	res, err := monitor.CheckResponse(ctx, opts.url, opts.compressed)
	if err != nil {
		return statsFailure(err)
	}
	fmt.Fprintln(stdOut, res.Path)
	return engine.ExitOK
}

func (d *runtimeDeps) recordCompression(ctx context.Context, opts cliOptions) int {
	monitor := stats.NewMonitor(d.engine, d.recorder, d.logger, nil)
	res, err := monitor.CheckCompression(ctx, opts.url)
	if err != nil {
		return statsFailure(err)
	}
	fmt.Fprintln(stdOut, res.Path)
	return engine.ExitOK
}

func (d *runtimeDeps) tail(opts cliOptions) int {
	if err := engine.ValidateURL(opts.url); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return engine.ExitUsage
	}
	kind := cache.KindResponseLog
	compressed := opts.compressed
	if opts.tailKind == "compression" {
		kind = cache.KindCompressionLog
		compressed = false
	}
	lines := opts.tailLines
	if lines == 0 {
		lines = d.cfg.TailLines
	}
	data, err := d.recorder.RenderTail(cache.StorageKey(opts.url, compressed), stats.TailOptions{
		Kind:   kind,
		Lines:  lines,
		Format: opts.tailFormat,
		Write:  opts.tailWrite,
	})
	if err != nil {
		d.logger.WithError(err).WithField("url", opts.url).Error("render_tail_failed")
		fmt.Fprintln(stdErr, err.Error())
		return exitStats
	}
	if _, err := stdOut.Write(data); err != nil {
		return exitStats
	}
	return engine.ExitOK
}

func (d *runtimeDeps) serve(ctx context.Context, opts cliOptions) int {
	app, err := server.NewApp(server.AppOptions{Logger: d.logger, Metrics: d.metrics})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务初始化失败: %v\n", err)
		return engine.ExitUsage
	}
	routes.RegisterCacheRoutes(app, d.engine)
	routes.RegisterStatsRoutes(app, d.recorder, d.cfg.TailLines)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	fields := logging.BaseFields("listen", opts.configPath)
	fields["addr"] = d.cfg.ListenAddr
	fields["version"] = version.Full()
	logger := d.logger.WithFields(fields)
	logger.Info("诊断服务启动")

	if err := app.Listen(d.cfg.ListenAddr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return engine.ExitUsage
	}
	logger.Info("诊断服务已停止")
	return engine.ExitOK
}

// flushMetrics 在配置了 MetricsFile 时写出 textfile，失败只记录日志。
func (d *runtimeDeps) flushMetrics() {
	if d.cfg.MetricsFile == "" {
		return
	}
	if err := d.metrics.WriteTextfile(d.cfg.MetricsFile); err != nil {
		d.logger.WithError(err).WithField("path", d.cfg.MetricsFile).Warn("metrics_write_failed")
	}
}

func statsFailure(err error) int {
	fmt.Fprintln(stdErr, err.Error())
	if engine.KindOf(err) == engine.KindUsage {
		return engine.ExitUsage
	}
	return exitStats
}
