package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/any-hub/pollcache/internal/config"
	"github.com/any-hub/pollcache/internal/engine"
)

// 退出码 7：统计记录或渲染失败，与引擎的 0-6 区分。
const exitStats = 7

const defaultConfigFile = "pollcache.toml"

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	command    string
	configPath string
	url        string

	mode       engine.Mode
	compressed bool
	noCache    bool
	verbose    bool

	tailKind   string
	tailLines  int
	tailFormat string
	tailWrite  bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// errHelp 表示用户请求了帮助信息，输出用法后以 0 退出。
var errHelp = errors.New("help requested")

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if errors.Is(err, errHelp) {
		printUsage(stdOut)
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		printUsage(stdErr)
		os.Exit(engine.ExitUsage)
	}
	os.Exit(run(opts))
}

// parseCLIFlags 解析子命令与其参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	if len(args) == 0 {
		return cliOptions{}, errors.New("missing command")
	}
	opts := cliOptions{command: args[0]}
	switch opts.command {
	case "-h", "-help", "--help", "help":
		return cliOptions{}, errHelp
	case "-version", "--version":
		opts.command = "version"
	}

	fs := flag.NewFlagSet("pollcache "+opts.command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag   string
		conditional  bool
		forceRefresh bool
		checkCache   bool
	)
	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./pollcache.toml，可被 POLLCACHE_CONFIG 覆盖）")

	needsURL := true
	switch opts.command {
	case "get":
		fs.BoolVar(&opts.compressed, "z", false, "请求压缩传输")
		fs.BoolVar(&opts.noCache, "n", false, "不写入缓存")
	case "cget":
		fs.BoolVar(&conditional, "c", false, "条件请求（默认）")
		fs.BoolVar(&forceRefresh, "F", false, "强制获取新内容，304 视为失败")
		fs.BoolVar(&checkCache, "C", false, "仅确认缓存仍有效")
		fs.BoolVar(&opts.compressed, "z", false, "请求压缩传输")
		fs.BoolVar(&opts.noCache, "n", false, "不写入缓存")
	case "chead":
		fs.BoolVar(&opts.compressed, "z", false, "请求压缩传输")
		fs.BoolVar(&opts.verbose, "v", false, "输出完整请求与响应头")
	case "cache-file", "record-response":
		fs.BoolVar(&opts.compressed, "z", false, "压缩模式的缓存条目")
	case "record-compression":
	case "tail":
		fs.BoolVar(&opts.compressed, "z", false, "压缩模式的缓存条目")
		fs.StringVar(&opts.tailKind, "kind", "response", "日志类型：response 或 compression")
		fs.IntVar(&opts.tailLines, "n", 0, "输出的记录条数（默认取配置 TailLines）")
		fs.StringVar(&opts.tailFormat, "format", "json", "输出格式：json 或 yaml")
		fs.BoolVar(&opts.tailWrite, "write", false, "同时写入 {key}_{kind}.{ext}")
	case "serve", "check-config", "version":
		needsURL = false
	default:
		return cliOptions{}, fmt.Errorf("unknown command %q", opts.command)
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cliOptions{}, errHelp
		}
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	rest := fs.Args()
	switch {
	case needsURL && len(rest) != 1:
		return cliOptions{}, fmt.Errorf("%s requires exactly one URL", opts.command)
	case !needsURL && len(rest) != 0:
		return cliOptions{}, fmt.Errorf("%s takes no arguments", opts.command)
	case needsURL:
		opts.url = rest[0]
	}

	if opts.command == "cget" {
		mode, err := engine.ParseMode(conditional, forceRefresh, checkCache)
		if err != nil {
			return cliOptions{}, err
		}
		opts.mode = mode
	}
	if opts.command == "tail" {
		if opts.tailKind != "response" && opts.tailKind != "compression" {
			return cliOptions{}, fmt.Errorf("unknown log kind %q", opts.tailKind)
		}
		if opts.tailLines < 0 {
			return cliOptions{}, errors.New("-n must not be negative")
		}
	}

	opts.configPath = resolveConfigPath(configFlag)
	return opts, nil
}

// resolveConfigPath 优先级：-config > POLLCACHE_CONFIG > ./pollcache.toml（存在时）。
// 都没有时返回空字符串，仅使用默认值与环境变量。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(config.EnvPrefix + "_CONFIG")); env != "" {
		return env
	}
	if info, err := os.Stat(defaultConfigFile); err == nil && info.Mode().IsRegular() {
		return defaultConfigFile
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `usage: pollcache <command> [flags] [URL]

commands:
  get [-z] [-n] URL                 plain GET, cache the 200 response
  cget [-c|-F|-C] [-z] [-n] URL     conditional GET against the cached validators
  chead [-z] [-v] URL               conditional HEAD, print response headers
  cache-file [-z] URL               print the cached body path, exit 1 if absent
  record-response [-z] URL          append a timing record to the response log
  record-compression URL            compare compressed and plain bodies, append a record
  tail [-z] [-kind K] [-n N] [-format F] [-write] URL
                                    render the last records of a log
  serve                             start the read-only diagnostics server
  check-config                      validate configuration and exit
  version                           print version

every command accepts -config PATH
`)
}
