package stats

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/any-hub/pollcache/internal/cache"
)

// FriendlyLayout 是渲染记录中 friendlyDate 的格式。
const FriendlyLayout = "Mon, 02 Jan 2006 15:04:05 UTC"

// 比较结果，写入 compression_log 第二列。
const (
	DiffIdentical = 0
	DiffDiffer    = 1
	DiffFailed    = 2
)

// 渲染格式。
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// maxLineSize 限制单条日志行长度，超长行视为损坏。
const maxLineSize = 1 << 20

// Record 是 response_log 单行的结构化形式。
type Record struct {
	RequestInstant string `json:"requestInstant" yaml:"requestInstant"`
	FriendlyDate   string `json:"friendlyDate" yaml:"friendlyDate"`
	Transfer       `yaml:",inline"`
}

// CompressionRecord 是 compression_log 单行的结构化形式。
type CompressionRecord struct {
	RequestInstant string   `json:"requestInstant" yaml:"requestInstant"`
	FriendlyDate   string   `json:"friendlyDate" yaml:"friendlyDate"`
	Identical      bool     `json:"identical" yaml:"identical"`
	DiffExitCode   int      `json:"diffExitCode" yaml:"diffExitCode"`
	Uncompressed   Transfer `json:"uncompressed" yaml:"uncompressed"`
	Compressed     Transfer `json:"compressed" yaml:"compressed"`
}

// Recorder 把记录追加到 Store 中对应 Key 的日志。
type Recorder struct {
	store cache.Store
}

// NewRecorder 构造 Recorder。
func NewRecorder(store cache.Store) *Recorder {
	return &Recorder{store: store}
}

// Store 返回记录所在的缓存存储。
func (r *Recorder) Store() cache.Store {
	return r.store
}

// RecordResponse 追加一条 response_log 记录并返回日志路径。
func (r *Recorder) RecordResponse(key cache.Key, ts time.Time, t Transfer) (string, error) {
	line := cache.JoinFields(cache.FormatTimestamp(ts), strconv.Itoa(t.ExitCode), t.WriteOut())
	if err := r.store.AppendLine(key, cache.KindResponseLog, line); err != nil {
		return "", fmt.Errorf("append response log: %w", err)
	}
	return r.store.Path(key, cache.KindResponseLog), nil
}

// RecordCompression 追加一条 compression_log 记录并返回日志路径。
// 行格式：时间、比较结果、未压缩退出码与字段、压缩退出码与字段。
func (r *Recorder) RecordCompression(key cache.Key, ts time.Time, diff int, uncompressed, compressed Transfer) (string, error) {
	line := cache.JoinFields(
		cache.FormatTimestamp(ts),
		strconv.Itoa(diff),
		strconv.Itoa(uncompressed.ExitCode),
		uncompressed.WriteOut(),
		strconv.Itoa(compressed.ExitCode),
		compressed.WriteOut(),
	)
	if err := r.store.AppendLine(key, cache.KindCompressionLog, line); err != nil {
		return "", fmt.Errorf("append compression log: %w", err)
	}
	return r.store.Path(key, cache.KindCompressionLog), nil
}

// Tail 返回日志的最后 n 行（旧的在前）。n <= 0 返回全部。
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// ParseResponseLine 解析 response_log 的一行。
func ParseResponseLine(line string) (Record, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrInvalidRecord, len(fields))
	}
	instant, friendly, err := parseInstant(fields[0])
	if err != nil {
		return Record{}, err
	}
	exit, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: exit code %q", ErrInvalidRecord, fields[1])
	}
	transfer, err := parseWriteOut(exit, fields[2])
	if err != nil {
		return Record{}, err
	}
	return Record{RequestInstant: instant, FriendlyDate: friendly, Transfer: transfer}, nil
}

// ParseCompressionLine 解析 compression_log 的一行。
func ParseCompressionLine(line string) (CompressionRecord, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		return CompressionRecord{}, fmt.Errorf("%w: expected 6 fields, got %d", ErrInvalidRecord, len(fields))
	}
	instant, friendly, err := parseInstant(fields[0])
	if err != nil {
		return CompressionRecord{}, err
	}
	diff, err := strconv.Atoi(fields[1])
	if err != nil {
		return CompressionRecord{}, fmt.Errorf("%w: diff code %q", ErrInvalidRecord, fields[1])
	}
	uncompressed, err := parseSide(fields[2], fields[3])
	if err != nil {
		return CompressionRecord{}, err
	}
	compressed, err := parseSide(fields[4], fields[5])
	if err != nil {
		return CompressionRecord{}, err
	}
	return CompressionRecord{
		RequestInstant: instant,
		FriendlyDate:   friendly,
		Identical:      diff == DiffIdentical,
		DiffExitCode:   diff,
		Uncompressed:   uncompressed,
		Compressed:     compressed,
	}, nil
}

// Render 把记录序列化为 json（默认）或 yaml。
func Render(records interface{}, format string) ([]byte, error) {
	switch NormalizeFormat(format) {
	case FormatJSON:
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case FormatYAML:
		return yaml.Marshal(records)
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}
}

// NormalizeFormat 将空值视为 json，yml 视为 yaml，其它值转为小写。
func NormalizeFormat(format string) string {
	switch format = strings.ToLower(strings.TrimSpace(format)); format {
	case "":
		return FormatJSON
	case "yml":
		return FormatYAML
	default:
		return format
	}
}

// TailOptions 控制 RenderTail 的输出。
type TailOptions struct {
	Kind   cache.Kind
	Lines  int
	Format string
	// Write 为 true 时额外写入 {key}_{kind}.{ext}。
	Write bool
}

// RenderTail 读取 key 的日志尾部并渲染。日志不存在时返回空列表。
func (r *Recorder) RenderTail(key cache.Key, opts TailOptions) ([]byte, error) {
	format := NormalizeFormat(opts.Format)
	if format != FormatJSON && format != FormatYAML {
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
	if opts.Kind != cache.KindResponseLog && opts.Kind != cache.KindCompressionLog {
		return nil, fmt.Errorf("artifact %q has no record form", opts.Kind)
	}

	lines, err := Tail(r.store.Path(key, opts.Kind), opts.Lines)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	var records interface{}
	if opts.Kind == cache.KindResponseLog {
		parsed := make([]Record, 0, len(lines))
		for i, line := range lines {
			rec, err := ParseResponseLine(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			parsed = append(parsed, rec)
		}
		records = parsed
	} else {
		parsed := make([]CompressionRecord, 0, len(lines))
		for i, line := range lines {
			rec, err := ParseCompressionLine(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			parsed = append(parsed, rec)
		}
		records = parsed
	}

	data, err := Render(records, format)
	if err != nil {
		return nil, err
	}
	if opts.Write {
		if err := r.store.WriteRendered(key, opts.Kind, format, data); err != nil {
			return nil, fmt.Errorf("write rendered tail: %w", err)
		}
	}
	return data, nil
}

func parseInstant(raw string) (string, string, error) {
	ts, err := time.Parse(cache.TimestampLayout, raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: timestamp %q", ErrInvalidRecord, raw)
	}
	return raw, ts.UTC().Format(FriendlyLayout), nil
}

func parseSide(exitRaw, writeOut string) (Transfer, error) {
	exit, err := strconv.Atoi(exitRaw)
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: exit code %q", ErrInvalidRecord, exitRaw)
	}
	return parseWriteOut(exit, writeOut)
}
