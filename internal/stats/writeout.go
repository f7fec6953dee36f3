package stats

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/pollcache/internal/engine"
	"github.com/any-hub/pollcache/internal/fetch"
)

// ErrInvalidRecord 表示日志行无法解析。
var ErrInvalidRecord = errors.New("invalid log record")

// writeOutKeys 固定 write-out 字符串的字段顺序。
var writeOutKeys = []string{
	"response_code",
	"size_download",
	"speed_download",
	"time_namelookup",
	"time_connect",
	"time_appconnect",
	"time_pretransfer",
	"time_starttransfer",
	"time_total",
}

// Transfer 是一次网络尝试的可记录部分。ResponseCode 为 0 表示没有拿到 HTTP 响应。
type Transfer struct {
	ExitCode          int     `json:"exitCode" yaml:"exitCode"`
	ResponseCode      int     `json:"responseCode" yaml:"responseCode"`
	SizeDownload      int64   `json:"sizeDownload" yaml:"sizeDownload"`
	SpeedDownload     float64 `json:"speedDownload" yaml:"speedDownload"`
	TimeNamelookup    float64 `json:"timeNamelookup" yaml:"timeNamelookup"`
	TimeConnect       float64 `json:"timeConnect" yaml:"timeConnect"`
	TimeAppconnect    float64 `json:"timeAppconnect" yaml:"timeAppconnect"`
	TimePretransfer   float64 `json:"timePretransfer" yaml:"timePretransfer"`
	TimeStarttransfer float64 `json:"timeStarttransfer" yaml:"timeStarttransfer"`
	TimeTotal         float64 `json:"timeTotal" yaml:"timeTotal"`
}

// TransferFrom 根据引擎调用的结果构建 Transfer。
// 传输失败时没有响应，只记录退出码；协议失败时仍记录上游的状态码与耗时。
func TransferFrom(outcome *fetch.Outcome, err error) Transfer {
	if outcome == nil {
		outcome = engine.OutcomeOf(err)
	}
	t := Transfer{}
	if outcome == nil {
		t.ExitCode = fetch.ExitCode(err)
		return t
	}
	t.ExitCode = outcome.ExitCode
	t.ResponseCode = outcome.StatusCode
	t.SizeDownload = outcome.SizeDownload
	t.SpeedDownload = outcome.SpeedDownload
	t.TimeNamelookup = seconds(outcome.Timing.NameLookup)
	t.TimeConnect = seconds(outcome.Timing.Connect)
	t.TimeAppconnect = seconds(outcome.Timing.AppConnect)
	t.TimePretransfer = seconds(outcome.Timing.PreTransfer)
	t.TimeStarttransfer = seconds(outcome.Timing.StartTransfer)
	t.TimeTotal = seconds(outcome.Timing.Total)
	return t
}

// WriteOut 按 curl -w 的风格编码：key=value 以分号分隔，时间为秒（6 位小数）。
func (t Transfer) WriteOut() string {
	values := []string{
		fmt.Sprintf("%03d", t.ResponseCode),
		strconv.FormatInt(t.SizeDownload, 10),
		strconv.FormatFloat(t.SpeedDownload, 'f', 0, 64),
		formatSeconds(t.TimeNamelookup),
		formatSeconds(t.TimeConnect),
		formatSeconds(t.TimeAppconnect),
		formatSeconds(t.TimePretransfer),
		formatSeconds(t.TimeStarttransfer),
		formatSeconds(t.TimeTotal),
	}
	parts := make([]string, len(writeOutKeys))
	for i, key := range writeOutKeys {
		parts[i] = key + "=" + values[i]
	}
	return strings.Join(parts, ";")
}

// parseWriteOut 解析 WriteOut 的输出，未知字段忽略，缺失字段保持零值。
func parseWriteOut(exitCode int, raw string) (Transfer, error) {
	t := Transfer{ExitCode: exitCode}
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return Transfer{}, fmt.Errorf("%w: field %q", ErrInvalidRecord, pair)
		}
		var err error
		switch key {
		case "response_code":
			t.ResponseCode, err = strconv.Atoi(value)
		case "size_download":
			t.SizeDownload, err = strconv.ParseInt(value, 10, 64)
		case "speed_download":
			t.SpeedDownload, err = strconv.ParseFloat(value, 64)
		case "time_namelookup":
			t.TimeNamelookup, err = strconv.ParseFloat(value, 64)
		case "time_connect":
			t.TimeConnect, err = strconv.ParseFloat(value, 64)
		case "time_appconnect":
			t.TimeAppconnect, err = strconv.ParseFloat(value, 64)
		case "time_pretransfer":
			t.TimePretransfer, err = strconv.ParseFloat(value, 64)
		case "time_starttransfer":
			t.TimeStarttransfer, err = strconv.ParseFloat(value, 64)
		case "time_total":
			t.TimeTotal, err = strconv.ParseFloat(value, 64)
		}
		if err != nil {
			return Transfer{}, fmt.Errorf("%w: field %s: %v", ErrInvalidRecord, key, err)
		}
	}
	return t, nil
}

func seconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1e6
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
