package stats

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pollcache/internal/cache"
	"github.com/any-hub/pollcache/internal/engine"
)

// Monitor 以 do-not-cache 模式调用引擎，并把每次结果追加到对应日志。
// 网络失败同样会被记录（状态码 000），只有使用错误与日志写入失败会返回错误。
type Monitor struct {
	engine   *engine.Engine
	recorder *Recorder
	logger   *logrus.Logger
	now      func() time.Time
}

// NewMonitor 组装监控器；now 为空时使用 time.Now。
func NewMonitor(eng *engine.Engine, recorder *Recorder, logger *logrus.Logger, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{engine: eng, recorder: recorder, logger: logger, now: now}
}

// CheckResult 描述一次监控记录。
type CheckResult struct {
	Path     string
	Transfer Transfer
}

// CompressionResult 描述一次压缩对比记录。
type CompressionResult struct {
	Path         string
	Diff         int
	Uncompressed Transfer
	Compressed   Transfer
}

// CheckResponse 发送一次普通 GET 并写入 response_log。
func (m *Monitor) CheckResponse(ctx context.Context, rawURL string, compressed bool) (*CheckResult, error) {
	started := m.now()
	result, err := m.engine.Get(ctx, rawURL, engine.RequestOptions{Compressed: compressed, NoCache: true})
	if engine.KindOf(err) == engine.KindUsage {
		return nil, err
	}
	transfer := transferOf(result, err)

	key := cache.StorageKey(rawURL, compressed)
	path, err := m.recorder.RecordResponse(key, started, transfer)
	if err != nil {
		m.logger.WithError(err).WithField("url", rawURL).Error("record_response_failed")
		return nil, err
	}
	m.logger.WithFields(logrus.Fields{
		"action":    "record_response",
		"url":       rawURL,
		"key":       key.String(),
		"exit_code": transfer.ExitCode,
		"status":    transfer.ResponseCode,
	}).Info("response_recorded")
	return &CheckResult{Path: path, Transfer: transfer}, nil
}

// CheckCompression 分别以未压缩与压缩方式获取同一 URL，逐字节比较解码后的正文，
// 结果记录在未压缩 Key 的 compression_log 中。
func (m *Monitor) CheckCompression(ctx context.Context, rawURL string) (*CompressionResult, error) {
	started := m.now()

	plain, plainErr := m.engine.Get(ctx, rawURL, engine.RequestOptions{NoCache: true})
	if engine.KindOf(plainErr) == engine.KindUsage {
		return nil, plainErr
	}
	packed, packedErr := m.engine.Get(ctx, rawURL, engine.RequestOptions{Compressed: true, NoCache: true})

	diff := DiffFailed
	if plainErr == nil && packedErr == nil {
		diff = DiffDiffer
		if bytes.Equal(plain.Body, packed.Body) {
			diff = DiffIdentical
		}
	}

	uncompressed := transferOf(plain, plainErr)
	compressed := transferOf(packed, packedErr)
	key := cache.StorageKey(rawURL, false)
	path, err := m.recorder.RecordCompression(key, started, diff, uncompressed, compressed)
	if err != nil {
		m.logger.WithError(err).WithField("url", rawURL).Error("record_compression_failed")
		return nil, err
	}
	entry := m.logger.WithFields(logrus.Fields{
		"action": "record_compression",
		"url":    rawURL,
		"key":    key.String(),
		"diff":   diff,
	})
	if diff == DiffDiffer {
		entry.Warn("compression_mismatch")
	} else {
		entry.Info("compression_recorded")
	}
	return &CompressionResult{
		Path:         path,
		Diff:         diff,
		Uncompressed: uncompressed,
		Compressed:   compressed,
	}, nil
}

func transferOf(result *engine.Result, err error) Transfer {
	if result != nil {
		return TransferFrom(result.Outcome, nil)
	}
	return TransferFrom(nil, err)
}
