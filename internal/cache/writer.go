package cache

import "errors"

// ErrWritesDisabled 表示当前调用处于 do-not-cache 模式。
var ErrWritesDisabled = errors.New("cache writes disabled")

// Writer 包装 Store 的写入路径，do-not-cache 模式下丢弃所有写入，
// 读取仍然透传，便于诊断类工具在不污染缓存的前提下复用同一套流程。
type Writer struct {
	store   Store
	enabled bool
}

// NewWriter 构造写入器；enabled=false 时 Commit/Append 不触碰磁盘。
func NewWriter(store Store, enabled bool) Writer {
	return Writer{store: store, enabled: enabled && store != nil}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w Writer) Enabled() bool {
	return w.enabled
}

// Commit 写入缓存条目，并保持与 Store 相同的语义。
func (w Writer) Commit(key Key, entry Entry) error {
	if !w.enabled {
		return ErrWritesDisabled
	}
	return w.store.CommitEntry(key, entry)
}

// Append 追加日志行；写入被禁用时静默忽略。
func (w Writer) Append(key Key, kind Kind, line string) error {
	if !w.enabled {
		return nil
	}
	return w.store.AppendLine(key, kind, line)
}
