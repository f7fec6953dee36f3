package cache

import "errors"

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CacheDir>/<sha1(url)>[_z]_<kind>        # 制品文件
//	<CacheDir>/<sha1(url)>[_z]_<kind>.<ext>  # 渲染输出（如 .json）
//
// 响应头与正文总是通过 CommitEntry 成对替换。
type Store interface {
	// Dir 返回缓存根目录。
	Dir() string

	// Path 返回制品文件路径，不做任何 I/O。
	Path(key Key, kind Kind) string

	// RenderPath 返回渲染输出文件路径，例如 <key>_response_log.json。
	RenderPath(key Key, kind Kind, ext string) string

	// Exists 报告制品文件是否存在（目录不算）。
	Exists(key Key, kind Kind) bool

	// Read 读取制品文件全部内容，不存在时返回 ErrNotFound。
	Read(key Key, kind Kind) ([]byte, error)

	// WriteAtomic 通过临时文件 + rename 写入单个制品。
	WriteAtomic(key Key, kind Kind, data []byte) error

	// WriteRendered 原子写入渲染输出文件。
	WriteRendered(key Key, kind Kind, ext string, data []byte) error

	// AppendLine 向日志类制品追加一行记录，line 不得包含换行。
	AppendLine(key Key, kind Kind, line string) error

	// LoadEntry 读取缓存条目；响应头或正文任一缺失都视为 ErrNotFound。
	LoadEntry(key Key) (*Entry, error)

	// CommitEntry 成对替换请求头、响应头与正文。失败时保留之前的有效条目，
	// 无法回滚时删除整对文件，绝不留下新旧混杂的组合。
	CommitEntry(key Key, entry Entry) error
}

// Entry 是一个键的持久化缓存状态。
type Entry struct {
	RequestHeaders  []byte
	ResponseHeaders []byte
	Body            []byte
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrCommitFailed 表示条目写入失败，调用方不得使用该键下的旧数据做推断。
var ErrCommitFailed = errors.New("cache commit failed")

// ErrInvalidLine 表示日志行包含换行或为空。
var ErrInvalidLine = errors.New("invalid log line")
