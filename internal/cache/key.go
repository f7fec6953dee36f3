package cache

import (
	"crypto/sha1"
	"encoding/hex"
)

// compressedSuffix 区分压缩与非压缩请求的缓存条目，二者永不共享存储。
const compressedSuffix = "_z"

// Key 是资源的存储键：URL 的 SHA-1 十六进制摘要，压缩模式追加 _z。
type Key string

// StorageKey 由 (url, compressed) 确定性地计算存储键。
func StorageKey(url string, compressed bool) Key {
	sum := sha1.Sum([]byte(url))
	key := hex.EncodeToString(sum[:])
	if compressed {
		key += compressedSuffix
	}
	return Key(key)
}

func (k Key) String() string {
	return string(k)
}

// Compressed 报告该键是否属于压缩模式。
func (k Key) Compressed() bool {
	n := len(k)
	return n > len(compressedSuffix) && string(k[n-len(compressedSuffix):]) == compressedSuffix
}

// Kind 枚举每个键下的制品文件类型。
type Kind string

const (
	KindRequestHeaders  Kind = "request_headers"
	KindResponseHeaders Kind = "response_headers"
	KindResponseBody    Kind = "response_body"
	KindResponseLog     Kind = "response_log"
	KindCompressionLog  Kind = "compression_log"
	KindTimestampLog    Kind = "timestamp_log"
)

// Kinds 返回全部制品类型，顺序固定。
func Kinds() []Kind {
	return []Kind{
		KindRequestHeaders,
		KindResponseHeaders,
		KindResponseBody,
		KindResponseLog,
		KindCompressionLog,
		KindTimestampLog,
	}
}

// Valid 报告 k 是否为已知的制品类型。
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// IsLog 报告该制品是否为只追加日志。
func (k Kind) IsLog() bool {
	return k == KindResponseLog || k == KindCompressionLog || k == KindTimestampLog
}
