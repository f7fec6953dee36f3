package cache

import (
	"strings"
	"time"
)

// TimestampLayout 是所有日志行与渲染记录使用的 UTC 时间格式。
const TimestampLayout = "2006-01-02T15:04:05Z"

// FormatTimestamp 将时间格式化为 TimestampLayout（强制 UTC）。
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// JoinFields 以制表符拼接一条日志记录，字段中的制表符与换行会被替换为空格。
func JoinFields(fields ...string) string {
	clean := make([]string, len(fields))
	for i, field := range fields {
		clean[i] = strings.Map(func(r rune) rune {
			switch r {
			case '\t', '\n', '\r':
				return ' '
			}
			return r
		}, field)
	}
	return strings.Join(clean, "\t")
}
