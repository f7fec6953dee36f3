package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pollcache.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// clearEnv 清理可能影响 Load 结果的 POLLCACHE_* 变量。
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"CACHEDIR", "TEMPDIR", "LOGLEVEL", "LOGFILEPATH", "MAXTIME", "CONNECTTIMEOUT"} {
		t.Setenv(EnvPrefix+"_"+key, "")
	}
}
