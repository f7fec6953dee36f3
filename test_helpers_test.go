package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// workspace 为一次 CLI 测试准备独立的缓存目录、临时目录与配置文件。
type workspace struct {
	cacheDir    string
	tempDir     string
	metricsFile string
	config      string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	root := t.TempDir()
	ws := &workspace{
		cacheDir:    filepath.Join(root, "cache"),
		tempDir:     filepath.Join(root, "tmp"),
		metricsFile: filepath.Join(root, "pollcache.prom"),
	}
	if err := os.MkdirAll(ws.tempDir, 0o755); err != nil {
		t.Fatalf("创建临时目录失败: %v", err)
	}
	ws.config = writeConfigFile(t, fmt.Sprintf(`
CacheDir = "%s"
TempDir = "%s"
MetricsFile = "%s"
LogLevel = "error"
ConnectTimeout = "2s"
MaxTime = "5s"
`, ws.cacheDir, ws.tempDir, ws.metricsFile))
	return ws
}

// run 解析参数并执行，自动追加 -config 指向工作区配置。
func (ws *workspace) run(t *testing.T, command string, args ...string) int {
	t.Helper()
	full := append([]string{command, "-config", ws.config}, args...)
	opts, err := parseCLIFlags(full)
	if err != nil {
		t.Fatalf("解析参数 %v 失败: %v", full, err)
	}
	return run(opts)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "pollcache.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
