package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewStore 以 cacheDir 为根目录构建磁盘缓存，目录不存在时自动创建。
func NewStore(cacheDir string) (Store, error) {
	if cacheDir == "" {
		return nil, errors.New("cache dir required")
	}

	abs, err := filepath.Abs(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &fileStore{
		dir:    abs,
		rename: os.Rename,
		locks:  make(map[Key]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一进程内对同一 Key 的并发写入。
// 跨进程的同 Key 并发不做协调，由调度方保证串行。
type fileStore struct {
	dir string

	// rename 默认为 os.Rename，测试中可替换以模拟提交中途失败。
	rename func(oldpath, newpath string) error

	mu    sync.Mutex
	locks map[Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Dir() string {
	return s.dir
}

func (s *fileStore) Path(key Key, kind Kind) string {
	return filepath.Join(s.dir, string(key)+"_"+string(kind))
}

func (s *fileStore) RenderPath(key Key, kind Kind, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return s.Path(key, kind) + "." + ext
}

func (s *fileStore) Exists(key Key, kind Kind) bool {
	return isRegularFile(s.Path(key, kind))
}

func (s *fileStore) Read(key Key, kind Kind) ([]byte, error) {
	return readRegularFile(s.Path(key, kind))
}

func (s *fileStore) WriteAtomic(key Key, kind Kind, data []byte) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	unlock := s.lockEntry(key)
	defer unlock()

	tempName, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	if err := s.rename(tempName, s.Path(key, kind)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) WriteRendered(key Key, kind Kind, ext string, data []byte) error {
	if strings.TrimPrefix(ext, ".") == "" {
		return errors.New("render extension required")
	}
	unlock := s.lockEntry(key)
	defer unlock()

	tempName, err := s.writeTemp(data)
	if err != nil {
		return err
	}
	if err := s.rename(tempName, s.RenderPath(key, kind, ext)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (s *fileStore) AppendLine(key Key, kind Kind, line string) error {
	if !kind.IsLog() {
		return fmt.Errorf("artifact %q is not a log", kind)
	}
	line = strings.TrimSuffix(line, "\n")
	if line == "" || strings.ContainsAny(line, "\r\n") {
		return ErrInvalidLine
	}

	unlock := s.lockEntry(key)
	defer unlock()

	f, err := os.OpenFile(s.Path(key, kind), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = io.WriteString(f, line+"\n")
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

func (s *fileStore) LoadEntry(key Key) (*Entry, error) {
	headers, err := s.Read(key, KindResponseHeaders)
	if err != nil {
		return nil, err
	}
	body, err := s.Read(key, KindResponseBody)
	if err != nil {
		return nil, err
	}
	request, err := s.Read(key, KindRequestHeaders)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return &Entry{
		RequestHeaders:  request,
		ResponseHeaders: headers,
		Body:            body,
	}, nil
}

// CommitEntry 的写入顺序：
//  1. 三个文件全部写入临时文件；任一失败直接返回，旧条目不受影响。
//  2. 备份旧的响应头/正文，先 rename 新正文，最后 rename 新响应头。
//     校验器只在响应头中，两次 rename 之间中断时磁盘上仍是旧校验器，
//     下一次条件请求得到 200 并覆盖整对文件。
//  3. 响应头 rename 失败时用备份恢复正文；恢复失败则删除整对文件。
//  4. 响应对提交后才 rename 请求头（仅诊断用途）；失败时删除旧请求头，不影响提交结果。
func (s *fileStore) CommitEntry(key Key, entry Entry) error {
	unlock := s.lockEntry(key)
	defer unlock()

	var pending []string
	defer func() {
		for _, name := range pending {
			os.Remove(name)
		}
	}()
	stage := func(data []byte) (string, error) {
		name, err := s.writeTemp(data)
		if err == nil {
			pending = append(pending, name)
		}
		return name, err
	}

	requestTemp, err := stage(entry.RequestHeaders)
	if err != nil {
		return fmt.Errorf("%w: stage request headers: %v", ErrCommitFailed, err)
	}
	headerTemp, err := stage(entry.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("%w: stage response headers: %v", ErrCommitFailed, err)
	}
	bodyTemp, err := stage(entry.Body)
	if err != nil {
		return fmt.Errorf("%w: stage response body: %v", ErrCommitFailed, err)
	}

	headerPath := s.Path(key, KindResponseHeaders)
	bodyPath := s.Path(key, KindResponseBody)

	if headerBackup, err := s.backup(headerPath); err != nil {
		return fmt.Errorf("%w: backup response headers: %v", ErrCommitFailed, err)
	} else if headerBackup != "" {
		pending = append(pending, headerBackup)
	}
	bodyBackup, err := s.backup(bodyPath)
	if err != nil {
		return fmt.Errorf("%w: backup response body: %v", ErrCommitFailed, err)
	}
	if bodyBackup != "" {
		pending = append(pending, bodyBackup)
	}

	if err := s.rename(bodyTemp, bodyPath); err != nil {
		return fmt.Errorf("%w: response body: %v", ErrCommitFailed, err)
	}
	if err := s.rename(headerTemp, headerPath); err != nil {
		if restoreErr := s.restore(bodyBackup, bodyPath); restoreErr != nil {
			os.Remove(headerPath)
			os.Remove(bodyPath)
			return fmt.Errorf("%w: response headers: %v (entry invalidated: %v)", ErrCommitFailed, err, restoreErr)
		}
		return fmt.Errorf("%w: response headers: %v", ErrCommitFailed, err)
	}

	requestPath := s.Path(key, KindRequestHeaders)
	if err := s.rename(requestTemp, requestPath); err != nil {
		os.Remove(requestPath)
	}
	return nil
}

// backup 为已有文件创建硬链接（跨设备时退回复制），文件不存在时返回空字符串。
func (s *fileStore) backup(path string) (string, error) {
	if !isRegularFile(path) {
		return "", nil
	}
	f, err := os.CreateTemp(s.dir, ".backup-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	if err := os.Link(path, name); err == nil {
		return name, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// restore 将备份放回原位；没有备份说明此前不存在条目，删除新写入的文件即可。
func (s *fileStore) restore(backup, path string) error {
	if backup == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return s.rename(backup, path)
}

func (s *fileStore) writeTemp(data []byte) (string, error) {
	tempFile, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tempName, 0o644)
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func (s *fileStore) lockEntry(key Key) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readRegularFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
