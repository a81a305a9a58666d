package registry

import (
	"errors"
	"fmt"
	"os"
)

// ErrLocked 另一个 worker 持有锁
var ErrLocked = errors.New("guardian lock is held by another worker")

// FileLock 跨进程"单活跃 worker"的尽力保证。进程退出时操作系统自动释放
type FileLock struct {
	f *os.File
}

// TryLock 非阻塞获取排它锁
func TryLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// Unlock 释放锁，不删除锁文件 (删除会与其它进程的 open 产生竞态)
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	cerr := l.f.Close()
	l.f = nil
	return errors.Join(err, cerr)
}

// IsLocked 探测锁是否被持有
func IsLocked(path string) bool {
	l, err := TryLock(path)
	if err != nil {
		return errors.Is(err, ErrLocked)
	}
	l.Unlock()
	return false
}
