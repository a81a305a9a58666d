package record

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/zeebo/blake3"
)

// Fingerprint 文件内容的 blake3 摘要，用于和上一次"已知良好"快照比对
type Fingerprint [32]byte

func Sum(data []byte) Fingerprint { return blake3.Sum256(data) }

// TempPrefix 原子写入使用的临时文件前缀，不会匹配宿主的 swap/backup 命名
func TempPrefix(recordPath string) string {
	return "." + filepath.Base(recordPath) + ".guard-"
}

// Store 单个记录文件的读写
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (s *Store) Path() string { return s.path }

// ReadRaw 读取原始字节并分类错误
func (s *Store) ReadRaw() ([]byte, fs.FileMode, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, 0, classify(err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, 0, classify(err)
	}
	return data, info.Mode().Perm(), nil
}

// Read 读取并解析。文件不存在返回 ErrNotFound (还没写过，不算错误)
func (s *Store) Read() (*Record, error) {
	data, mode, err := s.ReadRaw()
	if err != nil {
		return nil, err
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	r.mode = mode
	return r, nil
}

// WriteAtomic 写同目录临时文件，fsync 后 rename 覆盖目标。
// 读者永远看不到写了一半的文件。若文件在读取之后被别人改过，放弃本次写入，下个周期再处理
func (s *Store) WriteAtomic(r *Record) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}

	if r.fingerprint != (Fingerprint{}) {
		cur, _, err := s.ReadRaw()
		if err == nil && Sum(cur) != r.fingerprint {
			return fmt.Errorf("%w: %s changed since read", guarderr.ErrTransientIO, s.path)
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, TempPrefix(s.path)+"*")
	if err != nil {
		return classify(fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return classify(fmt.Errorf("close temp file: %w", err))
	}

	mode := r.mode
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return classify(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return classify(fmt.Errorf("rename into place: %w", err))
	}
	success = true

	// rename 的持久化依赖父目录落盘，失败不影响正确性
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	r.fingerprint = Sum(data)
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", guarderr.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", guarderr.ErrPermissionDenied, err)
	case guarderr.IsBusy(err):
		return fmt.Errorf("%w: %v", guarderr.ErrTransientIO, err)
	}
	return err
}
