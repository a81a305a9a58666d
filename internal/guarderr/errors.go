// Package guarderr 定义守护进程的错误分类。
// 单次 tick 内的错误一律记录后吞掉，只有持续的失败模式才会升级为 degraded 状态。
package guarderr

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientIO
	KindNotFound
	KindPermissionDenied
	KindCorruptRecord
	KindProcessSpawnFailure
	KindStaleProcessState
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "TransientIO"
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindCorruptRecord:
		return "CorruptRecord"
	case KindProcessSpawnFailure:
		return "ProcessSpawnFailure"
	case KindStaleProcessState:
		return "StaleProcessState"
	default:
		return "Unknown"
	}
}

var (
	ErrTransientIO         = errors.New("transient io failure")
	ErrNotFound            = errors.New("artifact not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrCorruptRecord       = errors.New("corrupt record")
	ErrProcessSpawnFailure = errors.New("process spawn failure")
	ErrStaleProcessState   = errors.New("stale process state")
)

// Classify 把底层错误归类。优先识别本包的哨兵错误，其次是 fs/syscall/sqlite 错误
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrCorruptRecord):
		return KindCorruptRecord
	case errors.Is(err, ErrProcessSpawnFailure):
		return KindProcessSpawnFailure
	case errors.Is(err, ErrStaleProcessState):
		return KindStaleProcessState
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, ErrTransientIO), IsBusy(err),
		errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EAGAIN):
		return KindTransientIO
	}
	return KindUnknown
}

// IsBusy 判断 SQLite BUSY / 文件被锁
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "being used by another process")
}

// Is 便捷判断
func Is(err error, k Kind) bool { return Classify(err) == k }
