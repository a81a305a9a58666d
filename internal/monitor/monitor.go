package monitor

import (
	"context"

	"github.com/Hara602/idGuard/internal/model"
)

// FileMonitor 原生变更通知。只是提示，轮询仍是正确性依据
type FileMonitor interface {
	Start(ctx context.Context)
	Stop()
	AddWatch(dir string) error // 监控目录 (非递归)
	Events() <-chan model.FileEvent
}

// Filter 只关心返回 true 的文件名
type Filter func(name string) bool

func New(filter Filter) (FileMonitor, error) {
	return newFSMonitor(filter)
}
