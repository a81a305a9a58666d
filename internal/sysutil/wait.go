package sysutil

import (
	"context"
	"time"
)

// WaitFor 轮询 cond 直到返回 true、超时或 ctx 取消。
// 启动时等 worker 心跳、停止时等进程退出都靠它
func WaitFor(ctx context.Context, timeout, interval time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			// 最后再确认一次，避免恰好在超时边界上错过
			return cond()
		case <-tick.C:
			if cond() {
				return true
			}
		}
	}
}
