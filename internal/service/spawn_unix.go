//go:build !windows

package service

import (
	"os/exec"
	"syscall"
)

// detach 新会话，脱离宿主的控制终端和进程组
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
