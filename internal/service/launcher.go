package service

import (
	"fmt"
	"os"
	"os/exec"
)

// Launcher 启动与当前进程分离的 worker，返回其 PID
type Launcher interface {
	Launch(args []string) (int, error)
}

// ExecLauncher 重新执行自身二进制
type ExecLauncher struct {
	Executable string // 为空时使用 os.Executable()
	Env        []string
}

func (l ExecLauncher) Launch(args []string) (int, error) {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	// 宿主进程存活期间负责回收，避免留下僵尸
	go cmd.Wait()
	return cmd.Process.Pid, nil
}
