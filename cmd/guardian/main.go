package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/control"
	"github.com/Hara602/idGuard/internal/sysutil"
	"github.com/spf13/cobra"
)

var (
	stateDir     string
	settingsFile string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:           "idguard",
	Short:         "Keep an editor's telemetry identity pinned to a chosen device id",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", sysutil.DefaultPaths().Dir, "directory holding config, pid and event files")
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "YAML settings file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, eventsCmd, runCmd, workerCmd)
}

func main() {
	// 捕获操作系统信号，worker 和 run 模式据此优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		sysutil.LogSugar.Errorw("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// paths 状态目录统一转成绝对路径，worker 的进程签名依赖它
func paths() (sysutil.Paths, error) {
	dir, err := filepath.Abs(stateDir)
	if err != nil {
		return sysutil.Paths{}, err
	}
	return sysutil.Paths{Dir: dir}, nil
}

func loadSettings() (config.Settings, string, error) {
	if settingsFile == "" {
		return config.Defaults(), "", nil
	}
	abs, err := filepath.Abs(settingsFile)
	if err != nil {
		return config.Settings{}, "", err
	}
	s, err := config.Load(abs)
	return s, abs, err
}

// newController 初始化日志、设置和控制面
func newController(inProcessOnly bool) (*control.Controller, error) {
	if err := sysutil.InitLogger(sysutil.LogOptions{Verbose: verbose}); err != nil {
		return nil, err
	}
	p, err := paths()
	if err != nil {
		return nil, err
	}
	s, file, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return control.New(control.Options{
		Paths:         p,
		Settings:      s,
		SettingsFile:  file,
		InProcessOnly: inProcessOnly,
		Logger:        sysutil.Log,
	}), nil
}
