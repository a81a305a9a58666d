// Package registry 在固定位置持久化 worker 的 PID 与会话配置，并对照系统进程表核实存活。
//
// PID 文件从不被盲目信任：PID 可能已被无关进程复用，必须同时满足
// 进程存在、命令行签名匹配、创建时间不晚于 PID 文件写入时间。
// 命令行签名匹配只是启发式手段，竞态窗口见 DESIGN.md。
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/sysutil"
)

// Registry 状态目录中的 config/pid 文件
type Registry struct {
	paths sysutil.Paths
	procs ProcessTable
}

func New(paths sysutil.Paths, procs ProcessTable) *Registry {
	if procs == nil {
		procs = SystemTable{}
	}
	return &Registry{paths: paths, procs: procs}
}

func (r *Registry) Paths() sysutil.Paths { return r.paths }
func (r *Registry) Procs() ProcessTable  { return r.procs }

// SaveConfig 原子写入会话配置
func (r *Registry) SaveConfig(cfg model.GuardConfig) error {
	if err := r.paths.Ensure(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal guard config: %w", err)
	}
	return writeFileAtomic(r.paths.Config(), append(data, '\n'))
}

// LoadConfig 不存在时返回 ErrNotFound
func (r *Registry) LoadConfig() (model.GuardConfig, error) {
	var cfg model.GuardConfig
	data, err := os.ReadFile(r.paths.Config())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("%w: guard config", guarderr.ErrNotFound)
		}
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: guard config: %v", guarderr.ErrCorruptRecord, err)
	}
	if cfg.DeviceID == "" {
		return cfg, fmt.Errorf("%w: guard config has empty deviceId", guarderr.ErrCorruptRecord)
	}
	return cfg, nil
}

// SavePID 纯文本 PID
func (r *Registry) SavePID(pid int) error {
	if err := r.paths.Ensure(); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeFileAtomic(r.paths.PID(), []byte(strconv.Itoa(pid)+"\n"))
}

// LoadPID 句柄的 StartTime 取 PID 文件的修改时间
func (r *Registry) LoadPID() (model.ProcessHandle, error) {
	path := r.paths.PID()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ProcessHandle{}, fmt.Errorf("%w: pid file", guarderr.ErrNotFound)
		}
		return model.ProcessHandle{}, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return model.ProcessHandle{}, fmt.Errorf("%w: pid file %q", guarderr.ErrCorruptRecord, strings.TrimSpace(string(data)))
	}
	h := model.ProcessHandle{PID: pid}
	if info, err := os.Stat(path); err == nil {
		h.StartTime = info.ModTime()
	}
	return h, nil
}

// Clear 删除 config 和 pid 文件，幂等
func (r *Registry) Clear() error {
	var errs []error
	for _, p := range []string{r.paths.Config(), r.paths.PID()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClearPIDIf 只有 PID 文件仍指向 pid 时才删除，避免误删新 worker 的记录
func (r *Registry) ClearPIDIf(pid int) {
	if h, err := r.LoadPID(); err == nil && h.PID == pid {
		os.Remove(r.paths.PID())
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
