package sysutil

import (
	"os"
	"path/filepath"
)

// StateDirEnv 覆盖状态目录 (测试和多实例用)
const StateDirEnv = "IDGUARD_STATE_DIR"

const (
	configFileName = "guard-config.json"
	pidFileName    = "guard.pid"
	eventsFileName = "guard-events.log"
	lockFileName   = "guard.lock"
	workerLogName  = "worker.log"
)

// Paths 宿主与 worker 之间通过这些文件协调，不走 socket/pipe
type Paths struct {
	Dir string
}

// DefaultPaths 系统临时目录下的固定位置
func DefaultPaths() Paths {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return Paths{Dir: dir}
	}
	return Paths{Dir: filepath.Join(os.TempDir(), "idguard")}
}

func (p Paths) Ensure() error     { return os.MkdirAll(p.Dir, 0o700) }
func (p Paths) Config() string    { return filepath.Join(p.Dir, configFileName) }
func (p Paths) PID() string       { return filepath.Join(p.Dir, pidFileName) }
func (p Paths) Events() string    { return filepath.Join(p.Dir, eventsFileName) }
func (p Paths) Lock() string      { return filepath.Join(p.Dir, lockFileName) }
func (p Paths) WorkerLog() string { return filepath.Join(p.Dir, workerLogName) }
