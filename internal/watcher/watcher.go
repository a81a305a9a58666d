package watcher

import (
	"context"
	"fmt"

	"github.com/Hara602/idGuard/internal/model"
)

// Watcher 每个周期采样一次三类工件，输出偏离事件
type Watcher interface {
	Scan(ctx context.Context) Result
}

// Result 一个周期的采样结果
type Result struct {
	Drifts []model.DriftEvent
	Errors []*ArtifactError
}

// ArtifactError 某个工件本周期采样失败
type ArtifactError struct {
	Artifact model.ArtifactKind
	Path     string
	Err      error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Artifact, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

func New(opts Options) (Watcher, error) {
	return newPollWatcher(opts)
}
