// Package enforcer 对 Watcher 报告的偏离执行纠正动作。
//
// 每个纠正动作恰好追加一条事件；纠正失败时追加一条携带错误的 driftDetected。
// 没有偏离时什么都不写 (幂等)。对同一工件的写入由按路径的互斥锁串行化。
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/record"
	"github.com/Hara602/idGuard/internal/statedb"
	"github.com/Hara602/idGuard/internal/sysutil"
	"go.uber.org/zap"
)

// Options 纠正所需的上下文
type Options struct {
	Fields   []string
	Target   model.TargetIdentity
	Identity model.IdentityFunc
	DB       *statedb.DB
	Journal  eventlog.Appender
	Logger   *zap.Logger
}

type Enforcer struct {
	opts  Options
	log   *zap.Logger
	locks sync.Map // path -> *sync.Mutex
}

func New(opts Options) *Enforcer {
	if opts.Identity == nil {
		opts.Identity = model.PlainIdentity
	}
	return &Enforcer{opts: opts, log: sysutil.OrNop(opts.Logger).Named("enforcer")}
}

func (e *Enforcer) want(field string) string {
	return e.opts.Identity(e.opts.Target.DeviceID, field)
}

func (e *Enforcer) lock(path string) func() {
	m, _ := e.locks.LoadOrStore(path, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Handle 处理一个偏离，返回追加的事件
func (e *Enforcer) Handle(ctx context.Context, d model.DriftEvent) ([]model.InterceptionEvent, error) {
	unlock := e.lock(d.Path)
	defer unlock()

	var (
		events []model.InterceptionEvent
		err    error
	)
	switch d.Artifact {
	case model.ArtifactRecord:
		events, err = e.restoreRecord(d)
	case model.ArtifactSwap:
		events, err = e.removeFile(d, model.EventSwapRemoved)
	case model.ArtifactBackup:
		events, err = e.removeFile(d, model.EventBackupRemoved)
	case model.ArtifactDatabase:
		events, err = e.restoreDatabase(ctx, d)
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", d.Artifact)
	}

	if err != nil {
		failed := model.InterceptionEvent{
			Kind:     model.EventDriftDetected,
			Artifact: d.Artifact,
			Path:     d.Path,
			Detail:   fmt.Sprintf("correction failed (%s): %v", guarderr.Classify(err), err),
		}
		if aerr := e.append(failed); aerr != nil {
			e.log.Warn("append event failed", zap.Error(aerr))
		}
		return []model.InterceptionEvent{failed}, err
	}

	for _, ev := range events {
		if aerr := e.append(ev); aerr != nil {
			e.log.Warn("append event failed", zap.Error(aerr))
		}
	}
	return events, nil
}

func (e *Enforcer) append(ev model.InterceptionEvent) error {
	if e.opts.Journal == nil {
		return nil
	}
	return e.opts.Journal.Append(ev)
}

// restoreRecord 读-改-写，只动身份字段
func (e *Enforcer) restoreRecord(d model.DriftEvent) ([]model.InterceptionEvent, error) {
	store := record.NewStore(d.Path)
	r, err := store.Read()
	if err != nil {
		if guarderr.Is(err, guarderr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	changed := r.Apply(e.opts.Fields, e.want)
	if len(changed) == 0 {
		return nil, nil
	}
	if err := store.WriteAtomic(r); err != nil {
		return nil, err
	}

	e.log.Info("🛡️ identity restored", zap.String("path", d.Path), zap.Strings("fields", changed))
	return []model.InterceptionEvent{{
		Kind:     model.EventFileRestored,
		Artifact: model.ArtifactRecord,
		Path:     d.Path,
		Detail:   "restored " + strings.Join(changed, ", "),
	}}, nil
}

// removeFile 交换文件/备份文件直接删除。宿主的写入会失败并重试，由下一个周期兜底
func (e *Enforcer) removeFile(d model.DriftEvent, kind model.EventKind) ([]model.InterceptionEvent, error) {
	detail := ""
	if kind == model.EventSwapRemoved {
		detail = inspectSwap(d.Path, e.opts.Fields, e.want)
	}

	if err := os.Remove(d.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", guarderr.ErrPermissionDenied, err)
		}
		return nil, err
	}

	e.log.Info("🗑️ removed", zap.String("kind", string(d.Artifact)), zap.String("path", d.Path))
	return []model.InterceptionEvent{{
		Kind:     kind,
		Artifact: d.Artifact,
		Path:     d.Path,
		Detail:   detail,
	}}, nil
}

// inspectSwap 删除前看一眼交换文件里写的是什么身份，仅用于事件详情
func inspectSwap(path string, fields []string, want func(string) string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	r, err := record.Parse(data)
	if err != nil {
		return "unparsable swap content"
	}
	if diverged := r.Diverged(fields, want); len(diverged) > 0 {
		return "swap carried foreign identity in " + strings.Join(diverged, ", ")
	}
	return "swap identity matched target"
}

// restoreDatabase 一次事务修复所有匹配行，每一行产生一条事件
func (e *Enforcer) restoreDatabase(ctx context.Context, d model.DriftEvent) ([]model.InterceptionEvent, error) {
	if e.opts.DB == nil {
		return nil, nil
	}
	res, err := e.opts.DB.Restore(ctx, e.want)
	if err != nil {
		if guarderr.Is(err, guarderr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(res.Rewritten) > 0 {
		e.log.Warn("protected rows rewritten after restore", zap.Strings("keys", res.Rewritten))
	}

	var events []model.InterceptionEvent
	for _, k := range res.Restored {
		events = append(events, model.InterceptionEvent{
			Kind: model.EventDBRowRestored, Artifact: model.ArtifactDatabase, Path: d.Path, Detail: k,
		})
	}
	for _, k := range res.Purged {
		events = append(events, model.InterceptionEvent{
			Kind: model.EventDBRowPurged, Artifact: model.ArtifactDatabase, Path: d.Path, Detail: k,
		})
	}
	if len(events) > 0 {
		e.log.Info("🧹 database restored", zap.String("path", d.Path),
			zap.Int("restored", len(res.Restored)), zap.Int("purged", len(res.Purged)))
	}
	return events, nil
}
