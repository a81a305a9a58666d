package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Hara602/idGuard/internal/analysis"
	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/record"
	"github.com/Hara602/idGuard/internal/statedb"
	"github.com/Hara602/idGuard/internal/sysutil"
	"go.uber.org/zap"
)

// Options 由 GuardianCore 在会话开始时组装，之后不再变化
type Options struct {
	Host     config.Host
	Target   model.TargetIdentity
	Monitors model.Monitors
	Identity model.IdentityFunc
	DB       *statedb.DB
	Logger   *zap.Logger
}

// pollWatcher 轮询是正确性的唯一依据：编辑器常用 temp-then-rename 写法，原生通知并不可靠
type pollWatcher struct {
	opts       Options
	store      *record.Store
	classifier *analysis.Classifier
	log        *zap.Logger

	mu       sync.Mutex
	lastGood record.Fingerprint
}

func newPollWatcher(opts Options) (*pollWatcher, error) {
	if err := opts.Target.Validate(); err != nil {
		return nil, err
	}
	if opts.Identity == nil {
		opts.Identity = model.PlainIdentity
	}
	w := &pollWatcher{opts: opts, log: sysutil.OrNop(opts.Logger).Named("watcher")}
	if opts.Host.RecordFile != "" {
		w.store = record.NewStore(opts.Host.RecordFile)
		w.classifier = analysis.NewClassifier(opts.Host.RecordFile, record.TempPrefix(opts.Host.RecordFile),
			opts.Host.BackupPatterns, opts.Host.SwapSuffixes)
	}
	return w, nil
}

func (w *pollWatcher) want(field string) string {
	return w.opts.Identity(w.opts.Target.DeviceID, field)
}

func (w *pollWatcher) Scan(ctx context.Context) Result {
	var res Result
	mon := w.opts.Monitors

	if w.store != nil && (mon.File || mon.Backup) {
		w.scanSiblings(&res)
	}
	if w.store != nil && mon.File {
		w.scanRecord(&res)
	}
	if mon.Database && w.opts.DB != nil && ctx.Err() == nil {
		w.scanDatabase(ctx, &res)
	}
	return res
}

// scanSiblings 交换文件立即触发；备份文件零容忍，与内容无关
func (w *pollWatcher) scanSiblings(res *Result) {
	dir := filepath.Dir(w.store.Path())
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			res.Errors = append(res.Errors, &ArtifactError{Artifact: model.ArtifactBackup, Path: dir, Err: err})
		}
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		switch w.classifier.Classify(name) {
		case analysis.SiblingSwap:
			if w.opts.Monitors.File {
				res.Drifts = append(res.Drifts, model.DriftEvent{Artifact: model.ArtifactSwap, Path: path})
			}
		case analysis.SiblingBackup:
			if w.opts.Monitors.Backup {
				res.Drifts = append(res.Drifts, model.DriftEvent{Artifact: model.ArtifactBackup, Path: path})
			}
		}
	}
}

func (w *pollWatcher) scanRecord(res *Result) {
	path := w.store.Path()
	data, _, err := w.store.ReadRaw()
	if err != nil {
		if guarderr.Is(err, guarderr.KindNotFound) {
			// 宿主还没写过这个文件
			return
		}
		res.Errors = append(res.Errors, &ArtifactError{Artifact: model.ArtifactRecord, Path: path, Err: err})
		return
	}

	fp := record.Sum(data)
	w.mu.Lock()
	unchanged := fp == w.lastGood
	w.mu.Unlock()
	if unchanged {
		return
	}

	r, err := record.Parse(data)
	if err != nil {
		// 解析失败：跳过本周期，绝不盲目覆盖
		res.Errors = append(res.Errors, &ArtifactError{Artifact: model.ArtifactRecord, Path: path, Err: err})
		return
	}

	diverged := r.Diverged(w.opts.Host.IdentityFields, w.want)
	if len(diverged) == 0 {
		w.mu.Lock()
		w.lastGood = fp
		w.mu.Unlock()
		return
	}
	observed, _ := r.Get(diverged[0])
	w.log.Debug("record drift", zap.String("path", path), zap.Strings("fields", diverged))
	res.Drifts = append(res.Drifts, model.DriftEvent{
		Artifact: model.ArtifactRecord,
		Path:     path,
		Key:      strings.Join(diverged, ","),
		Observed: observed,
	})
}

func (w *pollWatcher) scanDatabase(ctx context.Context, res *Result) {
	drifts, err := w.opts.DB.Scan(ctx, func(key string) string { return w.want(key) })
	if err != nil {
		if guarderr.Is(err, guarderr.KindNotFound) {
			return
		}
		res.Errors = append(res.Errors, &ArtifactError{Artifact: model.ArtifactDatabase, Path: w.opts.DB.Path(), Err: err})
		return
	}
	for _, d := range drifts {
		res.Drifts = append(res.Drifts, model.DriftEvent{
			Artifact: model.ArtifactDatabase,
			Path:     w.opts.DB.Path(),
			Key:      d.Key,
			Observed: d.Value,
		})
	}
}
