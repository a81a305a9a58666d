package guardian

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const interval = 20 * time.Millisecond

type fixture struct {
	dir    string
	record string
	events string
	host   config.Host
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	f := fixture{
		dir:    dir,
		record: filepath.Join(dir, "storage.json"),
		events: filepath.Join(dir, "events.log"),
	}
	f.host = config.Host{
		RecordFile:     f.record,
		IdentityFields: []string{"identity"},
		BackupPatterns: []string{"{base}.bak*", "{base}.[0-9]*"},
		SwapSuffixes:   []string{".vsctmp"},
	}
	return f
}

func (f fixture) newCore(t *testing.T, logger *zap.Logger) *Core {
	s := config.Defaults()
	s.PollInterval = interval
	s.NativeHints = false
	cfg := model.NewGuardConfig(model.TargetIdentity{DeviceID: "AAA", SelectedHost: "test"},
		model.Monitors{File: true, Backup: true}, "s-1", os.Getpid(), time.Now())
	c, err := New(Options{
		Config:   cfg,
		Host:     f.host,
		Settings: s,
		EventLog: eventlog.Open(f.events, 0),
		Logger:   logger,
	})
	require.NoError(t, err)
	return c
}

func readIdentity(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	s, _ := m["identity"].(string)
	return s
}

func TestCoreRestoresRecordAndRemovesBackups(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.record, []byte(`{"identity":"AAA","other":1}`), 0o644))

	c := f.newCore(t, zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.True(t, c.IsGuarding())

	// 宿主改写身份字段并留下备份
	require.NoError(t, os.WriteFile(f.record, []byte(`{"identity":"ZZZ","other":1}`), 0o644))
	backup := f.record + ".bak"
	require.NoError(t, os.WriteFile(backup, []byte(`{"identity":"ZZZ"}`), 0o644))

	require.Eventually(t, func() bool {
		_, err := os.Stat(backup)
		return readIdentity(t, f.record) == "AAA" && os.IsNotExist(err)
	}, time.Second, interval/2)

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.FilesRestored, 1)
	assert.GreaterOrEqual(t, stats.BackupsRemoved, 1)

	events, err := eventlog.ReadAll(f.events)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, "s-1", ev.SessionID)
	}
}

func TestCoreStartTwiceAndStopIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.newCore(t, zaptest.NewLogger(t))

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)

	c.Stop()
	assert.False(t, c.IsGuarding())
	c.Stop()
}

func TestCoreStopWithoutStart(t *testing.T) {
	f := newFixture(t)
	c := f.newCore(t, zaptest.NewLogger(t))
	c.Stop()
	assert.False(t, c.IsGuarding())
}

func TestCoreRunBlocksUntilCancelled(t *testing.T) {
	f := newFixture(t)
	c := f.newCore(t, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.IsGuarding, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.IsGuarding())
}

func TestCoreSubscribeSeesCorrections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.record, []byte(`{"identity":"ZZZ"}`), 0o644))
	c := f.newCore(t, zaptest.NewLogger(t))

	ch, cancel := c.Subscribe(8)
	defer cancel()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case ev := <-ch:
		assert.Equal(t, model.EventFileRestored, ev.Kind)
		assert.Equal(t, f.record, ev.Path)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCoreLogsLifecycle(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.InfoLevel)
	c := f.newCore(t, zap.New(core))

	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	assert.Equal(t, 1, logs.FilterMessageSnippet("started in-process").Len())
	assert.Equal(t, 1, logs.FilterMessage("guardian stopped").Len())
}

func TestNewRejectsEmptyDeviceID(t *testing.T) {
	f := newFixture(t)
	_, err := New(Options{Host: f.host, Config: model.GuardConfig{}})
	assert.Error(t, err)
}
