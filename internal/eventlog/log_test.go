package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/idGuard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(kind model.EventKind, session string) model.InterceptionEvent {
	return model.InterceptionEvent{Timestamp: time.Now().UTC(), Kind: kind, SessionID: session, Path: "/x/storage.json"}
}

func TestAppendAndReadFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := Open(path, 0)

	require.NoError(t, l.Append(ev(model.EventWorkerStarted, "s1")))
	require.NoError(t, l.Append(ev(model.EventFileRestored, "s1")))

	events, off, err := ReadFrom(path, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventFileRestored, events[1].Kind)
	assert.Equal(t, Size(path), off)

	require.NoError(t, l.Append(ev(model.EventBackupRemoved, "s1")))
	events, _, err = ReadFrom(path, off)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventBackupRemoved, events[0].Kind)
}

func TestReadToleratesTruncationAndGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := Open(path, 0)
	require.NoError(t, l.Append(ev(model.EventFileRestored, "s1")))
	off := Size(path)

	// 外部截断后偏移量失效，应从头读
	require.NoError(t, os.Truncate(path, 0))
	require.NoError(t, l.Append(ev(model.EventDBRowPurged, "s1")))
	events, _, err := ReadFrom(path, off+1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDBRowPurged, events[0].Kind)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json}\n\n{\"kind\":\"fileRes")
	require.NoError(t, err)
	f.Close()

	events, next, err := ReadFrom(path, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "garbage skipped, partial line not consumed")
	assert.Less(t, next, Size(path))
}

func TestReadMissingFile(t *testing.T) {
	events, off, err := ReadFrom(filepath.Join(t.TempDir(), "nope.log"), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, off)
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	l := Open(path, 300)
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(ev(model.EventFileRestored, "s1")))
	}
	assert.LessOrEqual(t, Size(path), int64(300))
	_, err := os.Stat(path + ".1")
	assert.NoError(t, err)
}

func TestLegacyLines(t *testing.T) {
	e, ok := ParseLine([]byte("[2024-05-01T10:00:00.000Z] Backup file detected and removed: storage.json.bak"))
	require.True(t, ok)
	assert.Equal(t, model.EventBackupRemoved, e.Kind)
	assert.Equal(t, 2024, e.Timestamp.Year())

	e, ok = ParseLine([]byte("Device ID modification detected, restoring"))
	require.True(t, ok)
	assert.Equal(t, model.EventDriftDetected, e.Kind)

	e, ok = ParseLine([]byte("storage.json restored to target"))
	require.True(t, ok)
	assert.Equal(t, model.EventFileRestored, e.Kind)

	_, ok = ParseLine([]byte("guardian heartbeat"))
	assert.False(t, ok)
}

func TestFoldBySession(t *testing.T) {
	events := []model.InterceptionEvent{
		ev(model.EventWorkerStarted, "old"),
		ev(model.EventFileRestored, "old"),
		ev(model.EventWorkerStarted, "new"),
		ev(model.EventFileRestored, "new"),
		ev(model.EventBackupRemoved, "new"),
		ev(model.EventDegraded, "new"),
		ev(model.EventRecovered, "new"),
		ev(model.EventDegraded, "new"),
	}
	var s Summary
	s.Fold(events[:4], "new")
	s.Fold(events[4:], "new")
	assert.Equal(t, 1, s.Stats.FilesRestored)
	assert.Equal(t, 1, s.Stats.BackupsRemoved)
	assert.True(t, s.Degraded)
	require.NotNil(t, s.Started)
	assert.Equal(t, "new", s.Started.SessionID)
	assert.False(t, s.Stopped)
	assert.Equal(t, model.EventBackupRemoved, s.Stats.LastEvent.Kind)

	var all Summary
	all.Fold(events, "")
	assert.Equal(t, 2, all.Stats.FilesRestored)
}

func TestSummaryAddIncremental(t *testing.T) {
	var s Summary
	s.Add(model.InterceptionEvent{Kind: model.EventWorkerStarted, SessionID: "s", DeviceID: "AAA", Host: "cursor"})
	s.Add(model.InterceptionEvent{Kind: model.EventFileRestored})
	s.Add(model.InterceptionEvent{Kind: model.EventDegraded})
	s.Add(model.InterceptionEvent{Kind: model.EventWorkerStopped})

	assert.Equal(t, 1, s.Stats.Total())
	assert.True(t, s.Degraded)
	assert.True(t, s.Stopped)
	require.NotNil(t, s.Started)
	assert.Equal(t, "AAA", s.Started.DeviceID)

	// 同一会话重新启动
	s.Add(model.InterceptionEvent{Kind: model.EventWorkerStarted, SessionID: "s", DeviceID: "BBB"})
	s.Add(model.InterceptionEvent{Kind: model.EventRecovered})
	assert.False(t, s.Stopped)
	assert.False(t, s.Degraded)
	assert.Equal(t, "BBB", s.Started.DeviceID)
	assert.Equal(t, 1, s.Stats.Total(), "lifecycle events are not counted")
}
