package enforcer

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/Hara602/idGuard/internal/statedb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

type memJournal struct {
	mu     sync.Mutex
	events []model.InterceptionEvent
}

func (j *memJournal) Append(ev model.InterceptionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memJournal) kinds() []model.EventKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []model.EventKind
	for _, e := range j.events {
		out = append(out, e.Kind)
	}
	return out
}

func newEnforcer(t *testing.T, db *statedb.DB) (*Enforcer, *memJournal) {
	j := &memJournal{}
	return New(Options{
		Fields:  []string{"identity"},
		Target:  model.TargetIdentity{DeviceID: "AAA", SelectedHost: "test"},
		DB:      db,
		Journal: j,
		Logger:  zaptest.NewLogger(t),
	}), j
}

func TestRestoreRecordScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":"ZZZ","other":"keep-me"}`), 0o644))
	e, j := newEnforcer(t, nil)

	events, err := e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactRecord, Path: path})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventFileRestored, events[0].Kind)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]string{"identity": "AAA", "other": "keep-me"}, got)
	assert.Equal(t, []model.EventKind{model.EventFileRestored}, j.kinds())
}

func TestRestoreIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":"ZZZ"}`), 0o644))
	e, j := newEnforcer(t, nil)
	d := model.DriftEvent{Artifact: model.ArtifactRecord, Path: path}

	_, err := e.Handle(context.Background(), d)
	require.NoError(t, err)
	before, err := os.Stat(path)
	require.NoError(t, err)
	content, _ := os.ReadFile(path)

	time.Sleep(20 * time.Millisecond)
	events, err := e.Handle(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, events)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "no second mutation")
	again, _ := os.ReadFile(path)
	assert.Equal(t, content, again)
	assert.Len(t, j.kinds(), 1, "no second event")
}

func TestCorruptRecordYieldsOneFailureEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"identity":`), 0o644))
	e, j := newEnforcer(t, nil)

	events, err := e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactRecord, Path: path})
	assert.Equal(t, guarderr.KindCorruptRecord, guarderr.Classify(err))
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDriftDetected, events[0].Kind)
	assert.Contains(t, events[0].Detail, "CorruptRecord")
	assert.Equal(t, []model.EventKind{model.EventDriftDetected}, j.kinds())

	data, _ := os.ReadFile(path)
	assert.Equal(t, `{"identity":`, string(data), "corrupt file is never overwritten")
}

func TestRemoveBackupAndSwap(t *testing.T) {
	dir := t.TempDir()
	bak := filepath.Join(dir, "storage.json.bak")
	swp := filepath.Join(dir, "storage.json.vsctmp")
	require.NoError(t, os.WriteFile(bak, []byte(`{"identity":"AAA"}`), 0o644))
	require.NoError(t, os.WriteFile(swp, []byte(`{"identity":"ZZZ"}`), 0o644))
	e, j := newEnforcer(t, nil)

	events, err := e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactBackup, Path: bak})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NoFileExists(t, bak)

	events, err = e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactSwap, Path: swp})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "foreign identity")
	assert.NoFileExists(t, swp)

	// 已经不存在的文件不产生事件
	events, err = e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactBackup, Path: bak})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, []model.EventKind{model.EventBackupRemoved, model.EventSwapRemoved}, j.kinds())
}

func TestRestoreDatabaseEmitsOneEventPerRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.vscdb")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO ItemTable VALUES ('identity','ZZZ'), ('junk.1','x'), ('keep','me')`)
	require.NoError(t, err)
	db.Close()

	sdb, err := statedb.New(path, "ItemTable", []config.DBRule{
		{Pattern: "identity", Action: config.ActionUpdate},
		{Pattern: "junk.%", Action: config.ActionPurge},
	}, nil, time.Second)
	require.NoError(t, err)
	e, j := newEnforcer(t, sdb)

	d := model.DriftEvent{Artifact: model.ArtifactDatabase, Path: path, Key: "identity"}
	events, err := e.Handle(context.Background(), d)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.ElementsMatch(t, []model.EventKind{model.EventDBRowRestored, model.EventDBRowPurged}, j.kinds())

	// 同一周期里的第二个数据库偏离已经没有可做的事
	events, err = e.Handle(context.Background(), model.DriftEvent{Artifact: model.ArtifactDatabase, Path: path, Key: "junk.1"})
	require.NoError(t, err)
	assert.Empty(t, events)
}
