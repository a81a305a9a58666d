package guardian

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/eventlog"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

// openHostDB 模拟宿主：WAL 模式，连接一直保持打开
func openHostDB(t *testing.T, path string, rows map[string]string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode))
	require.Equal(t, "wal", mode)
	_, err = db.Exec(`CREATE TABLE ItemTable (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)`)
	require.NoError(t, err)
	for k, v := range rows {
		_, err := db.Exec(`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, k, v)
		require.NoError(t, err)
	}
	return db
}

func hostValue(t *testing.T, db *sql.DB, key string) string {
	var v string
	require.NoError(t, db.QueryRow(`SELECT value FROM ItemTable WHERE key = ?`, key).Scan(&v))
	return v
}

func newDBCore(t *testing.T, dir string, interval time.Duration) *Core {
	s := config.Defaults()
	s.PollInterval = interval
	s.NativeHints = true
	host := config.Host{
		RecordFile:     filepath.Join(dir, "storage.json"),
		DatabaseFile:   filepath.Join(dir, "state.vscdb"),
		IdentityFields: []string{"identity"},
		BackupPatterns: []string{"{base}.bak*"},
		DBTable:        "ItemTable",
		DBRules:        []config.DBRule{{Pattern: "telemetry.devDeviceId", Action: config.ActionUpdate}},
	}
	cfg := model.NewGuardConfig(model.TargetIdentity{DeviceID: "AAA", SelectedHost: "test"},
		model.AllMonitors(), "s-db", os.Getpid(), time.Now())
	c, err := New(Options{
		Config:   cfg,
		Host:     host,
		Settings: s,
		EventLog: eventlog.Open(filepath.Join(t.TempDir(), "events.log"), 0),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func TestHintsDoNotRetriggerOnWALDatabase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.json"), []byte(`{"identity":"AAA"}`), 0o644))
	openHostDB(t, filepath.Join(dir, "state.vscdb"), map[string]string{"telemetry.devDeviceId": "AAA"})

	const interval = 100 * time.Millisecond
	c := newDBCore(t, dir, interval)
	require.NoError(t, c.Start(context.Background()))
	time.Sleep(time.Second)
	c.Stop()

	// 没有真实变化：启动 1 次 + 每周期 1 次，留少量余量
	ticks := c.ticks.Load()
	assert.GreaterOrEqual(t, ticks, int64(5))
	assert.LessOrEqual(t, ticks, int64(1+10+3), "ticks=%d", ticks)
}

func TestCoreConvergesDatabaseRows(t *testing.T) {
	dir := t.TempDir()
	host := openHostDB(t, filepath.Join(dir, "state.vscdb"), map[string]string{
		"telemetry.devDeviceId": "ZZZ",
		"workbench.theme":       "dark",
	})

	c := newDBCore(t, dir, 50*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return hostValue(t, host, "telemetry.devDeviceId") == "AAA" },
		2*time.Second, 20*time.Millisecond)

	// 宿主再次改写，下一个周期内恢复
	_, err := host.Exec(`UPDATE ItemTable SET value = 'YYY' WHERE key = 'telemetry.devDeviceId'`)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hostValue(t, host, "telemetry.devDeviceId") == "AAA" },
		2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "dark", hostValue(t, host, "workbench.theme"))
	assert.GreaterOrEqual(t, c.Stats().RowsRestored, 2)
}

func TestHintFilter(t *testing.T) {
	f := hintFilter(config.Host{
		RecordFile:   "/cfg/storage.json",
		DatabaseFile: "/cfg/state.vscdb",
	})
	for name, want := range map[string]bool{
		"storage.json":              true,
		"storage.json.bak":          true,
		"storage.json.vsctmp":       true,
		".storage.json.guard-12345": false,
		"state.vscdb":               true,
		"state.vscdb-wal":           false,
		"state.vscdb-shm":           false,
		"state.vscdb-journal":       false,
		"settings.json":             false,
	} {
		assert.Equal(t, want, f(name), name)
	}
}
