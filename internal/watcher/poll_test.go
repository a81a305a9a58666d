package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hara602/idGuard/internal/config"
	"github.com/Hara602/idGuard/internal/guarderr"
	"github.com/Hara602/idGuard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, mon model.Monitors) (Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	host := config.Host{
		RecordFile:     filepath.Join(dir, "storage.json"),
		IdentityFields: []string{"identity"},
		BackupPatterns: []string{"{base}.bak*", "{base}.[0-9]*"},
		SwapSuffixes:   []string{".vsctmp"},
	}
	w, err := New(Options{
		Host:     host,
		Target:   model.TargetIdentity{DeviceID: "AAA", SelectedHost: "test"},
		Monitors: mon,
	})
	require.NoError(t, err)
	return w, dir
}

func kinds(drifts []model.DriftEvent) map[model.ArtifactKind]int {
	out := map[model.ArtifactKind]int{}
	for _, d := range drifts {
		out[d.Artifact]++
	}
	return out
}

func TestScanAbsentRecordIsQuiet(t *testing.T) {
	w, _ := newTestWatcher(t, model.AllMonitors())
	res := w.Scan(context.Background())
	assert.Empty(t, res.Drifts)
	assert.Empty(t, res.Errors)
}

func TestScanDetectsAllClasses(t *testing.T) {
	w, dir := newTestWatcher(t, model.AllMonitors())
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	write("storage.json", `{"identity":"ZZZ","other":"keep-me"}`)
	write("storage.json.bak", `{"identity":"AAA"}`)
	write("storage.json.1", `whatever`)
	write("storage.json.vsctmp", `{}`)
	write("unrelated.json", `{}`)

	res := w.Scan(context.Background())
	assert.Empty(t, res.Errors)
	assert.Equal(t, map[model.ArtifactKind]int{
		model.ArtifactRecord: 1,
		model.ArtifactBackup: 2,
		model.ArtifactSwap:   1,
	}, kinds(res.Drifts))

	for _, d := range res.Drifts {
		if d.Artifact == model.ArtifactRecord {
			assert.Equal(t, "identity", d.Key)
			assert.Equal(t, "ZZZ", d.Observed)
		}
	}
}

func TestScanRespectsMonitorSet(t *testing.T) {
	w, dir := newTestWatcher(t, model.Monitors{Backup: true})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.json"), []byte(`{"identity":"ZZZ"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.json.bak"), []byte(`x`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "storage.json.vsctmp"), []byte(`x`), 0o600))

	res := w.Scan(context.Background())
	assert.Equal(t, map[model.ArtifactKind]int{model.ArtifactBackup: 1}, kinds(res.Drifts))
}

func TestScanConvergedAndCorrupt(t *testing.T) {
	w, dir := newTestWatcher(t, model.AllMonitors())
	path := filepath.Join(dir, "storage.json")

	require.NoError(t, os.WriteFile(path, []byte(`{"identity":"AAA"}`), 0o600))
	assert.Empty(t, w.Scan(context.Background()).Drifts)
	// 快照命中时直接跳过
	assert.Empty(t, w.Scan(context.Background()).Drifts)

	require.NoError(t, os.WriteFile(path, []byte(`{"identity":`), 0o600))
	res := w.Scan(context.Background())
	assert.Empty(t, res.Drifts, "corrupt record is never reported as drift")
	require.Len(t, res.Errors, 1)
	assert.Equal(t, guarderr.KindCorruptRecord, guarderr.Classify(res.Errors[0]))
	assert.Equal(t, model.ArtifactRecord, res.Errors[0].Artifact)
}

func TestNewRejectsEmptyTarget(t *testing.T) {
	_, err := New(Options{Target: model.TargetIdentity{SelectedHost: "x"}})
	assert.Error(t, err)
}
