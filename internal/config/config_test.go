package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsResolveBuiltinHosts(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.Validate())
	assert.Equal(t, []string{"cursor", "vscode"}, s.HostKeys())

	h, err := s.Resolve("cursor")
	require.NoError(t, err)
	assert.Equal(t, "storage.json", filepath.Base(h.RecordFile))
	assert.Equal(t, "state.vscdb", filepath.Base(h.DatabaseFile))
	assert.Contains(t, h.IdentityFields, "telemetry.devDeviceId")
	assert.Equal(t, []string{"cursorAuth/%"}, h.ProtectedKeys)

	_, err = s.Resolve("notepad")
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardian.yaml")
	yml := `
poll_interval: 500ms
native_hints: false
hosts:
  vscode:
    record_file: /tmp/x/storage.json
  myide:
    record_file: /opt/myide/state.json
    identity_fields: [identity]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, s.PollInterval)
	assert.False(t, s.NativeHints)
	assert.Equal(t, 5*time.Second, s.StopTimeout)

	vs, err := s.Resolve("vscode")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x/storage.json", vs.RecordFile)
	assert.Equal(t, "state.vscdb", filepath.Base(vs.DatabaseFile), "unset fields keep the builtin value")

	my, err := s.Resolve("myide")
	require.NoError(t, err)
	assert.Equal(t, []string{"identity"}, my.IdentityFields)
	assert.Equal(t, "ItemTable", my.DBTable)
}

func TestValidateRejectsUnscopedRule(t *testing.T) {
	s := Defaults()
	h := s.Hosts["vscode"]
	h.DBRules = []DBRule{{Pattern: "%%", Action: ActionPurge}}
	s.Hosts["vscode"] = h
	assert.Error(t, s.Validate())
}

func TestLoadEmptyPath(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().PollInterval, s.PollInterval)
}
