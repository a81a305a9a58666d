package config

import (
	"os"
	"path/filepath"
)

var telemetryFields = []string{
	"telemetry.machineId",
	"telemetry.macMachineId",
	"telemetry.devDeviceId",
	"telemetry.sqmId",
	"storage.serviceMachineId",
}

// defaultHostShape VS Code 系编辑器的公共部分，路径除外
func defaultHostShape() Host {
	rules := make([]DBRule, 0, len(telemetryFields))
	for _, f := range telemetryFields {
		rules = append(rules, DBRule{Pattern: f, Action: ActionUpdate})
	}
	return Host{
		IdentityFields: append([]string(nil), telemetryFields...),
		BackupPatterns: []string{"{base}.bak*", "{base}.backup*", "{base}.old", "{base}.[0-9]*"},
		SwapSuffixes:   []string{".vsctmp", ".tmp", ".swp", "~"},
		DBTable:        "ItemTable",
		DBRules:        rules,
	}
}

// builtinHosts 只内置 vscode 和 cursor，其它宿主通过设置文件补充
func builtinHosts() map[string]Host {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	hosts := make(map[string]Host)
	for key, dir := range map[string]string{"vscode": "Code", "cursor": "Cursor"} {
		h := defaultHostShape()
		global := filepath.Join(base, dir, "User", "globalStorage")
		h.RecordFile = filepath.Join(global, "storage.json")
		h.DatabaseFile = filepath.Join(global, "state.vscdb")
		if key == "cursor" {
			h.ProtectedKeys = []string{"cursorAuth/%"}
		}
		hosts[key] = h
	}
	return hosts
}
