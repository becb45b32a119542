package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pilot/pkg/protocol"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PILOT_HOME", "PILOT_CONFIG", "PILOT_DB_PATH", "PILOT_CLAUDE_PATH", "PILOT_MODEL"} {
		t.Setenv(k, "")
	}
}

func TestResolvePaths_Defaults(t *testing.T) {
	clearEnv(t)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("get home dir: %v", err)
	}
	paths, err := ResolvePaths()
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	base := filepath.Join(home, protocol.PilotDir)
	if paths.Home != base {
		t.Errorf("Home = %q, want %q", paths.Home, base)
	}
	if paths.ConfigPath != filepath.Join(base, "config.yaml") {
		t.Errorf("ConfigPath = %q", paths.ConfigPath)
	}
	if paths.StateDBPath != filepath.Join(base, "state.db") {
		t.Errorf("StateDBPath = %q", paths.StateDBPath)
	}
}

func TestResolvePaths_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PILOT_HOME", "/custom/pilot")
	t.Setenv("PILOT_DB_PATH", "/data/state.db")

	paths, err := ResolvePaths()
	if err != nil {
		t.Fatal(err)
	}
	if paths.Home != "/custom/pilot" {
		t.Errorf("Home = %q", paths.Home)
	}
	if paths.ConfigPath != "/custom/pilot/config.yaml" {
		t.Errorf("ConfigPath = %q, want it under PILOT_HOME", paths.ConfigPath)
	}
	if paths.StateDBPath != "/data/state.db" {
		t.Errorf("StateDBPath = %q, want PILOT_DB_PATH", paths.StateDBPath)
	}
}

func TestWorkspace(t *testing.T) {
	home := t.TempDir()
	paths := &Paths{Home: home}
	root := filepath.Join(t.TempDir(), "myproject")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	ws, err := paths.Workspace(root)
	if err != nil {
		t.Fatalf("Workspace: %v", err)
	}
	if !strings.HasPrefix(ws.Key, "myproject-") {
		t.Errorf("Key = %q, want myproject- prefix", ws.Key)
	}
	if ws.Dir != filepath.Join(home, protocol.WorkspacesDir, ws.Key) {
		t.Errorf("Dir = %q", ws.Dir)
	}
	if ws.BackupDir != filepath.Join(ws.Dir, protocol.BackupRepoDir) {
		t.Errorf("BackupDir = %q", ws.BackupDir)
	}
	if strings.HasPrefix(ws.Dir, ws.Root) {
		t.Error("storage must live outside the workspace")
	}

	again, err := paths.Workspace(root + "/.")
	if err != nil {
		t.Fatal(err)
	}
	if again.Key != ws.Key {
		t.Errorf("Key not stable: %q vs %q", again.Key, ws.Key)
	}
	other, err := paths.Workspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if other.Key == ws.Key {
		t.Error("different workspaces share a key")
	}

	if err := ws.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if info, err := os.Stat(ws.PermissionsDir); err != nil || !info.IsDir() {
		t.Errorf("permissions dir not created: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
	if cfg.PermissionTimeout != 30*time.Second || cfg.KillGrace != 2*time.Second {
		t.Errorf("timeouts = %v / %v", cfg.PermissionTimeout, cfg.KillGrace)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `executable: /opt/claude
model: claude-opus-4-6
yolo: true
thinking: think-hard
permission_timeout: 10s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PILOT_MODEL", "claude-haiku-4-5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executable != "/opt/claude" || !cfg.YOLO || cfg.Thinking != "think-hard" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Model != "claude-haiku-4-5" {
		t.Errorf("Model = %q, want env override", cfg.Model)
	}
	if cfg.PermissionTimeout != 10*time.Second {
		t.Errorf("PermissionTimeout = %v", cfg.PermissionTimeout)
	}
	if cfg.KillGrace != 2*time.Second {
		t.Errorf("KillGrace = %v, want default kept", cfg.KillGrace)
	}

	t.Setenv("PILOT_CLAUDE_PATH", "/usr/bin/claude")
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executable != "/usr/bin/claude" {
		t.Errorf("Executable = %q, want env override", cfg.Executable)
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"bad yaml":         "executable: [",
		"negative timeout": "permission_timeout: -1s\n",
		"empty executable": "executable: \"\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Model = protocol.ModelOpus
	data, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "permission_timeout: 30s") {
		t.Errorf("durations should render as strings:\n%s", data)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Errorf("round trip = %+v, want %+v", back, cfg)
	}
}
