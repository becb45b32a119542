package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"pilot/pkg/protocol"
)

// Paths holds all resolved pilot state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.pilot or PILOT_HOME
	ConfigPath  string // config.yaml or PILOT_CONFIG
	StateDBPath string // state.db or PILOT_DB_PATH
	PricingPath string // pricing.toml
}

// ResolvePaths returns all pilot paths, respecting env var overrides.
// Environment variables:
//   - PILOT_HOME: base directory for all pilot state (default: ~/.pilot)
//   - PILOT_CONFIG: config file (default: $PILOT_HOME/config.yaml)
//   - PILOT_DB_PATH: session and checkpoint database (default: $PILOT_HOME/state.db)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:        home,
		ConfigPath:  resolvePathWithEnv("PILOT_CONFIG", home, "config.yaml"),
		StateDBPath: resolvePathWithEnv("PILOT_DB_PATH", home, "state.db"),
		PricingPath: filepath.Join(home, "pricing.toml"),
	}, nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("PILOT_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.PilotDir), nil
}

func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}

// Workspace is the pilot-owned storage of one workspace. Nothing is ever
// written inside Root itself.
type Workspace struct {
	Root           string // the live workspace (checkpoint work tree)
	Key            string // stable id derived from Root
	Dir            string // $PILOT_HOME/workspaces/<key>
	PermissionsDir string // watched for approval requests
	BackupDir      string // checkpoint git dir
	RulesPath      string // always-allow rules
	MCPConfigPath  string // generated --mcp-config file
}

// Workspace resolves the storage layout for the workspace at root.
func (p *Paths) Workspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", root, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	sum := sha256.Sum256([]byte(abs))
	key := filepath.Base(abs) + "-" + hex.EncodeToString(sum[:])[:12]
	dir := filepath.Join(p.Home, protocol.WorkspacesDir, key)
	return &Workspace{
		Root:           abs,
		Key:            key,
		Dir:            dir,
		PermissionsDir: filepath.Join(dir, protocol.PermissionsDir),
		BackupDir:      filepath.Join(dir, protocol.BackupRepoDir),
		RulesPath:      filepath.Join(dir, protocol.RulesFile),
		MCPConfigPath:  filepath.Join(dir, protocol.MCPConfigFile),
	}, nil
}

// Ensure creates the workspace storage directories.
func (w *Workspace) Ensure() error {
	for _, d := range []string{w.Dir, w.PermissionsDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
