package approvaltool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pilot/internal/fsutil"
	"pilot/pkg/protocol"
)

type serverEntry struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type mcpConfig struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// WriteConfig writes the --mcp-config file that registers executable's
// permission-server subcommand, watching dir, as the agent's approval tool.
func WriteConfig(path, executable, dir string) error {
	cfg := mcpConfig{MCPServers: map[string]serverEntry{
		protocol.PermissionServerName: {
			Command: executable,
			Args:    []string{"permission-server", "--dir", dir},
		},
	}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal mcp config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create mcp config dir: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
