package protocol

// Directory and file name constants used throughout pilot.
const (
	// PilotDir is the user-level state directory (e.g., ~/.pilot).
	PilotDir = ".pilot"

	// WorkspacesDir holds per-workspace storage under PilotDir.
	WorkspacesDir = "workspaces"

	// PermissionsDir is the directory watched for approval request files.
	PermissionsDir = "permissions"

	// BackupRepoDir is the git dir of the checkpoint repository.
	BackupRepoDir = "backups"

	// RulesFile stores the always-allow permission rules.
	RulesFile = "permissions.json"

	// MCPConfigFile is the generated MCP config passed to the agent.
	MCPConfigFile = "mcp-servers.json"

	// RequestSuffix and ResponseSuffix name the handshake files.
	RequestSuffix  = ".request"
	ResponseSuffix = ".response"
)

// Names the agent uses to reach the approval tool.
const (
	// PermissionServerName is the MCP server key in the generated config.
	PermissionServerName = "pilot-permissions"

	// PermissionToolName is the tool exposed by the approval server.
	PermissionToolName = "approval_prompt"

	// PermissionToolRef is the fully qualified tool name the agent is given.
	PermissionToolRef = "mcp__" + PermissionServerName + "__" + PermissionToolName
)

// Model constants for pricing and invocation.
const (
	ModelOpus   = "claude-opus-4-6"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelHaiku  = "claude-haiku-4-5-20251001"
)

// DefaultModel is used for pricing when neither the config nor the agent's
// init record names a model.
const DefaultModel = ModelSonnet
