package permission

import (
	"encoding/json"
	"strings"

	"github.com/gobwas/glob"
)

// ShellTool is the agent tool whose input carries a shell command.
const ShellTool = "Bash"

// commandPrefixes are the two-token command prefixes that reduce to a
// wildcard pattern when always-allowed.
var commandPrefixes = [][2]string{ //nolint:gochecknoglobals // fixed table
	{"npm", "install"}, {"npm", "i"}, {"npm", "add"}, {"npm", "remove"}, {"npm", "uninstall"},
	{"npm", "update"}, {"npm", "run"}, {"npm", "test"},
	{"yarn", "add"}, {"yarn", "remove"}, {"yarn", "install"}, {"yarn", "run"},
	{"pnpm", "install"}, {"pnpm", "add"}, {"pnpm", "remove"}, {"pnpm", "run"},
	{"pip", "install"}, {"pip3", "install"}, {"python", "-m"}, {"python3", "-m"},
	{"go", "build"}, {"go", "test"}, {"go", "run"}, {"go", "get"}, {"go", "mod"},
	{"cargo", "build"}, {"cargo", "test"}, {"cargo", "run"}, {"cargo", "add"}, {"cargo", "install"},
	{"git", "add"}, {"git", "commit"}, {"git", "checkout"}, {"git", "switch"}, {"git", "branch"},
	{"git", "merge"}, {"git", "rebase"}, {"git", "pull"}, {"git", "push"}, {"git", "stash"},
	{"git", "reset"}, {"git", "restore"}, {"git", "tag"},
	{"docker", "build"}, {"docker", "run"}, {"docker", "compose"}, {"docker", "stop"}, {"docker", "start"},
	{"make", "build"}, {"make", "test"},
	{"mvn", "compile"}, {"mvn", "test"}, {"mvn", "package"},
	{"gradle", "build"}, {"gradle", "test"},
}

// shellControl are the substrings that chain or substitute commands. A
// command containing one never matches a wildcard pattern.
var shellControl = []string{"&&", "||", ";", "|", "`", "$(", ">", "<", "\n"} //nolint:gochecknoglobals // fixed table

// CommandPattern reduces command to the pattern stored for an always-allow
// rule: "<tok1> <tok2> *" for a known prefix, otherwise the normalized
// command itself.
func CommandPattern(command string) string {
	fields := strings.Fields(command)
	if len(fields) >= 2 {
		for _, p := range commandPrefixes {
			if fields[0] == p[0] && fields[1] == p[1] {
				return p[0] + " " + p[1] + " *"
			}
		}
	}
	return strings.Join(fields, " ")
}

// MatchCommand reports whether command is covered by pattern. Only the
// "<tok1> <tok2> *" patterns built from the prefix table are wildcards; any
// other pattern is a verbatim command and matches exactly after whitespace
// normalization, even when it contains "*".
func MatchCommand(pattern, command string) bool {
	normalized := strings.Join(strings.Fields(command), " ")
	if !isPrefixPattern(pattern) {
		return pattern == normalized
	}
	for _, op := range shellControl {
		if strings.Contains(command, op) {
			return false
		}
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(normalized)
}

// isPrefixPattern reports whether pattern is one CommandPattern produces
// for a prefix table entry.
func isPrefixPattern(pattern string) bool {
	for _, p := range commandPrefixes {
		if pattern == p[0]+" "+p[1]+" *" {
			return true
		}
	}
	return false
}

// commandOf extracts the "command" field of a shell tool input.
func commandOf(input json.RawMessage) string {
	var in struct {
		Command string `json:"command"`
	}
	if len(input) == 0 || json.Unmarshal(input, &in) != nil {
		return ""
	}
	return in.Command
}
