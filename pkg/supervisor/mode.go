package supervisor

import (
	"fmt"
	"strings"
)

// Thinking is the strength of the step-by-step directive.
type Thinking string

// Thinking levels, weakest first.
const (
	ThinkingOff    Thinking = ""
	ThinkingThink  Thinking = "think"
	ThinkingHard   Thinking = "think-hard"
	ThinkingHarder Thinking = "think-harder"
	ThinkingUltra  Thinking = "ultrathink"
)

// ThinkingLevels lists the accepted levels.
var ThinkingLevels = []Thinking{ThinkingThink, ThinkingHard, ThinkingHarder, ThinkingUltra} //nolint:gochecknoglobals // fixed table

// ParseThinking validates a level name. "" and "off" disable thinking.
func ParseThinking(s string) (Thinking, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "off" {
		return ThinkingOff, nil
	}
	for _, l := range ThinkingLevels {
		if string(l) == s {
			return l, nil
		}
	}
	return ThinkingOff, fmt.Errorf("unknown thinking level %q (want think, think-hard, think-harder or ultrathink)", s)
}

const planDirective = "PLAN FIRST FOR THIS MESSAGE ONLY: before changing anything, describe in detail " +
	"what you intend to do and wait for my explicit approval in a separate message.\n\n"

// Mode holds the textual directives prepended to a message.
type Mode struct {
	Plan     bool
	Thinking Thinking
}

// Apply returns message with the mode's directives prepended.
func (m Mode) Apply(message string) string {
	var b strings.Builder
	if m.Plan {
		b.WriteString(planDirective)
	}
	if m.Thinking != ThinkingOff {
		b.WriteString(strings.ToUpper(strings.ReplaceAll(string(m.Thinking), "-", " ")))
		b.WriteString(" THROUGH THIS STEP BY STEP:\n")
	}
	b.WriteString(message)
	return b.String()
}
