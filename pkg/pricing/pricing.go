// Package pricing converts token counts into dollar cost using named
// per-million-token pricing tiers.
package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"pilot/pkg/protocol"
)

// Cache token multipliers relative to the input price.
const (
	cacheCreationFactor = 0.25
	cacheReadFactor     = 0.10
	perMillion          = 1_000_000
)

// Tier is the price of one million tokens in dollars.
type Tier struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Table maps a tier name to its prices. A model matches a tier when the
// tier name occurs in the model id (e.g. "sonnet" in
// "claude-sonnet-4-5-20250929").
type Table struct {
	Tiers   map[string]Tier `toml:"tiers"`
	Default string          `toml:"default"`
}

// DefaultTier is used when neither the model nor Table.Default resolve.
var DefaultTier = Tier{Input: 3, Output: 15} //nolint:gochecknoglobals // fixed fallback

// DefaultTable returns the built-in tiers.
func DefaultTable() Table {
	return Table{
		Tiers: map[string]Tier{
			"opus":   {Input: 15, Output: 75},
			"sonnet": {Input: 3, Output: 15},
			"haiku":  {Input: 0.8, Output: 4},
		},
		Default: "sonnet",
	}
}

// Lookup returns the tier for model. The longest matching tier name wins so
// that overrides like "sonnet-4-5" take precedence over "sonnet".
func (t Table) Lookup(model string) Tier {
	model = strings.ToLower(model)
	best, bestLen := "", 0
	for name := range t.Tiers {
		if name != "" && strings.Contains(model, strings.ToLower(name)) && len(name) > bestLen {
			best, bestLen = name, len(name)
		}
	}
	if best != "" {
		return t.Tiers[best]
	}
	if tier, ok := t.Tiers[t.Default]; ok {
		return tier
	}
	return DefaultTier
}

// Cost computes the dollar cost of u at tier.
func Cost(u protocol.Usage, tier Tier) float64 {
	total := float64(u.InputTokens)*tier.Input +
		float64(u.OutputTokens)*tier.Output +
		float64(u.CacheCreationTokens)*tier.Input*cacheCreationFactor +
		float64(u.CacheReadTokens)*tier.Input*cacheReadFactor
	return total / perMillion
}

// LoadFile reads TOML overrides from path and merges them over the built-in
// table. A missing file yields the built-in table.
//
//	default = "sonnet"
//	[tiers.sonnet]
//	input = 3.0
//	output = 15.0
func LoadFile(path string) (Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return table, nil
		}
		return table, fmt.Errorf("read pricing %s: %w", path, err)
	}

	var override Table
	if err := toml.Unmarshal(data, &override); err != nil {
		return table, fmt.Errorf("parse pricing %s: %w", path, err)
	}
	for name, tier := range override.Tiers {
		table.Tiers[name] = tier
	}
	if override.Default != "" {
		table.Default = override.Default
	}
	return table, nil
}
