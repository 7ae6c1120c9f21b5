package lower

import "github.com/wippyai/i64shim/scan"

// Config selects which imports are lowered.
type Config struct {
	// Only limits lowering to imports matching one of these rules. Empty
	// lowers every import whose signature uses i64.
	Only Rules

	// Skip excludes matching imports even when Only selects them.
	Skip Rules
}

// selection is the outcome of applying a Config to one import.
type selection struct {
	selected bool
	rule     string // Only rule that selected the import, or Skip rule that excluded it
}

func (c Config) selects(imp scan.Import) selection {
	var sel selection
	if len(c.Only) > 0 {
		r, ok := c.Only.Match(imp)
		if !ok {
			return sel
		}
		sel.rule = r.Pattern
	}
	if r, ok := c.Skip.Match(imp); ok {
		return selection{rule: r.Pattern}
	}
	sel.selected = true
	return sel
}
