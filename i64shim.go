package i64shim

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/i64shim/lower"
	"github.com/wippyai/i64shim/patch"
	"github.com/wippyai/i64shim/scan"
	"github.com/wippyai/i64shim/verify"
)

// Config configures Transform.
type Config struct {
	// Only limits lowering to imports matching these patterns
	// ("module.name", "name", "module.*", "*" or WIT "ns:pkg/iface#name").
	Only []string

	// Skip excludes imports matching these patterns.
	Skip []string

	// Verify compiles the output with wazero and reports remaining i64 imports.
	Verify bool

	// Strict fails the transform if any imported function still uses i64.
	// Implies Verify.
	Strict bool
}

// Result is the outcome of Transform.
type Result struct {
	Output       []byte
	Plan         patch.Plan
	Affected     []lower.Affected
	Skipped      []lower.Skipped
	Warnings     []string
	Patch        *patch.Result
	Verification *verify.Report
}

// Changed reports whether any import was lowered.
func (r *Result) Changed() bool {
	return len(r.Affected) > 0
}

// Transform lowers the i64 imports of a WebAssembly module. The input is not
// modified.
func Transform(ctx context.Context, data []byte, cfg Config) (*Result, error) {
	m, err := scan.Scan(data)
	if err != nil {
		return nil, err
	}

	only, err := lower.ParseRules("only", cfg.Only)
	if err != nil {
		return nil, err
	}
	skip, err := lower.ParseRules("skip", cfg.Skip)
	if err != nil {
		return nil, err
	}

	gen, err := lower.Generate(m, lower.Config{Only: only, Skip: skip})
	if err != nil {
		return nil, err
	}

	applied, err := patch.ApplyWithResult(data, &gen.Plan)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Output:   applied.Output,
		Plan:     gen.Plan,
		Affected: gen.Affected,
		Skipped:  gen.Skipped,
		Warnings: gen.Warnings,
		Patch:    applied,
	}

	if cfg.Verify || cfg.Strict {
		report, err := verify.Check(ctx, res.Output, verify.Config{Strict: cfg.Strict})
		res.Verification = report
		if err != nil {
			return res, err
		}
	}

	Logger().Info("transform complete",
		zap.Int("affected", len(res.Affected)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Int("input", len(data)),
		zap.Int("output", len(res.Output)))
	return res, nil
}
