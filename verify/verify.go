// Package verify compiles a module with wazero and reports imported functions
// whose signatures still use i64.
package verify

import (
	"context"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/i64shim/errors"
)

// Config controls verification.
type Config struct {
	// CoreFeatures enabled for compilation. Zero means api.CoreFeaturesV2.
	CoreFeatures api.CoreFeatures

	// Strict makes any remaining i64 import an error.
	Strict bool

	// Interpreter compiles with the interpreter instead of the compiler.
	Interpreter bool
}

// Import is an imported function as seen by the runtime.
type Import struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// UsesI64 reports whether any parameter or result is i64.
func (i Import) UsesI64() bool {
	for _, t := range i.Params {
		if t == api.ValueTypeI64 {
			return true
		}
	}
	for _, t := range i.Results {
		if t == api.ValueTypeI64 {
			return true
		}
	}
	return false
}

// Signature renders the import's type as "(i32, i32) -> (i32)".
func (i Import) Signature() string {
	return "(" + typeNames(i.Params) + ") -> (" + typeNames(i.Results) + ")"
}

func typeNames(types []api.ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

// Report is the outcome of Check.
type Report struct {
	Imports   []Import // All imported functions
	Remaining []Import // Imported functions still using i64
}

// OK reports whether no imported function uses i64.
func (r *Report) OK() bool {
	return len(r.Remaining) == 0
}

// Check compiles module and inspects its imported functions. A module that
// does not compile is an error. With cfg.Strict, remaining i64 imports are
// reported as *errors.LoweringRemainsError alongside the report.
func Check(ctx context.Context, module []byte, cfg Config) (*Report, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	}
	features := cfg.CoreFeatures
	if features == 0 {
		features = api.CoreFeaturesV2
	}
	runtimeCfg = runtimeCfg.WithCoreFeatures(features)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	defer r.Close(ctx)

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseVerify, errors.KindInvalidData, nil, err, "module does not compile")
	}
	defer compiled.Close(ctx)

	report := &Report{}
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		imp := Import{
			Module:  moduleName,
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		}
		report.Imports = append(report.Imports, imp)
		if imp.UsesI64() {
			report.Remaining = append(report.Remaining, imp)
		}
	}

	log := Logger()
	for _, imp := range report.Remaining {
		log.Warn("imported function still uses i64",
			zap.String("module", imp.Module),
			zap.String("name", imp.Name),
			zap.String("signature", imp.Signature()))
	}
	log.Debug("module verified",
		zap.Int("imports", len(report.Imports)),
		zap.Int("remaining", len(report.Remaining)))

	if cfg.Strict && !report.OK() {
		remaining := make([]errors.RemainingImport, len(report.Remaining))
		for i, imp := range report.Remaining {
			remaining[i] = errors.RemainingImport{Module: imp.Module, Name: imp.Name, Signature: imp.Signature()}
		}
		return report, &errors.LoweringRemainsError{Imports: remaining}
	}
	return report, nil
}
