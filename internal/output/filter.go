package output

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wheelwright-dev/wheelwright/internal/resolve"
)

// FindingEnv is the expression environment one finding is evaluated
// against.
type FindingEnv struct {
	Kind     string `expr:"kind"`
	Library  string `expr:"library"`
	Referrer string `expr:"referrer"`
	Detail   string `expr:"detail"`
}

// CompileFilter compiles a findings filter expression once, at
// startup, so a bad expression fails before any work happens.
func CompileFilter(src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(FindingEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w\nExample: kind == 'forbidden' || library startsWith 'libcuda'", err)
	}
	return program, nil
}

// FilterFindings keeps the findings the compiled expression accepts.
func FilterFindings(program *vm.Program, findings []resolve.Finding) ([]resolve.Finding, error) {
	if program == nil {
		return findings, nil
	}
	var out []resolve.Finding
	for _, f := range findings {
		keep, err := expr.Run(program, FindingEnv{
			Kind:     string(f.Kind),
			Library:  f.Library,
			Referrer: f.Referrer,
			Detail:   f.Detail,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluating filter: %w", err)
		}
		if keep.(bool) {
			out = append(out, f)
		}
	}
	return out, nil
}
