package evolution

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// #region policy
// DefaultRegenerateEvery is the change interval of the default policy.
const DefaultRegenerateEvery = 10

// PolicyInput describes a domain right after a history-appending change.
type PolicyInput struct {
	DomainID string
	// Changes counts history-appending changes since registration.
	Changes int
	// HistoryLen is the retained history length after the change.
	HistoryLen int
}

// Policy decides whether a change triggers regeneration.
type Policy interface {
	ShouldRegenerate(in PolicyInput) (bool, error)
}

// EveryN regenerates when the change count is a positive multiple of N.
type EveryN int

func (n EveryN) ShouldRegenerate(in PolicyInput) (bool, error) {
	return n > 0 && in.Changes > 0 && in.Changes%int(n) == 0, nil
}

// #endregion policy

// #region expr-policy
// ExprPolicy evaluates a boolean expression over the variables changes,
// history and domain, e.g. `changes % 5 == 0 && domain != "audit"`.
type ExprPolicy struct {
	source  string
	program *vm.Program
}

type exprEnv struct {
	Changes int    `expr:"changes"`
	History int    `expr:"history"`
	Domain  string `expr:"domain"`
}

// NewExprPolicy compiles expression. It fails when the expression does not
// type-check as a boolean.
func NewExprPolicy(expression string) (*ExprPolicy, error) {
	program, err := expr.Compile(expression, expr.Env(exprEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile regeneration policy: %w", err)
	}
	return &ExprPolicy{source: expression, program: program}, nil
}

// String returns the source expression.
func (p *ExprPolicy) String() string {
	return p.source
}

func (p *ExprPolicy) ShouldRegenerate(in PolicyInput) (bool, error) {
	out, err := expr.Run(p.program, exprEnv{
		Changes: in.Changes,
		History: in.HistoryLen,
		Domain:  in.DomainID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate regeneration policy: %w", err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// #endregion expr-policy
