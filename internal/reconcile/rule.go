package reconcile

import (
	"fmt"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/dvloznov/teamledger/internal/domain"
)

// Rule is a compiled boolean expression a candidate must satisfy before it is
// scored, e.g. `days_apart <= 3 && tx_method != "card_atm"`.
//
// Variables: amount, currency, inbox_type, display_name, tx_name, tx_method,
// tx_amount, tx_currency, tx_status, days_apart, cross_currency.
type Rule struct {
	source  string
	program *exprvm.Program
}

// CompileRule compiles source. An empty source yields a nil Rule that accepts
// everything.
func CompileRule(source string) (*Rule, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}
	program, err := exprlang.Compile(source,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, domain.Validationf("CompileRule", "invalid match rule %q: %v", source, err)
	}
	return &Rule{source: source, program: program}, nil
}

// String returns the rule source.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Allows evaluates the rule for one candidate pair.
func (r *Rule) Allows(item *domain.Inbox, c candidate) (bool, error) {
	if r == nil {
		return true, nil
	}
	amount, _ := item.Amount.Decimal.Float64()
	txAmount, _ := c.tx.Amount.Float64()
	env := map[string]any{
		"amount":         amount,
		"currency":       item.Currency,
		"inbox_type":     string(item.Type),
		"display_name":   item.DisplayName,
		"tx_name":        c.tx.Name,
		"tx_method":      string(c.tx.Method),
		"tx_amount":      txAmount,
		"tx_currency":    c.tx.Currency,
		"tx_status":      string(c.tx.Status),
		"days_apart":     c.daysApart,
		"cross_currency": c.cross,
	}
	out, err := exprlang.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("Allows: evaluating %q: %w", r.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
