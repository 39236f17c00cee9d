// Package policy evaluates declarative output contracts written in rego.
package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
)

// DenyQuery is the rule every contract module is expected to define: a set
// of human readable rejection reasons.
const DenyQuery = "data.contracts.deny"

// Engine is a prepared OPA query over a single contract module.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles policyContent. The module must declare package contracts.
func NewEngine(ctx context.Context, name, policyContent string) (*Engine, error) {
	if name == "" {
		name = "contract"
	}
	r := rego.New(
		rego.Query(DenyQuery),
		rego.Module(name+".rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the sorted deny reasons produced for input. An empty
// result means the input satisfies the contract.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) ([]string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// deny undefined: nothing to reject
		return nil, nil
	}

	var reasons []string
	switch val := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, item := range val {
			reasons = append(reasons, fmt.Sprint(item))
		}
	case string:
		reasons = append(reasons, val)
	case bool:
		if val {
			reasons = append(reasons, "denied by policy")
		}
	default:
		return nil, fmt.Errorf("unexpected deny value of type %T", val)
	}
	sort.Strings(reasons)
	return reasons, nil
}

// CitationPolicy is a sample contract requiring at least one citation URL
// in metadata.citations.
const CitationPolicy = `
package contracts

deny contains msg if {
	count(object.get(input.metadata, "citations", [])) == 0
	msg := "missing metadata.citations"
}

deny contains msg if {
	some c in object.get(input.metadata, "citations", [])
	not startswith(c, "http")
	msg := sprintf("citation %v is not a URL", [c])
}
`
