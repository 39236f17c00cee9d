// Package contracts checks participant outputs against the structural
// requirements declared for their role before the engine accepts them.
package contracts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/roundtable/internal/policy"
)

// Requirements declares what an output of a given role must contain.
type Requirements struct {
	NonEmpty         bool     `yaml:"non_empty" json:"non_empty,omitempty"`
	MinCitations     int      `yaml:"min_citations" json:"min_citations,omitempty"`
	RequiredMetadata []string `yaml:"required_metadata" json:"required_metadata,omitempty"`
	// Policy is an optional rego module (package contracts) whose deny set
	// adds further rejection reasons.
	Policy string `yaml:"policy" json:"policy,omitempty"`
}

// Output is the proposed content of a participant record.
type Output struct {
	AgentID  string
	Role     string
	Content  json.RawMessage
	Metadata json.RawMessage
}

// Violation is returned when an output is rejected.
type Violation struct {
	AgentID string
	Role    string
	Reasons []string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("contract violation for %s (%s): %s", v.AgentID, v.Role, strings.Join(v.Reasons, "; "))
}

type rule struct {
	req    Requirements
	policy *policy.Engine
}

// Validator holds the compiled requirement set of every role.
type Validator struct {
	rules map[string]rule
}

// New compiles the requirement sets. A policy that fails to compile is a
// configuration error.
func New(ctx context.Context, requirements map[string]Requirements) (*Validator, error) {
	v := &Validator{rules: make(map[string]rule, len(requirements))}
	for role, req := range requirements {
		r := rule{req: req}
		if strings.TrimSpace(req.Policy) != "" {
			engine, err := policy.NewEngine(ctx, role, req.Policy)
			if err != nil {
				return nil, fmt.Errorf("contracts: role %s: %w", role, err)
			}
			r.policy = engine
		}
		v.rules[role] = r
	}
	return v, nil
}

// Validate returns nil when out satisfies its role's requirements, or a
// *Violation listing every failed requirement.
func (v *Validator) Validate(ctx context.Context, out Output) error {
	if v == nil {
		return nil
	}
	r, ok := v.rules[out.Role]
	if !ok {
		return nil
	}

	metadata := decodeObject(out.Metadata)
	content := decodeObject(out.Content)

	var reasons []string
	if r.req.NonEmpty && isEmptyContent(out.Content) {
		reasons = append(reasons, "content is empty")
	}
	if r.req.MinCitations > 0 {
		if n := len(citations(metadata, content)); n < r.req.MinCitations {
			reasons = append(reasons, fmt.Sprintf("expected at least %d citation(s), got %d", r.req.MinCitations, n))
		}
	}
	for _, key := range r.req.RequiredMetadata {
		if _, present := metadata[key]; !present {
			reasons = append(reasons, fmt.Sprintf("metadata.%s is required", key))
		}
	}
	if r.policy != nil {
		input := map[string]interface{}{
			"agent_id": out.AgentID,
			"role":     out.Role,
			"content":  decodeAny(out.Content),
			"metadata": metadata,
		}
		denied, err := r.policy.Evaluate(ctx, input)
		if err != nil {
			reasons = append(reasons, err.Error())
		}
		reasons = append(reasons, denied...)
	}

	if len(reasons) == 0 {
		return nil
	}
	return &Violation{AgentID: out.AgentID, Role: out.Role, Reasons: reasons}
}

// citations prefers metadata.citations and falls back to a citations field
// inside structured content (moderator payloads carry it there).
func citations(metadata, content map[string]interface{}) []interface{} {
	if list, ok := metadata["citations"].([]interface{}); ok && len(list) > 0 {
		return list
	}
	if list, ok := content["citations"].([]interface{}); ok {
		return list
	}
	return nil
}

func isEmptyContent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func decodeObject(raw json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}

func decodeAny(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
