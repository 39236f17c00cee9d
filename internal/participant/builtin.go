package participant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/tools"
)

// User emits the next message queued for its id and skips the turn when
// nothing is queued.
type User struct {
	id string
}

// NewUser creates a user participant.
func NewUser(id string) *User {
	return &User{id: id}
}

func (u *User) ID() string               { return u.id }
func (u *User) Role() string             { return "user" }
func (u *User) Capabilities() Capability { return 0 }

func (u *User) Act(_ context.Context, turn *Turn) (Result, error) {
	msg, ok := turn.PopUserInput(u.id)
	if !ok {
		return Result{}, domain.ErrSkipTurn
	}
	return Result{Role: "user", Content: msg}, nil
}

// Echo is a deterministic participant: it optionally calls one tool with its
// configured text and answers with that text. Citations returned by the tool
// are attached as metadata.
type Echo struct {
	id      string
	role    string
	caps    Capability
	content string
	tool    string
}

// NewEcho creates an echo participant.
func NewEcho(id, role string, caps Capability, content, tool string) *Echo {
	return &Echo{id: id, role: role, caps: caps, content: content, tool: tool}
}

func (e *Echo) ID() string               { return e.id }
func (e *Echo) Role() string             { return e.role }
func (e *Echo) Capabilities() Capability { return e.caps }

func (e *Echo) Act(ctx context.Context, turn *Turn) (Result, error) {
	content := e.content
	if content == "" {
		content = e.id + " has nothing to add"
	}
	res := Result{Role: e.role, Content: content}
	if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		res.Content = json.RawMessage(trimmed)
		if e.caps.Has(CanControl) {
			res.Actions = ModeratorActions(json.RawMessage(trimmed))
		}
	}
	if e.tool == "" || turn.Tools == nil {
		return res, nil
	}

	args, _ := json.Marshal(map[string]string{"text": content})
	out, err := turn.Tools.Call(ctx, e.tool, args)
	switch {
	case errors.Is(err, tools.ErrBudgetDenied):
		res.Metadata = map[string]interface{}{"budget_denied": e.tool}
		return res, nil
	case err != nil:
		return Result{}, err
	}

	var echoed tools.EchoResult
	if err := json.Unmarshal(out, &echoed); err == nil && len(echoed.Citations) > 0 {
		cites := make([]interface{}, len(echoed.Citations))
		for i, c := range echoed.Citations {
			cites[i] = c
		}
		res.Metadata = map[string]interface{}{"citations": cites}
	}
	return res, nil
}

// ModeratorActions derives control actions from a moderator JSON payload of
// the form {"action": "...", "rollback": n, "clear_summaries": bool}.
// It returns nil for content that is not such a payload.
func ModeratorActions(content json.RawMessage) []domain.Action {
	var payload struct {
		Action         string `json:"action"`
		Rollback       int    `json:"rollback"`
		ClearSummaries bool   `json:"clear_summaries"`
	}
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil
	}
	switch domain.ActionType(strings.ToUpper(strings.TrimSpace(payload.Action))) {
	case domain.ActionStop:
		return []domain.Action{{Type: domain.ActionStop}}
	case domain.ActionStepBack:
		return []domain.Action{{Type: domain.ActionStepBack, Rollback: payload.Rollback, ClearSummaries: payload.ClearSummaries}}
	case domain.ActionContinue:
		if payload.Rollback > 0 {
			return []domain.Action{{Type: domain.ActionStepBack, Rollback: payload.Rollback, ClearSummaries: payload.ClearSummaries}}
		}
		return []domain.Action{{Type: domain.ActionContinue}}
	}
	return nil
}
