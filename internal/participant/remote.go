package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xiaot623/roundtable/internal/adapter/agentclient"
)

// Remote delegates its turn to an HTTP endpoint that answers with an SSE
// stream: "delta" events accumulate text, "done" carries the final result
// and "error" fails the turn.
type Remote struct {
	id       string
	role     string
	caps     Capability
	endpoint string
	client   *agentclient.Client
}

// NewRemote creates a remote participant.
func NewRemote(id, role string, caps Capability, endpoint string, client *agentclient.Client) *Remote {
	return &Remote{id: id, role: role, caps: caps, endpoint: endpoint, client: client}
}

func (r *Remote) ID() string               { return r.id }
func (r *Remote) Role() string             { return r.role }
func (r *Remote) Capabilities() Capability { return r.caps }

func (r *Remote) Act(ctx context.Context, turn *Turn) (Result, error) {
	req := &agentclient.InvokeRequest{
		RunID:          turn.RunID,
		AgentID:        r.id,
		Role:           r.role,
		Round:          turn.Round,
		History:        turn.History,
		RunningSummary: turn.RunningSummary,
		Objective:      turn.Objective,
		Budgets:        turn.Budgets,
	}

	var text strings.Builder
	var done *agentclient.DoneEventData
	err := r.client.Invoke(ctx, r.endpoint, req, func(event agentclient.SSEEvent) error {
		switch event.Event {
		case "delta":
			delta, err := agentclient.ParseDeltaEvent(event.Data)
			if err != nil {
				return err
			}
			text.WriteString(delta.Text)
		case "done":
			d, err := agentclient.ParseDoneEvent(event.Data)
			if err != nil {
				return err
			}
			done = d
		case "error":
			errEvt, err := agentclient.ParseErrorEvent(event.Data)
			if err != nil {
				return err
			}
			return fmt.Errorf("participant %s error %s: %s", r.id, errEvt.Code, errEvt.Message)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if done == nil {
		return Result{}, fmt.Errorf("participant %s: stream ended without done event", r.id)
	}

	res := Result{Role: done.Role, Metadata: done.Metadata, Actions: done.Actions}
	if res.Role == "" {
		res.Role = r.role
	}
	if len(done.Content) > 0 && string(done.Content) != "null" {
		res.Content = json.RawMessage(done.Content)
	} else {
		res.Content = text.String()
	}
	if len(res.Actions) == 0 && r.caps.Has(CanControl) {
		if raw, ok := res.Content.(json.RawMessage); ok {
			res.Actions = ModeratorActions(raw)
		}
	}
	return res, nil
}

var (
	_ Participant = (*Remote)(nil)
	_ Participant = (*User)(nil)
	_ Participant = (*Echo)(nil)
)
