package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/engine"
	"github.com/xiaot623/roundtable/internal/hub"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

func (s *Service) recordEventLogged(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) {
	if err := s.recordEvent(ctx, runID, eventType, payload); err != nil {
		s.logger.Error("failed to record event", "run_id", runID, "type", eventType, "error", err)
	}
}

var terminalEvents = map[domain.RunStatus]domain.EventType{
	domain.RunStatusStopped:   domain.EventTypeRunStopped,
	domain.RunStatusExhausted: domain.EventTypeRunExhausted,
	domain.RunStatusAborted:   domain.EventTypeRunAborted,
}

// observe receives engine notifications while the run's tick lock is held.
func (s *Service) observe(n engine.Notification) {
	ctx := context.Background()
	switch n.Kind {
	case engine.NotifyRecord:
		s.publish(n.RunID, hub.TypeRecord, n.Record)

	case engine.NotifyTick:
		tick := n.Tick
		s.recordEventLogged(ctx, n.RunID, domain.EventTypeTickCompleted, domain.TickCompletedPayload{
			Round:   tick.Round,
			Records: len(tick.Records),
			Errors:  tick.Errors,
			Stop:    tick.Stop,
		})
		s.publish(n.RunID, hub.TypeTick, tick)

	case engine.NotifyStatus:
		var errData []byte
		if n.Status == domain.RunStatusAborted {
			errData, _ = json.Marshal(map[string]string{"message": n.Reason})
		}
		if err := s.store.UpdateRunStatus(ctx, n.RunID, n.Status, errData); err != nil {
			s.logger.Error("failed to update run status", "run_id", n.RunID, "status", n.Status, "error", err)
		}
		if eventType, ok := terminalEvents[n.Status]; ok {
			s.recordEventLogged(ctx, n.RunID, eventType, domain.RunEndedPayload{
				Status: n.Status,
				Round:  n.Round,
				Reason: n.Reason,
			})
		}
		s.publish(n.RunID, hub.TypeStatus, domain.RunEndedPayload{Status: n.Status, Round: n.Round, Reason: n.Reason})

	case engine.NotifySnapshotOpaque:
		s.recordEventLogged(ctx, n.RunID, domain.EventTypeSnapshotOpaque, map[string]interface{}{
			"round":  n.Round,
			"reason": n.Reason,
		})
	}
}
