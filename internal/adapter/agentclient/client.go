// Package agentclient provides the HTTP client for invoking remote
// participants that stream their turn as server-sent events.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/roundtable/internal/domain"
)

// InvokeRequest is the body POSTed to a remote participant's /invoke endpoint.
type InvokeRequest struct {
	RunID          string                          `json:"run_id"`
	AgentID        string                          `json:"agent_id"`
	Role           string                          `json:"role"`
	Round          int                             `json:"round"`
	History        []domain.HistoryEntry           `json:"history"`
	RunningSummary string                          `json:"running_summary,omitempty"`
	Objective      string                          `json:"objective,omitempty"`
	Budgets        map[string]domain.BudgetCounter `json:"budgets,omitempty"`
}

// DeltaEventData is the payload of a "delta" event.
type DeltaEventData struct {
	Text string `json:"text"`
}

// DoneEventData is the payload of a "done" event.
type DoneEventData struct {
	Role     string                 `json:"role,omitempty"`
	Content  json.RawMessage        `json:"content,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Actions  []domain.Action        `json:"actions,omitempty"`
}

// ErrorEventData is the payload of an "error" event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// EventHandler is called for each SSE event from the participant.
type EventHandler func(event SSEEvent) error

// Client is an HTTP client for invoking remote participants.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new client with the given overall timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Invoke calls a participant's /invoke endpoint and streams SSE events.
func (c *Client) Invoke(ctx context.Context, endpoint string, req *InvokeRequest, handler EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("X-Agent-ID", req.AgentID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to invoke participant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("participant returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseSSE(resp.Body, handler)
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// comments and unknown fields are ignored
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// ParseDeltaEvent parses a delta event data.
func ParseDeltaEvent(data string) (*DeltaEventData, error) {
	var delta DeltaEventData
	if err := json.Unmarshal([]byte(data), &delta); err != nil {
		return nil, fmt.Errorf("failed to parse delta event: %w", err)
	}
	return &delta, nil
}

// ParseDoneEvent parses a done event data.
func ParseDoneEvent(data string) (*DoneEventData, error) {
	var done DoneEventData
	if err := json.Unmarshal([]byte(data), &done); err != nil {
		return nil, fmt.Errorf("failed to parse done event: %w", err)
	}
	return &done, nil
}

// ParseErrorEvent parses an error event data.
func ParseErrorEvent(data string) (*ErrorEventData, error) {
	var errEvt ErrorEventData
	if err := json.Unmarshal([]byte(data), &errEvt); err != nil {
		return nil, fmt.Errorf("failed to parse error event: %w", err)
	}
	return &errEvt, nil
}
