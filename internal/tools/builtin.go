package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// EchoResult is the output of the echo tool.
type EchoResult struct {
	Echo      string   `json:"echo"`
	Citations []string `json:"citations"`
}

func init() {
	MustRegister("echo", Echo)
}

// Echo returns its "text" argument along with a fixed source citation.
func Echo(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("echo: invalid args: %w", err)
		}
	}
	return json.Marshal(EchoResult{Echo: in.Text, Citations: []string{"https://example.com/source"}})
}
