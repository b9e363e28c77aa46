package aiexecute

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sicko7947/stepflow"
)

// EchoClient is an offline ModelClient that answers with the prompt.
// Usage counts whitespace-separated words.
type EchoClient struct{}

var _ stepflow.ModelClient = EchoClient{}

// Invoke implements stepflow.ModelClient
func (EchoClient) Invoke(ctx context.Context, req stepflow.ModelRequest) (*stepflow.ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := fmt.Sprintf("[%s] %s", req.Model, req.Prompt)
	usage := stepflow.ModelUsage{
		InputTokens:  len(strings.Fields(req.SystemPrompt)) + len(strings.Fields(req.Prompt)),
		OutputTokens: len(strings.Fields(text)),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	raw, err := json.Marshal(map[string]any{
		"model": req.Model,
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": text}},
		},
	})
	if err != nil {
		return nil, err
	}

	return &stepflow.ModelResponse{
		Model: req.Model,
		Text:  text,
		Usage: usage,
		Raw:   raw,
	}, nil
}
