package aiexecute

import (
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/builder"
)

// WorkflowID identifies the execute-ai workflow
const WorkflowID = "execute-ai"

// NewExecuteAIWorkflow asks three models the same question, one AIWrap
// step each, so every call is recorded with its telemetry
func NewExecuteAIWorkflow(client stepflow.ModelClient, models Models) (*stepflow.Workflow, error) {
	if client == nil {
		return nil, &stepflow.DefinitionError{WorkflowID: WorkflowID, Reason: "model client is required"}
	}

	wf, err := builder.NewWorkflow(WorkflowID, "Execute AI").
		WithDescription("Runs one prompt against several model providers").
		On(EventName).
		With(builder.ModelCallOptions(time.Minute)...).
		WithRetries(3).
		Handler(func(ctx *stepflow.Context) (any, error) {
			var input Input
			if err := ctx.Data(&input); err != nil {
				return nil, stepflow.NonRetriable(fmt.Errorf("invalid event payload: %w", err))
			}
			if input.SystemPrompt == "" {
				input.SystemPrompt = defaultSystemPrompt
			}
			if input.Prompt == "" {
				input.Prompt = defaultPrompt
			}

			out := &Output{Answers: make(map[string]string, 3)}
			for _, call := range []struct{ step, model string }{
				{"gemini", models.Gemini},
				{"openai", models.OpenAI},
				{"claude", models.Claude},
			} {
				resp, err := stepflow.InvokeModel(ctx, call.step, client, stepflow.ModelRequest{
					Model:        call.model,
					SystemPrompt: input.SystemPrompt,
					Prompt:       input.Prompt,
				})
				if err != nil {
					return nil, err
				}
				out.Answers[call.step] = resp.Text
				out.Tokens += resp.Usage.TotalTokens
			}
			return out, nil
		}).
		Build()

	if err != nil {
		return nil, fmt.Errorf("failed to build workflow: %w", err)
	}

	return wf, nil
}
