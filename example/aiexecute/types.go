package aiexecute

// EventName triggers the execute-ai workflow
const EventName = "execute/ai"

// Input is the event payload. Empty fields fall back to defaults.
type Input struct {
	SystemPrompt string `json:"systemPrompt,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

// Output collects each provider's answer
type Output struct {
	Answers map[string]string `json:"answers"`
	Tokens  int               `json:"tokens"`
}

// Models names the model used for each step
type Models struct {
	Gemini string
	OpenAI string
	Claude string
}

// DefaultModels are used when no override is given
var DefaultModels = Models{
	Gemini: "gemini-1.5-flash",
	OpenAI: "gpt-4o-mini",
	Claude: "claude-3-5-haiku",
}

const (
	defaultSystemPrompt = "You are a helpful assistant."
	defaultPrompt       = "Say hello in one short sentence."
)
