package domain

// Chat roles as used in LLM transcripts and persisted history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape used by prompt
// assembly, the LLM integration, and persisted conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
