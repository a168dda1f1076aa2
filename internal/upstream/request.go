package upstream

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is the body posted to a serving endpoint's invocations URL.
// Messages use the OpenAI chat wire format the endpoint accepts.
type ChatRequest struct {
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Stream            bool                           `json:"stream,omitempty"`
	MaxTokens         int                            `json:"max_tokens,omitempty"`
	DatabricksOptions *DatabricksOptions             `json:"databricks_options,omitempty"`
}

// DatabricksOptions asks the endpoint for extra response metadata.
type DatabricksOptions struct {
	ReturnTrace bool `json:"return_trace"`
}

// ChatMessage is one conversation turn as received from the client.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewChatRequest converts client turns into a serving request. Trace return is
// always requested so replies can carry sources and a trace id.
func NewChatRequest(history []ChatMessage, stream bool, maxTokens int) ChatRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := m.Role
		switch role {
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleSystem:
		default:
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return ChatRequest{
		Messages:          msgs,
		Stream:            stream,
		MaxTokens:         maxTokens,
		DatabricksOptions: &DatabricksOptions{ReturnTrace: true},
	}
}

// Encode marshals the request body.
func (r ChatRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return data, nil
}
