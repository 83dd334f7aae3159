// Package models defines the wire types for the OpenAI-compatible chat-completion
// protocol this gateway speaks on its north side, plus the routing engine's own
// domain types.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatRequest is an OpenAI chat-completion request body.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []ChatMessage  `json:"messages"`
	Stream      bool           `json:"stream,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stop        interface{}    `json:"stop,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	ToolChoice  interface{}    `json:"tool_choice,omitempty"`
	User        string         `json:"user,omitempty"`
	Extra       map[string]any `json:"-"`
}

// ChatMessage is a single turn in the conversation.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// Tool describes a function tool available to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function schema of a Tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// MessageContent accepts either a plain string or an array of content parts,
// mirroring the union type the teacher's Anthropic message body used, since the
// OpenAI schema allows the same two shapes.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsArray bool
}

// ContentPart is one element of an array-form message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// UnmarshalJSON accepts a bare string or an array of ContentPart.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		m.Text = str
		m.IsArray = false
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		m.Parts = parts
		m.IsArray = true
		return nil
	}

	return fmt.Errorf("content must be a string or an array of content parts")
}

// MarshalJSON preserves whichever shape was received.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsArray {
		return json.Marshal(m.Parts)
	}
	return json.Marshal(m.Text)
}

// String concatenates all text found in the content, in either shape.
func (m *MessageContent) String() string {
	if !m.IsArray {
		return m.Text
	}
	var texts []string
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ChatChoice is one completion choice in a ChatResponse.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Usage carries token accounting, either upstream-reported or locally computed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is an OpenAI chat-completion response body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// LastUserMessage returns the text of the most recent user-role message.
func LastUserMessage(req *ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content.String()
		}
	}
	return ""
}

// LastUserMessages returns the text of up to k most recent user-role messages,
// oldest first.
func LastUserMessages(req *ChatRequest, k int) []string {
	var out []string
	for i := len(req.Messages) - 1; i >= 0 && len(out) < k; i-- {
		if req.Messages[i].Role == "user" {
			out = append(out, req.Messages[i].Content.String())
		}
	}
	// reverse to oldest-first
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}
