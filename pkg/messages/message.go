package messages

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Type discriminates the three conversational message variants.
type Type string

const (
	TypeHuman      Type = "human"
	TypeAssistant  Type = "assistant"
	TypeToolResult Type = "tool_result"
)

// ToolResult statuses. Pending is only ever set on synthesized placeholders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPending = "pending"
)

// ToolCall is a tool invocation embedded in an assistant message.
// An empty ID means the call has no identity and is never paired.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one entry of a conversation thread.
//
// ToolCalls is only meaningful for assistant messages; ToolCallID, Name and
// Status only for tool results.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Type       Type       `json:"type"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Status     string     `json:"status,omitempty"`
}

// NormalizeType maps wire aliases onto the canonical variants.
// Unknown values are returned unchanged.
func NormalizeType(t string) Type {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "human", "user":
		return TypeHuman
	case "assistant", "ai":
		return TypeAssistant
	case "tool_result", "tool":
		return TypeToolResult
	}
	return Type(t)
}

// IsKnownType reports whether t (after alias normalization) is a message variant.
func IsKnownType(t string) bool {
	switch NormalizeType(t) {
	case TypeHuman, TypeAssistant, TypeToolResult:
		return true
	}
	return false
}

type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      map[string]any  `json:"args"`
	Function  *wireFunction   `json:"function"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireMessage struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []wireToolCall  `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
}

// UnmarshalJSON accepts the canonical shape plus the common wire variants:
// `role` instead of `type`, content given as a list of text parts, and
// OpenAI-style `function.arguments` tool calls.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	typ := w.Type
	if typ == "" {
		typ = w.Role
	}
	content, err := flattenContent(w.Content)
	if err != nil {
		return errors.Wrap(err, "message content")
	}
	*m = Message{
		ID:         w.ID,
		Type:       NormalizeType(typ),
		Content:    content,
		ToolCallID: w.ToolCallID,
		Name:       w.Name,
		Status:     w.Status,
	}
	for _, tc := range w.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, tc.toToolCall())
	}
	return nil
}

func (tc wireToolCall) toToolCall() ToolCall {
	out := ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}
	if tc.Function != nil {
		if out.Name == "" {
			out.Name = tc.Function.Name
		}
		if out.Args == nil && tc.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				out.Args = args
			}
		}
	}
	if out.Args == nil && len(tc.Arguments) > 0 {
		var args map[string]any
		if err := json.Unmarshal(tc.Arguments, &args); err == nil {
			out.Args = args
		}
	}
	return out
}

func flattenContent(raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &parts); err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, p := range parts {
			if p.Type != "" && p.Type != "text" {
				continue
			}
			sb.WriteString(p.Text)
		}
		return sb.String(), nil
	}
	return "", errors.Errorf("unsupported content shape %q", trimmed[:1])
}
