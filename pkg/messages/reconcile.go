package messages

import "strings"

// SyntheticPrefix is the reserved id namespace for messages produced by Repair.
// The rendering boundary must not display messages carrying such ids.
const SyntheticPrefix = "__chatlens_synthetic__:"

const (
	syntheticCallPrefix   = SyntheticPrefix + "call:"
	syntheticResultPrefix = SyntheticPrefix + "result:"
)

// IsSynthetic reports whether id belongs to the reserved synthesized namespace.
func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, SyntheticPrefix)
}

// Reconcile turns a raw, possibly duplicated message list into a list where
// every non-empty id appears once and every tool call is paired with a result.
// It never fails and does not modify its input.
func Reconcile(raw []Message) []Message {
	return Repair(Dedup(raw))
}

// Dedup collapses messages sharing a non-empty id. The surviving entry sits at
// the position of the first occurrence and carries the content of the last one.
// Messages without an id are kept as they are.
func Dedup(raw []Message) []Message {
	if len(raw) == 0 {
		return nil
	}
	last := make(map[string]int, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		id := raw[i].ID
		if id == "" {
			continue
		}
		if _, ok := last[id]; !ok {
			last[id] = i
		}
	}

	out := make([]Message, 0, len(raw))
	emitted := make(map[string]struct{}, len(last))
	for _, m := range raw {
		if m.ID == "" {
			out = append(out, m)
			continue
		}
		if _, ok := emitted[m.ID]; ok {
			continue
		}
		emitted[m.ID] = struct{}{}
		out = append(out, raw[last[m.ID]])
	}
	return out
}

// Repair restores structural validity: orphaned tool results get a minimal
// synthesized assistant parent right before them, and unanswered tool calls on
// genuine assistant messages get a pending placeholder result right after
// their message. Synthesized ids are derived from the tool call id, so
// repairing an already repaired list is a no-op.
func Repair(list []Message) []Message {
	if len(list) == 0 {
		return nil
	}
	calls := map[string]struct{}{}
	results := map[string]struct{}{}
	for _, m := range list {
		switch m.Type {
		case TypeAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					calls[tc.ID] = struct{}{}
				}
			}
		case TypeToolResult:
			if m.ToolCallID != "" {
				results[m.ToolCallID] = struct{}{}
			}
		}
	}

	out := make([]Message, 0, len(list))
	for _, m := range list {
		switch m.Type {
		case TypeToolResult:
			if m.ToolCallID != "" {
				if _, ok := calls[m.ToolCallID]; !ok {
					out = append(out, syntheticParent(m))
					calls[m.ToolCallID] = struct{}{}
				}
			}
			out = append(out, m)
		case TypeAssistant:
			out = append(out, m)
			if IsSynthetic(m.ID) {
				continue
			}
			for _, tc := range m.ToolCalls {
				if tc.ID == "" {
					continue
				}
				if _, ok := results[tc.ID]; ok {
					continue
				}
				out = append(out, placeholderResult(tc))
				results[tc.ID] = struct{}{}
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

func syntheticParent(orphan Message) Message {
	return Message{
		ID:   syntheticCallPrefix + orphan.ToolCallID,
		Type: TypeAssistant,
		ToolCalls: []ToolCall{{
			ID:   orphan.ToolCallID,
			Name: orphan.Name,
		}},
	}
}

func placeholderResult(tc ToolCall) Message {
	return Message{
		ID:         syntheticResultPrefix + tc.ID,
		Type:       TypeToolResult,
		ToolCallID: tc.ID,
		Name:       tc.Name,
		Status:     StatusPending,
	}
}

// Renderable drops synthesized messages, leaving what a UI should display.
func Renderable(list []Message) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		if IsSynthetic(m.ID) {
			continue
		}
		out = append(out, m)
	}
	return out
}
