package transport

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Handler consumes one raw frame. Calls are sequential and in delivery order.
type Handler func(ctx context.Context, raw []byte)

// Source delivers frames of one connection until ctx is cancelled or the
// connection fails permanently.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

// TopicForConversation is the pub/sub topic carrying a conversation's frames.
func TopicForConversation(conversationID string) string { return "chat:" + conversationID }

// FilterConversation drops frames that explicitly name another conversation.
// Frames without a conversation id, or that cannot be inspected, are passed on.
func FilterConversation(current func() string, h Handler) Handler {
	return func(ctx context.Context, raw []byte) {
		var hdr struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(raw, &hdr); err == nil && hdr.ConversationID != "" {
			if id := current(); id != "" && id != hdr.ConversationID {
				log.Debug().
					Str("component", "transport").
					Str("conv_id", id).
					Str("frame_conv_id", hdr.ConversationID).
					Msg("filtered frame for another conversation")
				return
			}
		}
		h(ctx, raw)
	}
}
