package events

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatlens/pkg/messages"
)

// FrameKind classifies one unit of inbound transport delivery.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameEvent
	FrameMessages
)

func (k FrameKind) String() string {
	switch k {
	case FrameEvent:
		return "event"
	case FrameMessages:
		return "messages"
	case FrameUnknown:
	}
	return "unknown"
}

// MessageOp says how a message delta applies to the raw message buffer.
type MessageOp string

const (
	OpAppend  MessageOp = "append"
	OpReplace MessageOp = "replace"
)

// TypeMessages is the frame type carrying a message-list delta.
const TypeMessages = "messages"

// Frame is a decoded inbound frame: either a typed Event or a message delta.
// Unknown frames keep their raw type for logging and are otherwise ignored.
type Frame struct {
	Kind           FrameKind
	Type           string
	ConversationID string

	Event Event

	Op       MessageOp
	Messages []messages.Message
}

type frameHeader struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type messagesFrame struct {
	Op       MessageOp          `json:"op"`
	Messages []messages.Message `json:"messages"`
}

// DecodeFrame parses one JSON frame. It only fails on malformed JSON or a
// known frame type with a malformed payload; unrecognized shapes decode to a
// FrameUnknown without error.
func DecodeFrame(raw []byte) (Frame, error) {
	var hdr frameHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame header")
	}
	f := Frame{
		Kind:           FrameUnknown,
		Type:           strings.TrimSpace(hdr.Type),
		ConversationID: strings.TrimSpace(hdr.ConversationID),
	}

	if ev, ok := New(Type(f.Type)); ok {
		if err := json.Unmarshal(raw, ev); err != nil {
			return Frame{}, errors.Wrapf(err, "decode %s event", f.Type)
		}
		f.Kind = FrameEvent
		f.Event = ev
		return f, nil
	}

	if f.Type == TypeMessages {
		var mf messagesFrame
		if err := json.Unmarshal(raw, &mf); err != nil {
			return Frame{}, errors.Wrap(err, "decode messages frame")
		}
		switch mf.Op {
		case "", OpAppend:
			f.Op = OpAppend
		case OpReplace:
			f.Op = OpReplace
		default:
			return f, nil
		}
		f.Kind = FrameMessages
		f.Messages = mf.Messages
		return f, nil
	}

	if messages.IsKnownType(f.Type) {
		var m messages.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return Frame{}, errors.Wrap(err, "decode message frame")
		}
		f.Kind = FrameMessages
		f.Op = OpAppend
		f.Messages = []messages.Message{m}
		return f, nil
	}

	return f, nil
}

// EncodeEvent serializes ev as a frame, adding the type discriminator and,
// when non-empty, the conversation id.
func EncodeEvent(conversationID string, ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("encode event: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.EventType())
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, errors.Wrapf(err, "encode %s event", ev.EventType())
	}
	obj["type"] = string(ev.EventType())
	if conversationID != "" {
		obj["conversation_id"] = conversationID
	}
	return json.Marshal(obj)
}

// EncodeMessages serializes a message delta frame.
func EncodeMessages(conversationID string, op MessageOp, msgs []messages.Message) ([]byte, error) {
	if op == "" {
		op = OpAppend
	}
	obj := map[string]any{
		"type":     TypeMessages,
		"op":       op,
		"messages": msgs,
	}
	if conversationID != "" {
		obj["conversation_id"] = conversationID
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, errors.Wrap(err, "encode messages frame")
	}
	return b, nil
}
