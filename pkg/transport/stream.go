package transport

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// StreamCursor locates a frame in its stream. Seq is monotonic per source and
// derived from the redis stream id when one is present.
type StreamCursor struct {
	StreamID string
	Seq      uint64
}

// StreamSource consumes a conversation topic from a watermill subscriber
// (redis streams in production, gochannel in tests).
type StreamSource struct {
	convID     string
	subscriber message.Subscriber
	onCursor   func(StreamCursor)

	seq atomic.Uint64
}

var _ Source = &StreamSource{}

func NewStreamSource(convID string, subscriber message.Subscriber) *StreamSource {
	return &StreamSource{convID: convID, subscriber: subscriber}
}

// OnCursor registers a callback invoked after each delivered frame.
func (s *StreamSource) OnCursor(fn func(StreamCursor)) *StreamSource {
	s.onCursor = fn
	return s
}

// Run subscribes to the conversation topic and hands every payload to h,
// acking after the handler returns. It returns when ctx is cancelled or the
// subscription channel closes.
func (s *StreamSource) Run(ctx context.Context, h Handler) error {
	if s.subscriber == nil {
		return errors.New("stream source: subscriber is nil")
	}
	ch, err := s.subscriber.Subscribe(ctx, TopicForConversation(s.convID))
	if err != nil {
		return errors.Wrap(err, "stream source: subscribe")
	}
	log.Info().Str("component", "transport").Str("conv_id", s.convID).Msg("stream source: started")
	defer log.Info().Str("component", "transport").Str("conv_id", s.convID).Msg("stream source: stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			cur := StreamCursor{StreamID: extractStreamID(msg)}
			cur.Seq = s.nextSeq(cur.StreamID)
			h(ctx, msg.Payload)
			msg.Ack()
			if s.onCursor != nil {
				s.onCursor(cur)
			}
		}
	}
}

// PublishFrames pushes raw frames onto the topic of convID, one message per
// frame, in slice order.
func PublishFrames(pub message.Publisher, convID string, frames [][]byte) error {
	if pub == nil {
		return errors.New("publish frames: publisher is nil")
	}
	topic := TopicForConversation(convID)
	for i, f := range frames {
		if err := pub.Publish(topic, message.NewMessage(watermill.NewUUID(), f)); err != nil {
			return errors.Wrapf(err, "publish frame %d to %s", i, topic)
		}
	}
	log.Debug().Str("component", "transport").Str("conv_id", convID).Int("frames", len(frames)).Msg("published frames")
	return nil
}

func (s *StreamSource) nextSeq(streamID string) uint64 {
	derived, ok := deriveSeqFromStreamID(streamID)
	for {
		current := s.seq.Load()
		next := current + 1
		if ok && derived > current {
			next = derived
		}
		if s.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractStreamID(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// deriveSeqFromStreamID maps a redis stream id "<ms>-<n>" onto a sortable
// integer.
func deriveSeqFromStreamID(streamID string) (uint64, bool) {
	ms, n, ok := strings.Cut(streamID, "-")
	if !ok {
		return 0, false
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	nv, err := strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, false
	}
	return msv*1_000_000 + nv, true
}
