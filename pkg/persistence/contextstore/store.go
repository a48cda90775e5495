package contextstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatlens/pkg/querycontext"
)

// DefaultPrefix namespaces query context keys inside a shared store.
const DefaultPrefix = "chatlens:query-context:"

// EnvelopeVersion is bumped whenever the persisted query context shape changes
// incompatibly. Envelopes with any other version are ignored on load.
const EnvelopeVersion = 1

// Store is a plain keyed byte store. No transactional guarantees are needed;
// each conversation owns exactly one key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ErrIncompatible marks a stored value that exists but cannot be used.
var ErrIncompatible = errors.New("incompatible stored query context")

// Key derives the store key for a conversation.
func Key(prefix, conversationID string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + conversationID
}

// ConversationIDFromKey is the inverse of Key.
func ConversationIDFromKey(prefix, key string) (string, bool) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// Envelope is the persisted wrapper around a query context.
type Envelope struct {
	Version        int                        `json:"version"`
	ConversationID string                     `json:"conversation_id"`
	SavedAtMs      int64                      `json:"saved_at_ms"`
	Context        *querycontext.QueryContext `json:"context"`
}

// Encode serializes qc for conversationID.
func Encode(conversationID string, qc *querycontext.QueryContext) ([]byte, error) {
	if qc == nil {
		return nil, errors.New("encode query context: nil context")
	}
	b, err := json.Marshal(Envelope{
		Version:        EnvelopeVersion,
		ConversationID: conversationID,
		SavedAtMs:      time.Now().UnixMilli(),
		Context:        qc,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode query context")
	}
	return b, nil
}

// Decode parses a stored envelope. Corrupt JSON and version mismatches are
// reported as ErrIncompatible.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Wrapf(ErrIncompatible, "corrupt envelope: %v", err)
	}
	if env.Version != EnvelopeVersion {
		return Envelope{}, errors.Wrapf(ErrIncompatible, "envelope version %d, want %d", env.Version, EnvelopeVersion)
	}
	if env.Context == nil {
		env.Context = &querycontext.QueryContext{}
	}
	return env, nil
}

// Load reads the query context of a conversation. found is false when nothing
// is stored under the key.
func Load(ctx context.Context, s Store, prefix, conversationID string) (*querycontext.QueryContext, bool, error) {
	if s == nil {
		return nil, false, nil
	}
	b, ok, err := s.Get(ctx, Key(prefix, conversationID))
	if err != nil {
		return nil, false, errors.Wrap(err, "load query context")
	}
	if !ok {
		return nil, false, nil
	}
	env, err := Decode(b)
	if err != nil {
		return nil, false, err
	}
	return env.Context, true, nil
}

// Save writes qc under the conversation's key.
func Save(ctx context.Context, s Store, prefix, conversationID string, qc *querycontext.QueryContext) error {
	if s == nil {
		return nil
	}
	b, err := Encode(conversationID, qc)
	if err != nil {
		return err
	}
	return s.Set(ctx, Key(prefix, conversationID), b)
}

// Remove deletes the conversation's persisted context. Missing keys are not an error.
func Remove(ctx context.Context, s Store, prefix, conversationID string) error {
	if s == nil {
		return nil
	}
	return s.Delete(ctx, Key(prefix, conversationID))
}
