package session

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatlens/pkg/auth"
	"github.com/go-go-golems/chatlens/pkg/events"
	"github.com/go-go-golems/chatlens/pkg/messages"
	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/querycontext"
)

// AuthState is the authentication status shown at the rendering boundary.
type AuthState string

const (
	AuthNone          AuthState = "none"
	AuthPending       AuthState = "pending"
	AuthAuthenticated AuthState = "authenticated"
	AuthFailed        AuthState = "not_authenticated"
)

// Projection is the read-only view handed to listeners. Messages is the
// reconciled list and may contain synthesized entries; renderers are expected
// to filter them with messages.Renderable.
type Projection struct {
	ConversationID string
	Messages       []messages.Message
	QueryContext   *querycontext.QueryContext
	Auth           AuthState
}

// Listener receives a projection after every state change.
type Listener func(Projection)

type Option func(*Controller)

// WithStore enables persistence of the query context under prefix.
func WithStore(store contextstore.Store, prefix string) Option {
	return func(c *Controller) {
		c.store = store
		c.prefix = prefix
	}
}

// WithWriteTimeout bounds each background store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.writeTimeout = d
	}
}

// Controller owns the state of the active conversation: its identity, the
// raw message buffer with its reconciled projection, and the query context
// aggregator. Frames are applied one at a time in call order.
type Controller struct {
	store        contextstore.Store
	prefix       string
	writeTimeout time.Duration
	writer       *persistWriter

	mu         sync.Mutex
	convID     string
	agg        *querycontext.Aggregator
	raw        []messages.Message
	reconciled []messages.Message
	authState  AuthState
	credential auth.Credential

	notifyMu  sync.Mutex
	listeners []Listener
}

func NewController(opts ...Option) *Controller {
	c := &Controller{
		agg:       querycontext.NewAggregator(),
		authState: AuthNone,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store != nil {
		c.writer = newPersistWriter(c.store, c.writeTimeout)
	}
	return c
}

// Subscribe registers a listener. Listeners are called sequentially, outside
// the state lock, in the order state changes happened. A listener may read the
// controller but must not mutate it.
func (c *Controller) Subscribe(fn Listener) {
	if fn == nil {
		return
	}
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

// Projection returns the current view.
func (c *Controller) Projection() Projection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectionLocked()
}

func (c *Controller) projectionLocked() Projection {
	return Projection{
		ConversationID: c.convID,
		Messages:       c.reconciled,
		QueryContext:   c.agg.Context(),
		Auth:           c.authState,
	}
}

// ConversationID returns the active identity, or "" when none is active.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// Credential returns the credential obtained by Authenticate.
func (c *Controller) Credential() auth.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credential
}

// Activate switches to conversationID. The previous in-memory state is
// discarded and the persisted context of the new identity is loaded once,
// before any frame for it can be applied.
func (c *Controller) Activate(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("session: empty conversation id")
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if conversationID == c.convID {
		c.mu.Unlock()
		return nil
	}
	c.convID = conversationID
	c.raw = nil
	c.reconciled = nil
	c.agg.Reset()

	qc, found, err := c.restore(ctx, conversationID)
	switch {
	case err != nil:
		log.Warn().Err(err).
			Str("component", "session").
			Str("conv_id", conversationID).
			Msg("could not restore query context, starting empty")
	case found:
		c.agg.Seed(qc)
		log.Debug().
			Str("component", "session").
			Str("conv_id", conversationID).
			Int("steps", len(qc.SQLSteps)).
			Msg("restored query context")
	}
	log.Info().Str("component", "session").Str("conv_id", conversationID).Msg("conversation activated")
	p := c.projectionLocked()
	c.mu.Unlock()

	c.notifyLocked(p)
	return nil
}

// restore reads the persisted context of conversationID. A write or delete
// still queued for the key wins over what the store holds.
func (c *Controller) restore(ctx context.Context, conversationID string) (*querycontext.QueryContext, bool, error) {
	if c.writer != nil {
		if job, ok := c.writer.pending(contextstore.Key(c.prefix, conversationID)); ok {
			if job.delete {
				return nil, false, nil
			}
			env, err := contextstore.Decode(job.value)
			if err != nil {
				return nil, false, err
			}
			return env.Context, true, nil
		}
	}
	return contextstore.Load(ctx, c.store, c.prefix, conversationID)
}

// NewConversation mints a fresh identity and activates it.
func (c *Controller) NewConversation(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := c.Activate(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// HandleRaw decodes one wire frame and dispatches it. Undecodable frames are
// logged and dropped.
func (c *Controller) HandleRaw(ctx context.Context, raw []byte) bool {
	f, err := events.DecodeFrame(raw)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("dropping undecodable frame")
		return false
	}
	return c.Dispatch(ctx, f)
}

// Dispatch applies one decoded frame and reports whether the projection
// changed.
func (c *Controller) Dispatch(_ context.Context, f events.Frame) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.authState == AuthFailed {
		c.mu.Unlock()
		log.Debug().Str("component", "session").Str("frame", f.Kind.String()).Msg("not authenticated, dropping frame")
		return false
	}
	if c.convID == "" {
		c.mu.Unlock()
		log.Debug().Str("component", "session").Str("frame", f.Kind.String()).Msg("no active conversation, dropping frame")
		return false
	}
	if f.ConversationID != "" && f.ConversationID != c.convID {
		c.mu.Unlock()
		log.Debug().
			Str("component", "session").
			Str("conv_id", c.convID).
			Str("frame_conv_id", f.ConversationID).
			Msg("frame for another conversation, dropping")
		return false
	}

	changed := false
	switch f.Kind {
	case events.FrameEvent:
		changed = c.applyEventLocked(f.Event)
	case events.FrameMessages:
		changed = c.applyMessagesLocked(f.Op, f.Messages)
	case events.FrameUnknown:
		log.Debug().Str("component", "session").Str("type", f.Type).Msg("ignoring unknown frame")
	}
	if !changed {
		c.mu.Unlock()
		return false
	}
	p := c.projectionLocked()
	c.mu.Unlock()

	c.notifyLocked(p)
	return true
}

func (c *Controller) applyEventLocked(ev events.Event) bool {
	if ev == nil {
		return false
	}
	if !c.agg.Apply(ev) {
		log.Debug().
			Str("component", "session").
			Str("conv_id", c.convID).
			Str("event_type", string(ev.EventType())).
			Msg("event did not change query context")
		return false
	}
	c.persistLocked()
	return true
}

func (c *Controller) applyMessagesLocked(op events.MessageOp, msgs []messages.Message) bool {
	var raw []messages.Message
	switch op {
	case events.OpReplace:
		raw = append([]messages.Message(nil), msgs...)
	default:
		if len(msgs) == 0 {
			return false
		}
		raw = make([]messages.Message, 0, len(c.raw)+len(msgs))
		raw = append(raw, c.raw...)
		raw = append(raw, msgs...)
	}
	c.raw = raw
	next := messages.Reconcile(raw)
	if reflect.DeepEqual(next, c.reconciled) {
		return false
	}
	c.reconciled = next
	return true
}

// persistLocked schedules a write of the current context. Empty contexts are
// never written.
func (c *Controller) persistLocked() {
	if c.writer == nil {
		return
	}
	qc := c.agg.Context()
	if qc.IsEmpty() {
		return
	}
	b, err := contextstore.Encode(c.convID, qc)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Str("conv_id", c.convID).Msg("encode query context failed")
		return
	}
	c.writer.submit(persistJob{key: contextstore.Key(c.prefix, c.convID), value: b})
}

// Reset clears the active conversation's context, step guard and messages and
// removes its persisted copy. The identity stays active.
func (c *Controller) Reset(_ context.Context) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.agg.Reset()
	c.raw = nil
	c.reconciled = nil
	if c.writer != nil && c.convID != "" {
		c.writer.submit(persistJob{key: contextstore.Key(c.prefix, c.convID), delete: true})
	}
	log.Info().Str("component", "session").Str("conv_id", c.convID).Msg("conversation reset")
	p := c.projectionLocked()
	c.mu.Unlock()

	c.notifyLocked(p)
}

// Delete removes the persisted context of conversationID. Deleting the active
// conversation also resets it.
func (c *Controller) Delete(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}
	if conversationID == c.ConversationID() {
		c.Reset(ctx)
		return
	}
	if c.writer != nil {
		c.writer.submit(persistJob{key: contextstore.Key(c.prefix, conversationID), delete: true})
	}
}

// Authenticate exchanges a one-time code. On failure the projection reports
// AuthFailed and frames are dropped until a later exchange succeeds.
func (c *Controller) Authenticate(ctx context.Context, ex auth.Exchanger, code string) error {
	c.setAuth(AuthPending, auth.Credential{})
	cred, err := ex.Exchange(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("credential exchange failed")
		c.setAuth(AuthFailed, auth.Credential{})
		return err
	}
	c.setAuth(AuthAuthenticated, cred)
	return nil
}

func (c *Controller) setAuth(state AuthState, cred auth.Credential) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.authState == state && c.credential == cred {
		c.mu.Unlock()
		return
	}
	c.authState = state
	c.credential = cred
	p := c.projectionLocked()
	c.mu.Unlock()

	c.notifyLocked(p)
}

// Flush waits until all scheduled store writes have been applied.
func (c *Controller) Flush(ctx context.Context) error {
	if c.writer == nil {
		return nil
	}
	return c.writer.flush(ctx)
}

// Close drains pending writes and stops the writer. The store itself is owned
// by the caller.
func (c *Controller) Close() error {
	if c.writer != nil {
		c.writer.close()
	}
	return nil
}

func (c *Controller) notifyLocked(p Projection) {
	for _, fn := range c.listeners {
		fn(p)
	}
}
