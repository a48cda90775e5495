package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatlens/pkg/auth"
	"github.com/go-go-golems/chatlens/pkg/events"
	"github.com/go-go-golems/chatlens/pkg/messages"
	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/querycontext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingStore struct {
	*contextstore.InMemoryStore

	mu  sync.Mutex
	ops []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{InMemoryStore: contextstore.NewInMemoryStore()}
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.ops = append(s.ops, "set "+key)
	s.mu.Unlock()
	return s.InMemoryStore.Set(ctx, key, value)
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.ops = append(s.ops, "delete "+key)
	s.mu.Unlock()
	return s.InMemoryStore.Delete(ctx, key)
}

func (s *recordingStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type failingStore struct {
	contextstore.Store
}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("boom")
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("boom")
}

// gatedStore holds every Set until gate is closed.
type gatedStore struct {
	*contextstore.InMemoryStore
	gate chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{InMemoryStore: contextstore.NewInMemoryStore(), gate: make(chan struct{})}
}

func (s *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.InMemoryStore.Set(ctx, key, value)
}

func frame(t *testing.T, raw string) events.Frame {
	t.Helper()
	f, err := events.DecodeFrame([]byte(raw))
	require.NoError(t, err)
	return f
}

func newTestController(t *testing.T, store contextstore.Store) *Controller {
	t.Helper()
	c := NewController(WithStore(store, ""))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestController_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	c := newTestController(t, store)
	require.NoError(t, c.Activate(ctx, "c1"))

	for _, raw := range []string{
		`{"type":"intent_analysis","dataset":"sales"}`,
		`{"type":"sql_step","step":"schema_agent","status":"running","time_ms":0}`,
		`{"type":"sql_step","step":"schema_agent","status":"completed","time_ms":80}`,
		`{"type":"sql_step","step":"schema_agent","status":"completed","time_ms":80}`,
		`{"type":"data_query","columns":["month","rev"],"rows":[],"row_count":12}`,
	} {
		c.HandleRaw(ctx, []byte(raw))
	}

	qc := c.Projection().QueryContext
	require.Equal(t, "sales", qc.IntentAnalysis.Dataset)
	require.Len(t, qc.SQLSteps, 1)
	require.Equal(t, events.StepCompleted, qc.SQLSteps[0].Status)
	require.Equal(t, int64(80), qc.SQLSteps[0].TimeMs)
	require.Equal(t, 12, qc.DataQuery.RowCount)

	require.NoError(t, c.Flush(ctx))
	stored, ok, err := contextstore.Load(ctx, store, "", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(qc, stored); diff != "" {
		t.Fatalf("persisted context mismatch (-memory +stored):\n%s", diff)
	}
	// one write per changing fold, the duplicate step wrote nothing
	require.Len(t, store.Ops(), 4)
}

func TestController_ActivateRestoresContextAndGuard(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	seeded := &querycontext.QueryContext{
		SQLSteps: []events.SQLStep{{Step: "schema_agent", Status: events.StepCompleted, TimeMs: 80}},
	}
	require.NoError(t, contextstore.Save(ctx, store, "", "c1", seeded))

	c := newTestController(t, store)
	require.NoError(t, c.Activate(ctx, "c1"))
	require.Equal(t, seeded, c.Projection().QueryContext)

	// a stale re-delivery of an already folded report is a no-op
	changed := c.HandleRaw(ctx, []byte(`{"type":"sql_step","step":"schema_agent","status":"completed","time_ms":80}`))
	require.False(t, changed)
	require.Len(t, c.Projection().QueryContext.SQLSteps, 1)
}

func TestController_ActivateMissAndFailureStartEmpty(t *testing.T) {
	ctx := context.Background()

	c := newTestController(t, contextstore.NewInMemoryStore())
	require.NoError(t, c.Activate(ctx, "nothing-stored"))
	require.True(t, c.Projection().QueryContext.IsEmpty())

	broken := newTestController(t, failingStore{})
	require.NoError(t, broken.Activate(ctx, "c1"))
	require.True(t, broken.Projection().QueryContext.IsEmpty())

	store := contextstore.NewInMemoryStore()
	require.NoError(t, store.Set(ctx, contextstore.Key("", "old"), []byte(`{"cacheHit":{}}`)))
	legacy := newTestController(t, store)
	require.NoError(t, legacy.Activate(ctx, "old"))
	require.True(t, legacy.Projection().QueryContext.IsEmpty())

	require.Error(t, c.Activate(ctx, ""))
}

func TestController_SwitchDiscardsPreviousState(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	c := newTestController(t, store)

	require.NoError(t, c.Activate(ctx, "a"))
	c.HandleRaw(ctx, []byte(`{"type":"insight","content":"for a"}`))
	c.HandleRaw(ctx, []byte(`{"type":"human","id":"h1","content":"hi"}`))

	require.NoError(t, c.Activate(ctx, "b"))
	p := c.Projection()
	require.Equal(t, "b", p.ConversationID)
	require.Empty(t, p.Messages)
	require.True(t, p.QueryContext.IsEmpty())

	require.NoError(t, c.Flush(ctx))
	_, ok, err := contextstore.Load(ctx, store, "", "b")
	require.NoError(t, err)
	require.False(t, ok)

	// back to a: context comes from the store, messages do not
	require.NoError(t, c.Activate(ctx, "a"))
	require.Equal(t, "for a", c.Projection().QueryContext.Insight.Content)
}

func TestController_FramesForOtherConversationsAreDropped(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	require.False(t, c.HandleRaw(ctx, []byte(`{"type":"insight","content":"x"}`)), "no active conversation")

	require.NoError(t, c.Activate(ctx, "a"))
	require.False(t, c.HandleRaw(ctx, []byte(`{"type":"insight","conversation_id":"b","content":"x"}`)))
	require.True(t, c.HandleRaw(ctx, []byte(`{"type":"insight","conversation_id":"a","content":"x"}`)))
	require.False(t, c.HandleRaw(ctx, []byte(`{"type":"future_event"}`)))
	require.False(t, c.HandleRaw(ctx, []byte(`garbage`)))
}

func TestController_MessagesAreReconciled(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)
	require.NoError(t, c.Activate(ctx, "c1"))

	c.HandleRaw(ctx, []byte(`{"type":"human","id":"h1","content":"revenue?"}`))
	c.HandleRaw(ctx, []byte(`{"type":"ai","id":"a1","content":"","tool_calls":[{"id":"tc1","name":"run_sql"}]}`))

	want := []messages.Message{
		{ID: "h1", Type: messages.TypeHuman, Content: "revenue?"},
		{ID: "a1", Type: messages.TypeAssistant, ToolCalls: []messages.ToolCall{{ID: "tc1", Name: "run_sql"}}},
	}
	got := c.Projection().Messages
	require.Len(t, got, 3)
	require.Equal(t, messages.StatusPending, got[2].Status)
	if diff := cmp.Diff(want, messages.Renderable(got)); diff != "" {
		t.Fatalf("renderable mismatch (-want +got):\n%s", diff)
	}

	c.HandleRaw(ctx, []byte(`{"type":"tool","id":"r1","tool_call_id":"tc1","name":"run_sql","content":"12 rows"}`))
	// retransmit of the whole assistant message with final content
	c.HandleRaw(ctx, []byte(`{"type":"ai","id":"a1","content":"done","tool_calls":[{"id":"tc1","name":"run_sql"}]}`))
	got = c.Projection().Messages
	require.Len(t, got, 3)
	require.Equal(t, "done", got[1].Content)
	require.Equal(t, "r1", got[2].ID)

	require.True(t, c.Dispatch(ctx, events.Frame{Kind: events.FrameMessages, Op: events.OpReplace}))
	require.Empty(t, c.Projection().Messages)
}

func TestController_ResetClearsStateAndDeletesKey(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	c := newTestController(t, store)
	require.NoError(t, c.Activate(ctx, "c1"))

	step := `{"type":"sql_step","step":"schema_agent","status":"completed","time_ms":80}`
	require.True(t, c.HandleRaw(ctx, []byte(step)))
	c.Reset(ctx)
	require.NoError(t, c.Flush(ctx))

	key := contextstore.Key("", "c1")
	require.Equal(t, []string{"set " + key, "delete " + key}, store.Ops())
	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	p := c.Projection()
	require.Equal(t, "c1", p.ConversationID)
	require.True(t, p.QueryContext.IsEmpty())
	// guard was cleared with the context
	require.True(t, c.HandleRaw(ctx, []byte(step)))
}

func TestController_DeleteOtherConversation(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	require.NoError(t, contextstore.Save(ctx, store, "", "old", &querycontext.QueryContext{Insight: &events.Insight{Content: "x"}}))

	c := newTestController(t, store)
	require.NoError(t, c.Activate(ctx, "current"))
	c.Delete(ctx, "old")
	require.NoError(t, c.Flush(ctx))

	_, ok, err := contextstore.Load(ctx, store, "", "old")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "current", c.ConversationID())
}

func TestController_SwitchBackSeesQueuedWrites(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	c := newTestController(t, store)

	require.NoError(t, c.Activate(ctx, "a"))
	require.True(t, c.HandleRaw(ctx, []byte(`{"type":"intent_analysis","dataset":"sales"}`)))
	require.NoError(t, c.Activate(ctx, "b"))
	require.NoError(t, c.Activate(ctx, "a"))

	qc := c.Projection().QueryContext
	require.NotNil(t, qc.IntentAnalysis)
	require.Equal(t, "sales", qc.IntentAnalysis.Dataset)

	require.True(t, c.HandleRaw(ctx, []byte(`{"type":"node_status","node":"n","status":"running"}`)))
	close(store.gate)
	require.NoError(t, c.Flush(ctx))

	stored, ok, err := contextstore.Load(ctx, store, "", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sales", stored.IntentAnalysis.Dataset)
	require.Equal(t, "n", stored.NodeStatus.Node)
}

func TestController_SwitchBackSeesQueuedDelete(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	require.NoError(t, contextstore.Save(ctx, store.InMemoryStore, "", "a", &querycontext.QueryContext{Insight: &events.Insight{Content: "x"}}))

	gated := &gatedDeleteStore{recordingStore: store, gate: make(chan struct{})}
	c := newTestController(t, gated)
	require.NoError(t, c.Activate(ctx, "a"))
	c.Reset(ctx)
	require.NoError(t, c.Activate(ctx, "b"))
	require.NoError(t, c.Activate(ctx, "a"))
	require.True(t, c.Projection().QueryContext.IsEmpty())

	close(gated.gate)
	require.NoError(t, c.Flush(ctx))
}

type gatedDeleteStore struct {
	*recordingStore
	gate chan struct{}
}

func (s *gatedDeleteStore) Delete(ctx context.Context, key string) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.recordingStore.Delete(ctx, key)
}

func TestController_EmptyContextIsNeverWritten(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	c := newTestController(t, store)
	require.NoError(t, c.Activate(ctx, "c1"))
	c.HandleRaw(ctx, []byte(`{"type":"human","id":"h1","content":"hi"}`))
	require.NoError(t, c.Flush(ctx))
	require.Empty(t, store.Ops())
}

func TestController_PersistFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, failingStore{})
	require.NoError(t, c.Activate(ctx, "c1"))
	require.True(t, c.HandleRaw(ctx, []byte(`{"type":"insight","content":"up"}`)))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, "up", c.Projection().QueryContext.Insight.Content)
}

func TestController_ListenersSeeEveryChange(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)

	var seen []Projection
	c.Subscribe(func(p Projection) { seen = append(seen, p) })

	require.NoError(t, c.Activate(ctx, "c1"))
	cacheHit := `{"type":"cache_hit","cache_type":"semantic","similarity":0.93}`
	c.HandleRaw(ctx, []byte(cacheHit))
	c.HandleRaw(ctx, []byte(cacheHit))

	require.Len(t, seen, 2)
	require.Equal(t, "c1", seen[0].ConversationID)
	require.InDelta(t, 0.93, seen[1].QueryContext.CacheHit.Similarity, 1e-9)
}

type stubExchanger struct {
	cred auth.Credential
	err  error
}

func (s stubExchanger) Exchange(context.Context, string) (auth.Credential, error) {
	return s.cred, s.err
}

func TestController_AuthFailureDropsFrames(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)
	require.NoError(t, c.Activate(ctx, "c1"))
	require.Equal(t, AuthNone, c.Projection().Auth)

	err := c.Authenticate(ctx, stubExchanger{err: auth.ErrNotAuthenticated}, "bad")
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	require.Equal(t, AuthFailed, c.Projection().Auth)
	require.False(t, c.Dispatch(ctx, frame(t, `{"type":"insight","content":"x"}`)))

	require.NoError(t, c.Authenticate(ctx, stubExchanger{cred: auth.Credential{AccessToken: "tok"}}, "good"))
	require.Equal(t, AuthAuthenticated, c.Projection().Auth)
	require.Equal(t, "tok", c.Credential().AccessToken)
	require.True(t, c.Dispatch(ctx, frame(t, `{"type":"insight","content":"x"}`)))
}

func TestController_NewConversation(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, nil)
	id, err := c.NewConversation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, id, c.ConversationID())

	other, err := c.NewConversation(ctx)
	require.NoError(t, err)
	require.NotEqual(t, id, other)
}

func TestPersistWriter_FIFOAndClose(t *testing.T) {
	store := newRecordingStore()
	w := newPersistWriter(store, 0)
	for _, job := range []persistJob{
		{key: "k1", value: []byte("1")},
		{key: "k2", value: []byte("2")},
		{key: "k1", delete: true},
	} {
		require.True(t, w.submit(job))
	}
	w.close()
	require.Equal(t, []string{"set k1", "set k2", "delete k1"}, store.Ops())
	require.False(t, w.submit(persistJob{key: "late"}))
	require.NoError(t, w.flush(context.Background()))
	w.close()
}
