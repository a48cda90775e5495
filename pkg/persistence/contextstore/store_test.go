package contextstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatlens/pkg/events"
	"github.com/go-go-golems/chatlens/pkg/querycontext"
)

func sampleContext() *querycontext.QueryContext {
	return &querycontext.QueryContext{
		IntentAnalysis: &events.IntentAnalysis{Dataset: "sales", Entities: []string{"revenue"}},
		SQLSteps: []events.SQLStep{
			{Step: "schema_agent", Status: events.StepCompleted, TimeMs: 80},
			{Step: "sql_generator", Status: events.StepRunning},
		},
		DataQuery: &events.DataQuery{
			Columns:  []string{"month", "rev"},
			Rows:     []map[string]any{{"month": "2024-01", "rev": 100.5}},
			RowCount: 12,
		},
	}
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, Key("", "missing"))
	require.NoError(t, err)
	require.False(t, ok)

	qc, ok, err := Load(ctx, s, "", "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, qc)

	want := sampleContext()
	require.NoError(t, Save(ctx, s, "", "c1", want))
	require.NoError(t, Save(ctx, s, "", "c2", &querycontext.QueryContext{Insight: &events.Insight{Content: "up"}}))
	require.NoError(t, s.Set(ctx, "unrelated", []byte("x")))

	got, ok, err := Load(ctx, s, "", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	keys, err := s.Keys(ctx, DefaultPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{Key("", "c1"), Key("", "c2")}, keys)

	// overwrite keeps a single key
	want.SQLSteps[1].Status = events.StepCompleted
	require.NoError(t, Save(ctx, s, "", "c1", want))
	got, _, err = Load(ctx, s, "", "c1")
	require.NoError(t, err)
	require.Equal(t, events.StepCompleted, got.SQLSteps[1].Status)

	require.NoError(t, Remove(ctx, s, "", "c1"))
	require.NoError(t, Remove(ctx, s, "", "c1"))
	_, ok, err = Load(ctx, s, "", "c1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewInMemoryStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "ctx", "contexts.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreContract(t, s)
}

func TestBoltStore_Contract(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "contexts.bolt"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreContract(t, s)
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("CHATLENS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATLENS_TEST_REDIS_ADDR not set")
	}
	s, err := NewRedisStore(addr, 0)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	keys, err := s.Keys(ctx, DefaultPrefix)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, s.Delete(ctx, k))
	}
	require.NoError(t, s.Delete(ctx, "unrelated"))
	runStoreContract(t, s)
}

func TestDecode_RejectsIncompatibleEnvelopes(t *testing.T) {
	_, err := Decode([]byte(`{"version":0,"context":{}}`))
	require.ErrorIs(t, err, ErrIncompatible)

	_, err = Decode([]byte(`{"cacheHit":{"cache_type":"exact"}}`))
	require.ErrorIs(t, err, ErrIncompatible)

	_, err = Decode([]byte(`{{{`))
	require.ErrorIs(t, err, ErrIncompatible)

	env, err := Decode([]byte(`{"version":1,"conversation_id":"c1"}`))
	require.NoError(t, err)
	require.True(t, env.Context.IsEmpty())
}

func TestLoad_CorruptValueSurfacesError(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, Key("", "c1"), []byte("garbage")))
	_, ok, err := Load(ctx, s, "", "c1")
	require.False(t, ok)
	require.ErrorIs(t, err, ErrIncompatible)
}

func TestKeyRoundTrip(t *testing.T) {
	k := Key("app:", "abc")
	require.Equal(t, "app:abc", k)
	id, ok := ConversationIDFromKey("app:", k)
	require.True(t, ok)
	require.Equal(t, "abc", id)
	_, ok = ConversationIDFromKey("app:", "other:abc")
	require.False(t, ok)
}

func TestOpen_Backends(t *testing.T) {
	s, err := Open(Settings{Backend: BackendMemory})
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, s)

	s, err = Open(Settings{Backend: BackendSQLite, DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Settings{Backend: "etcd"})
	require.Error(t, err)
}
