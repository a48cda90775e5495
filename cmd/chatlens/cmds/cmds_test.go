package cmds

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatlens/pkg/events"
	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/querycontext"
	"github.com/go-go-golems/chatlens/pkg/session"
)

func rowMap(pairs []types.MapRowPair) map[string]interface{} {
	out := map[string]interface{}{}
	for _, p := range pairs {
		out[p.Key] = p.Value
	}
	return out
}

func TestReadFrames(t *testing.T) {
	frames, err := ReadFrames(filepath.Join("testdata", "scenario.jsonl"))
	require.NoError(t, err)
	require.Len(t, frames, 10)

	frames, err = ReadFrames(filepath.Join("testdata", "scenario.yaml"))
	require.NoError(t, err)
	require.Len(t, frames, 4)
	f, err := events.DecodeFrame(frames[3])
	require.NoError(t, err)
	require.Equal(t, events.FrameMessages, f.Kind)
	require.Equal(t, events.OpReplace, f.Op)

	_, err = ReadFrames(filepath.Join("testdata", "missing.jsonl"))
	require.Error(t, err)
}

func TestReplay_ScenarioIntoBoltStore(t *testing.T) {
	ctx := context.Background()
	s := contextstore.Settings{Backend: contextstore.BackendBolt, DSN: filepath.Join(t.TempDir(), "ctx.bolt")}
	ctrl, store, cleanup, err := openSession(s)
	require.NoError(t, err)
	defer cleanup()

	frames, err := ReadFrames(filepath.Join("testdata", "scenario.jsonl"))
	require.NoError(t, err)
	p, err := Replay(ctx, ctrl, "c1", frames)
	require.NoError(t, err)
	require.NoError(t, ctrl.Flush(ctx))

	summary := ViewRows(ViewContext, p)
	require.Len(t, summary, 1)
	row := rowMap(summary[0])
	require.Equal(t, "sales", row["dataset"])
	require.Equal(t, 1, row["steps"])
	require.Equal(t, 12, row["row_count"])
	require.Equal(t, 3, row["messages"])

	steps := ViewRows(ViewSteps, p)
	require.Len(t, steps, 1)
	require.Equal(t, "completed", rowMap(steps[0])["status"])
	require.Equal(t, int64(80), rowMap(steps[0])["time_ms"])

	msgs := ViewRows(ViewMessages, p)
	require.Len(t, msgs, 3)
	require.Equal(t, "Revenue grew steadily.", rowMap(msgs[1])["content"])

	listed, err := ListContexts(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "c1", rowMap(listed[0])["conv_id"])
	require.Equal(t, contextstore.EnvelopeVersion, rowMap(listed[0])["version"])

	var buf bytes.Buffer
	require.NoError(t, ShowContext(ctx, store, "", "c1", false, &buf))
	require.Contains(t, buf.String(), "dataset: sales")

	buf.Reset()
	require.NoError(t, ShowContext(ctx, store, "", "nope", false, &buf))
	require.Contains(t, buf.String(), "no query context stored for nope")
}

func TestReplay_ResumesFromPersistedContext(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	require.NoError(t, contextstore.Save(ctx, store, "", "c1", &querycontext.QueryContext{
		SQLSteps: []events.SQLStep{{Step: "sql_generator", Status: events.StepRunning}},
	}))

	ctrl := session.NewController(session.WithStore(store, ""))
	defer func() { _ = ctrl.Close() }()

	frames, err := ReadFrames(filepath.Join("testdata", "scenario.yaml"))
	require.NoError(t, err)
	p, err := Replay(ctx, ctrl, "c1", frames)
	require.NoError(t, err)

	require.Len(t, p.QueryContext.SQLSteps, 1)
	require.Equal(t, events.StepCompleted, p.QueryContext.SQLSteps[0].Status)
	require.Equal(t, int64(120), p.QueryContext.SQLSteps[0].TimeMs)
	require.Len(t, p.Messages, 1)
}

func TestListContexts_ReportsIncompatibleEntries(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	require.NoError(t, store.Set(ctx, contextstore.Key("", "legacy"), []byte(`{"cacheHit":{}}`)))

	rows, err := ListContexts(ctx, store, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Contains(t, rowMap(rows[0])["error"], "incompatible")
}

type undeletableStore struct {
	*contextstore.InMemoryStore
}

func (undeletableStore) Delete(context.Context, string) error {
	return errors.New("read-only")
}

func TestDeleteContexts(t *testing.T) {
	ctx := context.Background()
	store := contextstore.NewInMemoryStore()
	qc := &querycontext.QueryContext{Insight: &events.Insight{Content: "x"}}
	require.NoError(t, contextstore.Save(ctx, store, "", "a", qc))
	require.NoError(t, contextstore.Save(ctx, store, "", "b", qc))

	var buf bytes.Buffer
	require.NoError(t, DeleteContexts(ctx, store, "", []string{"a", " b ", ""}, &buf))
	require.Equal(t, "deleted 2 context(s)\n", buf.String())
	keys, err := store.Keys(ctx, contextstore.DefaultPrefix)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDeleteContexts_ReportsStoreFailure(t *testing.T) {
	ctx := context.Background()
	store := undeletableStore{InMemoryStore: contextstore.NewInMemoryStore()}
	require.NoError(t, contextstore.Save(ctx, store, "", "a", &querycontext.QueryContext{Insight: &events.Insight{Content: "x"}}))

	var buf bytes.Buffer
	err := DeleteContexts(ctx, store, "", []string{"a"}, &buf)
	require.ErrorContains(t, err, "read-only")
	require.Empty(t, buf.String())
}
