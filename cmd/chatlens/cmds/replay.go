package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatlens/pkg/messages"
	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/redisstream"
	"github.com/go-go-golems/chatlens/pkg/session"
	"github.com/go-go-golems/chatlens/pkg/transport"
)

const (
	ViewContext  = "context"
	ViewSteps    = "steps"
	ViewMessages = "messages"
)

type ReplayCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ReplayCommand{}

type ReplaySettings struct {
	File    string `glazed:"file"`
	ConvID  string `glazed:"conv-id"`
	View    string `glazed:"view"`
	Fresh   bool   `glazed:"fresh"`
	Publish bool   `glazed:"publish"`

	Redis redisstream.Settings
}

func NewReplayCommand() (*ReplayCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := contextstore.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build store section")
	}
	redisSection, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"replay",
		cmds.WithShort("Replay recorded frames through a session"),
		cmds.WithLong("Feed a .jsonl or .yaml frame recording through the session controller and print the resulting projection."),
		cmds.WithArguments(
			fields.New("file", fields.TypeString, fields.WithHelp("Frames file (.jsonl or .yaml)"), fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("conv-id", fields.TypeString, fields.WithDefault("replay"), fields.WithHelp("Conversation id to replay into")),
			fields.New("view", fields.TypeChoice,
				fields.WithChoices(ViewContext, ViewSteps, ViewMessages),
				fields.WithDefault(ViewContext),
				fields.WithHelp("Which part of the projection to output")),
			fields.New("fresh", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Drop the persisted context before replaying")),
			fields.New("publish", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Also publish the frames to the conversation's redis stream (requires --redis-enabled)")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection, storeSection, redisSection),
	)
	return &ReplayCommand{CommandDescription: desc}, nil
}

func (c *ReplayCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &ReplaySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init replay settings")
	}
	if err := parsed.DecodeSectionInto("redis", &s.Redis); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	if s.Publish && !s.Redis.Enabled {
		return errors.New("--publish requires --redis-enabled")
	}
	storeSettings, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}

	frames, err := ReadFrames(s.File)
	if err != nil {
		return err
	}

	ctrl, store, cleanup, err := openSession(storeSettings)
	if err != nil {
		return err
	}
	defer cleanup()

	if s.Fresh {
		if err := contextstore.Remove(ctx, store, storeSettings.Prefix, s.ConvID); err != nil {
			return errors.Wrap(err, "drop persisted context")
		}
	}

	p, err := Replay(ctx, ctrl, s.ConvID, frames)
	if err != nil {
		return err
	}
	if err := ctrl.Flush(ctx); err != nil {
		return err
	}
	log.Info().Str("component", "replay").Str("conv_id", s.ConvID).Int("frames", len(frames)).Msg("replay finished")

	if s.Publish {
		if err := publishToRedis(s.Redis, s.ConvID, frames); err != nil {
			return err
		}
	}

	for _, pairs := range ViewRows(s.View, p) {
		if err := gp.AddRow(ctx, types.NewRow(pairs...)); err != nil {
			return err
		}
	}
	return nil
}

func publishToRedis(rs redisstream.Settings, convID string, frames [][]byte) error {
	tr, err := redisstream.Build(rs)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Warn().Err(err).Str("component", "replay").Msg("close redis transport")
		}
	}()
	if err := transport.PublishFrames(tr.Publisher, convID, frames); err != nil {
		return err
	}
	log.Info().Str("component", "replay").Str("addr", rs.Addr).Str("conv_id", convID).Msg("published frames to redis stream")
	return nil
}

// Replay activates convID and feeds every frame through the controller.
func Replay(ctx context.Context, ctrl *session.Controller, convID string, frames [][]byte) (session.Projection, error) {
	if err := ctrl.Activate(ctx, convID); err != nil {
		return session.Projection{}, err
	}
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return session.Projection{}, err
		}
		ctrl.HandleRaw(ctx, f)
	}
	return ctrl.Projection(), nil
}

// ViewRows flattens the selected part of a projection into table rows.
func ViewRows(view string, p session.Projection) [][]types.MapRowPair {
	var rows [][]types.MapRowPair
	switch view {
	case ViewMessages:
		for _, m := range messages.Renderable(p.Messages) {
			rows = append(rows, []types.MapRowPair{
				types.MRP("id", m.ID),
				types.MRP("type", string(m.Type)),
				types.MRP("content", m.Content),
				types.MRP("tool_calls", len(m.ToolCalls)),
				types.MRP("tool_call_id", m.ToolCallID),
				types.MRP("status", m.Status),
			})
		}
	case ViewSteps:
		if p.QueryContext == nil {
			return nil
		}
		for i, st := range p.QueryContext.SQLSteps {
			rows = append(rows, []types.MapRowPair{
				types.MRP("position", i),
				types.MRP("step", st.Step),
				types.MRP("status", string(st.Status)),
				types.MRP("time_ms", st.TimeMs),
				types.MRP("result", st.Result),
			})
		}
	default:
		qc := p.QueryContext
		row := []types.MapRowPair{
			types.MRP("conv_id", p.ConversationID),
			types.MRP("messages", len(messages.Renderable(p.Messages))),
		}
		if qc == nil {
			return [][]types.MapRowPair{row}
		}
		var dataset, intent, cacheType, insight, node string
		rowCount := 0
		if qc.IntentAnalysis != nil {
			dataset, intent = qc.IntentAnalysis.Dataset, qc.IntentAnalysis.Intent
		}
		if qc.CacheHit != nil {
			cacheType = qc.CacheHit.CacheType
		}
		if qc.DataQuery != nil {
			rowCount = qc.DataQuery.RowCount
		}
		if qc.Insight != nil {
			insight = qc.Insight.Content
		}
		if qc.NodeStatus != nil {
			node = qc.NodeStatus.Node
		}
		row = append(row,
			types.MRP("dataset", dataset),
			types.MRP("intent", intent),
			types.MRP("cache", cacheType),
			types.MRP("steps", len(qc.SQLSteps)),
			types.MRP("row_count", rowCount),
			types.MRP("node", node),
			types.MRP("insight", insight),
		)
		rows = append(rows, row)
	}
	return rows
}
