package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/session"
	"github.com/go-go-golems/chatlens/pkg/ui"
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect persisted query contexts",
}

func AddContextCommands(root *cobra.Command) {
	listCmd, err := NewContextListCommand()
	cobra.CheckErr(err)
	showCmd, err := NewContextShowCommand()
	cobra.CheckErr(err)
	deleteCmd, err := NewContextDeleteCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{listCmd, showCmd, deleteCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		cobra.CheckErr(err)
		contextCmd.AddCommand(cobraCmd)
	}
	root.AddCommand(contextCmd)
}

type ContextListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ContextListCommand{}

func NewContextListCommand() (*ContextListCommand, error) {
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
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List conversations with a persisted query context"),
		cmds.WithSections(glazedSection, commandSettingsSection, storeSection),
	)
	return &ContextListCommand{CommandDescription: desc}, nil
}

func (c *ContextListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	store, err := contextstore.Open(s)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := ListContexts(ctx, store, s.Prefix)
	if err != nil {
		return err
	}
	for _, pairs := range rows {
		if err := gp.AddRow(ctx, types.NewRow(pairs...)); err != nil {
			return err
		}
	}
	return nil
}

// ListContexts returns one row per stored conversation. Entries that cannot
// be decoded are listed with their error instead of failing the listing.
func ListContexts(ctx context.Context, store contextstore.Store, prefix string) ([][]types.MapRowPair, error) {
	if prefix == "" {
		prefix = contextstore.DefaultPrefix
	}
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list context keys")
	}
	rows := make([][]types.MapRowPair, 0, len(keys))
	for _, key := range keys {
		id, _ := contextstore.ConversationIDFromKey(prefix, key)
		b, ok, err := store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		env, err := contextstore.Decode(b)
		if err != nil {
			rows = append(rows, []types.MapRowPair{
				types.MRP("conv_id", id),
				types.MRP("key", key),
				types.MRP("error", err.Error()),
			})
			continue
		}
		dataset := ""
		if env.Context.IntentAnalysis != nil {
			dataset = env.Context.IntentAnalysis.Dataset
		}
		rows = append(rows, []types.MapRowPair{
			types.MRP("conv_id", id),
			types.MRP("key", key),
			types.MRP("version", env.Version),
			types.MRP("saved_at_ms", env.SavedAtMs),
			types.MRP("dataset", dataset),
			types.MRP("steps", len(env.Context.SQLSteps)),
		})
	}
	return rows, nil
}

type ContextShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &ContextShowCommand{}

type ContextShowSettings struct {
	ConvID string `glazed:"conv-id"`
	JSON   bool   `glazed:"json"`
}

func NewContextShowCommand() (*ContextShowCommand, error) {
	storeSection, err := contextstore.NewParameterLayer()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Print the persisted query context of a conversation"),
		cmds.WithArguments(
			fields.New("conv-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Conversation id")),
		),
		cmds.WithFlags(
			fields.New("json", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print the stored envelope as JSON")),
		),
		cmds.WithSections(storeSection),
	)
	return &ContextShowCommand{CommandDescription: desc}, nil
}

func (c *ContextShowCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &ContextShowSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	storeSettings, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	store, err := contextstore.Open(storeSettings)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return ShowContext(ctx, store, storeSettings.Prefix, s.ConvID, s.JSON, w)
}

func ShowContext(ctx context.Context, store contextstore.Store, prefix, convID string, asJSON bool, w io.Writer) error {
	qc, ok, err := contextstore.Load(ctx, store, prefix, convID)
	if err != nil {
		return err
	}
	if !ok {
		_, err := fmt.Fprintf(w, "no query context stored for %s\n", convID)
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(qc)
	}
	return ui.Render(w, session.Projection{ConversationID: convID, QueryContext: qc}, ui.Options{HideMessages: true})
}

type ContextDeleteCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &ContextDeleteCommand{}

type ContextDeleteSettings struct {
	ConvIDs []string `glazed:"conv-ids"`
}

func NewContextDeleteCommand() (*ContextDeleteCommand, error) {
	storeSection, err := contextstore.NewParameterLayer()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"delete",
		cmds.WithShort("Delete persisted query contexts"),
		cmds.WithArguments(
			fields.New("conv-ids", fields.TypeStringList, fields.WithRequired(true), fields.WithHelp("Conversation ids")),
		),
		cmds.WithSections(storeSection),
	)
	return &ContextDeleteCommand{CommandDescription: desc}, nil
}

func (c *ContextDeleteCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &ContextDeleteSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	storeSettings, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	store, err := contextstore.Open(storeSettings)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return DeleteContexts(ctx, store, storeSettings.Prefix, s.ConvIDs, w)
}

// DeleteContexts removes the persisted context of every id and stops at the
// first store error.
func DeleteContexts(ctx context.Context, store contextstore.Store, prefix string, convIDs []string, w io.Writer) error {
	deleted := 0
	for _, id := range convIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := contextstore.Remove(ctx, store, prefix, id); err != nil {
			return errors.Wrapf(err, "delete context %s", id)
		}
		deleted++
	}
	log.Info().Str("component", "context").Strs("conv_ids", convIDs).Msg("deleted query contexts")
	_, err := fmt.Fprintf(w, "deleted %d context(s)\n", deleted)
	return err
}
