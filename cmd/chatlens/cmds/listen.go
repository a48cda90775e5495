package cmds

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatlens/pkg/auth"
	"github.com/go-go-golems/chatlens/pkg/persistence/contextstore"
	"github.com/go-go-golems/chatlens/pkg/redisstream"
	"github.com/go-go-golems/chatlens/pkg/session"
	"github.com/go-go-golems/chatlens/pkg/transport"
	"github.com/go-go-golems/chatlens/pkg/ui"
)

type ListenCommand struct {
	*cmds.CommandDescription
	clients *transport.Clients
}

var _ cmds.WriterCommand = (*ListenCommand)(nil)

type ListenSettings struct {
	ConvID        string `glazed:"conv-id"`
	WSURL         string `glazed:"ws-url"`
	AuthURL       string `glazed:"auth-url"`
	AuthCode      string `glazed:"auth-code"`
	Render        string `glazed:"render"`
	HideMessages  bool   `glazed:"hide-messages"`
	MaxReconnectS int    `glazed:"max-reconnect-seconds"`

	Redis redisstream.Settings
}

func NewListenCommand() (*ListenCommand, error) {
	storeSection, err := contextstore.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build store section")
	}
	redisSection, err := redisstream.NewParameterLayer()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}

	desc := cmds.NewCommandDescription(
		"listen",
		cmds.WithShort("Follow a live conversation"),
		cmds.WithLong("Connect to a frame source (websocket or Redis Streams), fold frames into the session and re-render the view on every change."),
		cmds.WithFlags(
			fields.New("conv-id", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Conversation id (empty = start a new one)")),
			fields.New("ws-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Websocket endpoint; {conv_id} is substituted")),
			fields.New("auth-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Credential exchange endpoint")),
			fields.New("auth-code", fields.TypeString, fields.WithDefault(""), fields.WithHelp("One-time code to exchange for a bearer credential")),
			fields.New("render", fields.TypeChoice,
				fields.WithChoices("auto", "styled", "plain"),
				fields.WithDefault("auto"),
				fields.WithHelp("Output styling")),
			fields.New("hide-messages", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Only print the query context")),
			fields.New("max-reconnect-seconds", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Give up reconnecting after this long (0 = never)")),
		),
		cmds.WithSections(storeSection, redisSection),
	)
	return &ListenCommand{CommandDescription: desc, clients: transport.NewClients()}, nil
}

func (c *ListenCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &ListenSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init listen settings")
	}
	if err := parsed.DecodeSectionInto("redis", &s.Redis); err != nil {
		return errors.Wrap(err, "init redis settings")
	}
	storeSettings, err := decodeStoreSettings(parsed)
	if err != nil {
		return err
	}
	if !s.Redis.Enabled && s.WSURL == "" {
		return errors.New("either --ws-url or --redis-enabled is required")
	}

	ctrl, _, cleanup, err := openSession(storeSettings)
	if err != nil {
		return err
	}
	defer cleanup()

	renderOpts := ui.Options{Styled: styled(s.Render, w), HideMessages: s.HideMessages}
	updates := make(chan session.Projection, 1)
	ctrl.Subscribe(func(p session.Projection) {
		// keep only the newest projection when the printer lags behind
		select {
		case updates <- p:
		default:
			select {
			case <-updates:
			default:
			}
			updates <- p
		}
	})

	if s.ConvID == "" {
		id, err := ctrl.NewConversation(ctx)
		if err != nil {
			return err
		}
		s.ConvID = id
	} else if err := ctrl.Activate(ctx, s.ConvID); err != nil {
		return err
	}

	authorization := ""
	if s.AuthCode != "" {
		err := ctrl.Authenticate(ctx, auth.NewOnce(auth.NewHTTPExchanger(s.AuthURL)), s.AuthCode)
		if err != nil {
			_ = ui.Render(w, ctrl.Projection(), renderOpts)
			return errors.Wrap(err, "authenticate")
		}
		authorization = ctrl.Credential().AuthorizationHeader()
	}

	source, closeSource, err := c.buildSource(ctx, s, authorization)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer cancel()
		handler := transport.FilterConversation(ctrl.ConversationID, func(ctx context.Context, raw []byte) {
			ctrl.HandleRaw(ctx, raw)
		})
		return source.Run(ctx, handler)
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p := <-updates:
				if err := ui.Render(w, p, renderOpts); err != nil {
					return err
				}
			}
		}
	})

	err = eg.Wait()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if ferr := ctrl.Flush(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Str("component", "listen").Msg("pending context writes not flushed")
	}
	return err
}

func (c *ListenCommand) buildSource(ctx context.Context, s *ListenSettings, authorization string) (transport.Source, func(), error) {
	if s.Redis.Enabled {
		tr, err := redisstream.Build(s.Redis)
		if err != nil {
			return nil, nil, err
		}
		if s.Redis.FromTail {
			if err := redisstream.EnsureGroupAtTail(ctx, tr.Client, transport.TopicForConversation(s.ConvID), s.Redis.Group); err != nil {
				_ = tr.Close()
				return nil, nil, err
			}
		}
		log.Info().Str("component", "listen").Str("addr", s.Redis.Addr).Str("conv_id", s.ConvID).Msg("listening on redis stream")
		closeFn := func() {
			if err := tr.Close(); err != nil {
				log.Warn().Err(err).Str("component", "listen").Msg("close redis transport")
			}
		}
		return transport.NewStreamSource(s.ConvID, tr.Subscriber), closeFn, nil
	}

	cfg := transport.WSConfig{
		URL:              strings.ReplaceAll(s.WSURL, "{conv_id}", s.ConvID),
		Authorization:    authorization,
		MaxReconnectWait: time.Duration(s.MaxReconnectS) * time.Second,
	}
	log.Info().Str("component", "listen").Str("url", cfg.URL).Str("conv_id", s.ConvID).Msg("listening on websocket")
	return c.clients.Get(cfg), func() {}, nil
}

func styled(mode string, w io.Writer) bool {
	switch mode {
	case "styled":
		return true
	case "plain":
		return false
	}
	f, ok := w.(*os.File)
	return ok && ui.StyledOutput(f)
}
