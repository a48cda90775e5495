package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// WSConfig identifies one websocket connection. It is comparable and used as
// the memo key in Clients.
type WSConfig struct {
	URL              string
	Authorization    string
	Subprotocol      string
	HandshakeTimeout time.Duration
	// MaxReconnectWait bounds the total time spent reconnecting after a drop.
	// Zero retries until ctx is done.
	MaxReconnectWait time.Duration
}

// WSSource reads frames from a websocket server and reconnects with
// exponential backoff when the connection drops.
type WSSource struct {
	cfg WSConfig

	mu      sync.Mutex
	running bool
}

var _ Source = &WSSource{}

func NewWSSource(cfg WSConfig) *WSSource {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WSSource{cfg: cfg}
}

func (s *WSSource) Config() WSConfig { return s.cfg }

// Run connects and forwards every text or binary message to h. It returns
// nil when ctx is cancelled, or an error once reconnecting gives up.
func (s *WSSource) Run(ctx context.Context, h Handler) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("websocket source: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = s.cfg.MaxReconnectWait
	bo.Reset()
	b := backoff.WithContext(bo, ctx)

	for {
		delivered, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if delivered {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return errors.Wrap(err, "websocket source: giving up")
		}
		log.Warn().Err(err).
			Str("component", "transport").
			Str("url", s.cfg.URL).
			Dur("retry_in", wait).
			Msg("websocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session runs one connection and reports whether any frame was delivered.
func (s *WSSource) session(ctx context.Context, h Handler) (bool, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}
	if s.cfg.Subprotocol != "" {
		dialer.Subprotocols = []string{s.cfg.Subprotocol}
	}
	header := http.Header{}
	if s.cfg.Authorization != "" {
		header.Set("Authorization", s.cfg.Authorization)
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, errors.Wrap(err, "websocket connect")
	}
	log.Info().Str("component", "transport").Str("url", s.cfg.URL).Msg("websocket connected")

	// unblock ReadMessage on cancellation
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
	}()

	delivered := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return delivered, errors.New("websocket closed by server")
			}
			return delivered, errors.Wrap(err, "websocket read")
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		delivered = true
		h(ctx, data)
	}
}
