package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/types"
)

// WSConfig configures the WebSocket change feed.
type WSConfig struct {
	URL      string // ws:// or wss:// endpoint of the change feed
	DeviceID string
	MinRetry time.Duration // first reconnect delay, default 2s
	MaxRetry time.Duration // reconnect delay cap, default 1m

	// OnUp and OnDown observe feed connectivity, e.g. to hint the
	// network monitor. Both may be nil.
	OnUp   func()
	OnDown func(error)
}

// WSFeed consumes server-pushed change events over a WebSocket. The
// feed redials with doubling delays until stopped; each frame is one
// JSON ChangeEvent.
type WSFeed struct {
	cfg     WSConfig
	tokens  *security.TokenSource
	logger  *slog.Logger
	changes chan types.ChangeEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSFeed creates the feed. tokens may be nil.
func NewWSFeed(cfg WSConfig, tokens *security.TokenSource, logger *slog.Logger) *WSFeed {
	if cfg.MinRetry <= 0 {
		cfg.MinRetry = 2 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSFeed{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger.With("component", "wsfeed"),
		changes: make(chan types.ChangeEvent, 256),
	}
}

// Start spawns the dial/read loop.
func (f *WSFeed) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.run()
	f.logger.Info("change feed starting", "url", f.cfg.URL)
	return nil
}

// Stop tears down the connection and closes the change channel.
func (f *WSFeed) Stop() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	close(f.changes)
	f.logger.Info("change feed stopped")
	return nil
}

// Changes returns the stream of decoded change events.
func (f *WSFeed) Changes() <-chan types.ChangeEvent {
	return f.changes
}

func (f *WSFeed) run() {
	defer f.wg.Done()
	retry := f.cfg.MinRetry
	for {
		if f.ctx.Err() != nil {
			return
		}
		conn, err := f.dial()
		if err != nil {
			f.logger.Warn("change feed dial failed", "error", err, "retry_in", retry)
			if f.cfg.OnDown != nil {
				f.cfg.OnDown(err)
			}
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(retry):
			}
			if retry *= 2; retry > f.cfg.MaxRetry {
				retry = f.cfg.MaxRetry
			}
			continue
		}

		retry = f.cfg.MinRetry
		f.logger.Info("change feed connected")
		if f.cfg.OnUp != nil {
			f.cfg.OnUp()
		}

		err = f.read(conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if f.ctx.Err() != nil {
			return
		}
		f.logger.Warn("change feed disconnected", "error", err)
		if f.cfg.OnDown != nil {
			f.cfg.OnDown(err)
		}
	}
}

func (f *WSFeed) dial() (*websocket.Conn, error) {
	hdr := http.Header{}
	if f.cfg.DeviceID != "" {
		hdr.Set("X-Device-ID", f.cfg.DeviceID)
	}
	if f.tokens != nil {
		tok, err := f.tokens.Token()
		if err != nil {
			return nil, err
		}
		if tok != "" {
			hdr.Set("Authorization", "Bearer "+tok)
		}
	}

	dialCtx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.cfg.URL, &websocket.DialOptions{HTTPHeader: hdr})
	return conn, err
}

func (f *WSFeed) read(conn *websocket.Conn) error {
	for {
		var ev types.ChangeEvent
		if err := wsjson.Read(f.ctx, conn, &ev); err != nil {
			return err
		}
		if ev.Entity.ID == "" {
			f.logger.Warn("change event without entity id, skipping")
			continue
		}
		select {
		case f.changes <- ev:
		default:
			f.logger.Warn("change buffer full, dropping event", "entity", ev.Entity.ID)
		}
	}
}
