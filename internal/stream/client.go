// Package stream maintains the live event subscription to the messaging
// service: one websocket connection with auto-reconnect, resume cursor and
// heartbeat. Decoded events are published on the bus; the sync engine
// applies them to the store independently.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/errs"
	"github.com/mentorloop/coachchat/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// CursorSource supplies the resume cursor sent on dial so the server can
// replay events missed while disconnected.
type CursorSource interface {
	LastCursor() string
}

// Config holds the stream connection settings.
type Config struct {
	URL         string
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Heartbeat   time.Duration
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 25 * time.Second
	}
}

// Client owns the websocket subscription.
type Client struct {
	cfg     Config
	bus     *bus.Bus
	machine *status.Machine
	cursor  CursorSource
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewClient creates a stream client. cursor may be nil for a fresh start.
func NewClient(cfg Config, b *bus.Bus, machine *status.Machine, cursor CursorSource, logger *zap.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		bus:     b,
		machine: machine,
		cursor:  cursor,
		logger:  logger,
	}
}

// Start begins the connect/read/reconnect loop.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop tears the subscription down.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client stop")
	}
}

// SendCommand writes a client-to-server frame (typing signals, presence
// updates). Returns a TransportError when disconnected so callers can
// treat it as best-effort.
func (c *Client) SendCommand(ctx context.Context, cmd OutboundCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &errs.TransportError{Op: "send command", Err: fmt.Errorf("stream not connected")}
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &errs.TransportError{Op: "send command", Err: err}
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	recon := newReconnector(c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.MaxAttempts)

	for {
		if ctx.Err() != nil {
			_ = c.machine.Transition(status.Stopped)
			return
		}
		_ = c.machine.Transition(status.Connecting)

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("stream dial failed", zap.Error(err))
			if !c.backoff(ctx, recon) {
				return
			}
			continue
		}

		recon.markConnected()
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		_ = c.machine.Transition(status.Syncing)
		c.bus.Publish(bus.KindStreamConnected, nil)
		c.logger.Info("stream connected")

		err = c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if ctx.Err() != nil {
			_ = c.machine.Transition(status.Stopped)
			return
		}
		c.logger.Warn("stream connection lost", zap.Error(err))
		c.bus.Publish(bus.KindStreamDisconnected, nil)
		if !c.backoff(ctx, recon) {
			return
		}
	}
}

// backoff waits before the next attempt. Returns false when attempts are
// exhausted or the context ended; exhaustion lands the machine in Degraded
// so the projection shows staleness.
func (c *Client) backoff(ctx context.Context, recon *reconnector) bool {
	if !recon.shouldReconnect() {
		c.logger.Error("stream reconnect attempts exhausted")
		_ = c.machine.Transition(status.Degraded)
		c.bus.Publish(bus.KindStreamDisconnected, nil)
		return false
	}
	_ = c.machine.Transition(status.Reconnecting)
	delay := recon.nextDelay()
	c.logger.Info("stream reconnecting", zap.Duration("delay", delay))
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		_ = c.machine.Transition(status.Stopped)
		return false
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u := strings.Replace(c.cfg.URL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/v1/events?token=" + c.cfg.Token
	if c.cursor != nil {
		if cur := c.cursor.LastCursor(); cur != "" {
			u += "&cursor=" + cur
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The server greets with a "connected" frame before any events.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeConnected {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q frame, got %q", TypeConnected, env.Type)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeat(hbCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Fail-soft: a bad frame must not kill the subscription.
			c.logger.Warn("malformed stream frame dropped", zap.Error(err))
			continue
		}

		switch env.Type {
		case TypeConnected:
			continue
		case TypeCaughtUp:
			_ = c.machine.Transition(status.Live)
			continue
		}

		ev, err := Decode(env)
		if err != nil {
			c.logger.Warn("undecodable stream event dropped",
				zap.String("type", env.Type), zap.Error(err))
			continue
		}
		c.bus.Publish(bus.KindStreamEvent, StreamEvent{Cursor: env.Cursor, Event: ev})
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
