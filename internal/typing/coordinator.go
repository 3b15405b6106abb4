// Package typing debounces the local user's keystrokes into typing
// start/stop signals and expires stale remote indicators.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mentorloop/coachchat/internal/store"
	"github.com/mentorloop/coachchat/internal/stream"
)

// CommandSender is the outbound half of the stream the coordinator signals
// through.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd stream.OutboundCommand) error
}

const (
	defaultIdleTimeout   = 3 * time.Second
	defaultSweepInterval = time.Second
)

// Coordinator tracks which conversations the local user is typing in and
// emits at most one start signal per idle window, refreshing it while the
// burst continues so remote indicators do not expire mid-burst. Signals
// are best-effort: a disconnected stream only logs.
type Coordinator struct {
	sender        CommandSender
	st            *store.Store
	logger        *zap.Logger
	idleTimeout   time.Duration
	sweepInterval time.Duration

	mu     sync.Mutex
	bursts map[string]*burst // conversations with an active typing burst
	cancel context.CancelFunc
}

// burst is one open typing run in a conversation. lastSignal throttles
// start re-emission to once per idle window.
type burst struct {
	timer      *time.Timer
	lastSignal time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIdleTimeout sets how long after the last keystroke the typing burst
// ends.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.idleTimeout = d }
}

// WithSweepInterval sets how often expired remote indicators are dropped.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweepInterval = d }
}

// NewCoordinator creates a typing coordinator.
func NewCoordinator(sender CommandSender, st *store.Store, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		sender:        sender,
		st:            st,
		logger:        logger,
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		bursts:        make(map[string]*burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InputActivity records a keystroke in a conversation. The first keystroke
// of a burst sends a start signal; subsequent ones push the idle deadline
// out, re-emitting the start once the last signal is a full idle window
// old so peers that expire indicators keep seeing the burst.
func (c *Coordinator) InputActivity(ctx context.Context, convID string) {
	now := time.Now()
	c.mu.Lock()
	b, active := c.bursts[convID]
	if active {
		b.timer.Reset(c.idleTimeout)
		if now.Sub(b.lastSignal) < c.idleTimeout {
			c.mu.Unlock()
			return
		}
		b.lastSignal = now
		c.mu.Unlock()
		c.signal(ctx, convID, true)
		return
	}
	c.bursts[convID] = &burst{
		lastSignal: now,
		timer: time.AfterFunc(c.idleTimeout, func() {
			c.endBurst(convID)
		}),
	}
	c.mu.Unlock()

	c.signal(ctx, convID, true)
}

// StopTyping ends the typing burst immediately, e.g. when the draft is
// sent or the conversation loses focus. No-op outside a burst.
func (c *Coordinator) StopTyping(ctx context.Context, convID string) {
	c.mu.Lock()
	b, active := c.bursts[convID]
	if active {
		b.timer.Stop()
		delete(c.bursts, convID)
	}
	c.mu.Unlock()
	if !active {
		return
	}
	c.signal(ctx, convID, false)
}

func (c *Coordinator) endBurst(convID string) {
	c.mu.Lock()
	_, active := c.bursts[convID]
	delete(c.bursts, convID)
	c.mu.Unlock()
	if !active {
		// StopTyping raced the timer and already signalled.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.signal(ctx, convID, false)
}

func (c *Coordinator) signal(ctx context.Context, convID string, isTyping bool) {
	err := c.sender.SendCommand(ctx, stream.OutboundCommand{
		Type: stream.TypeTyping,
		Payload: stream.TypingPayload{
			ConversationID: convID,
			UserID:         c.st.SelfID(),
			IsTyping:       isTyping,
		},
	})
	if err != nil {
		c.logger.Debug("typing signal dropped",
			zap.Error(err), zap.String("conversation_id", convID), zap.Bool("is_typing", isTyping))
	}
}

// Start runs the sweeper that drops expired remote typing indicators so
// a missed stop event cannot pin "is typing" forever.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.sweep(ctx)
}

// Stop halts the sweeper and ends any open typing bursts without
// signalling.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for convID, b := range c.bursts {
		b.timer.Stop()
		delete(c.bursts, convID)
	}
	c.mu.Unlock()
}

func (c *Coordinator) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.st.SweepTyping(time.Now()); n > 0 {
				c.logger.Debug("expired typing indicators", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
