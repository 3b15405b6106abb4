// Package page loads older message history on demand, one coalesced
// request per conversation at a time.
package page

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/cache"
	"github.com/mentorloop/coachchat/internal/store"
)

// MessageLister is the slice of the messaging API the controller pages
// through.
type MessageLister interface {
	ListMessages(ctx context.Context, convID, cursor string, limit int) (*api.MessagePage, error)
}

const defaultPageSize = 50

// threadState is the paging position of one conversation.
type threadState struct {
	cursor    string
	exhausted bool
	inflight  *fetch
}

// fetch is one in-flight page request; concurrent LoadMore calls for the
// same conversation share its result.
type fetch struct {
	done  chan struct{}
	added int
	err   error
}

// Controller pages backward through conversation history.
type Controller struct {
	lister   MessageLister
	st       *store.Store
	db       *cache.DB
	logger   *zap.Logger
	pageSize int

	mu      sync.Mutex
	threads map[string]*threadState
}

// Option configures a Controller.
type Option func(*Controller)

// WithPageSize sets how many messages one page requests.
func WithPageSize(n int) Option {
	return func(c *Controller) { c.pageSize = n }
}

// NewController creates a pagination controller.
func NewController(lister MessageLister, st *store.Store, db *cache.DB, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		lister:   lister,
		st:       st,
		db:       db,
		logger:   logger,
		pageSize: defaultPageSize,
		threads:  make(map[string]*threadState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadMore fetches the next older page for a conversation and inserts it
// into the store. Concurrent calls for the same conversation share one
// request. Returns the number of messages actually added; an exhausted
// conversation returns 0 without a round-trip.
func (c *Controller) LoadMore(ctx context.Context, convID string) (int, error) {
	c.mu.Lock()
	ts, ok := c.threads[convID]
	if !ok {
		ts = &threadState{}
		c.threads[convID] = ts
	}
	if ts.exhausted {
		c.mu.Unlock()
		return 0, nil
	}
	if ts.inflight != nil {
		f := ts.inflight
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.added, f.err
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f := &fetch{done: make(chan struct{})}
	ts.inflight = f
	cursor := ts.cursor
	c.mu.Unlock()

	page, err := c.lister.ListMessages(ctx, convID, cursor, c.pageSize)

	c.mu.Lock()
	ts.inflight = nil
	if err != nil {
		c.mu.Unlock()
		f.err = err
		close(f.done)
		return 0, err
	}
	if c.threads[convID] != ts {
		// Reset replaced the thread state while the request was in
		// flight; this page belongs to the abandoned window.
		c.mu.Unlock()
		c.logger.Debug("dropped stale history page",
			zap.String("conversation_id", convID), zap.String("cursor", cursor))
		close(f.done)
		return 0, nil
	}
	ts.cursor = page.NextCursor
	ts.exhausted = !page.HasMore
	c.mu.Unlock()

	msgs := make([]store.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, m.ToStore())
	}
	f.added = c.st.InsertHistory(convID, msgs)
	c.persist(msgs)
	close(f.done)

	c.logger.Debug("history page loaded",
		zap.String("conversation_id", convID),
		zap.Int("fetched", len(msgs)), zap.Int("added", f.added),
		zap.Bool("has_more", page.HasMore))
	return f.added, nil
}

// HasMore reports whether older history may remain. Unknown conversations
// report true until their first page says otherwise.
func (c *Controller) HasMore(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.threads[convID]
	return !ok || !ts.exhausted
}

// Reset forgets a conversation's paging position, e.g. after it was
// rekeyed to a server id. The next LoadMore starts from the newest page.
func (c *Controller) Reset(convID string) {
	c.mu.Lock()
	delete(c.threads, convID)
	c.mu.Unlock()
}

func (c *Controller) persist(msgs []store.Message) {
	if c.db == nil {
		return
	}
	for i := range msgs {
		if err := c.db.UpsertMessage(&msgs[i]); err != nil {
			c.logger.Error("failed to cache history message", zap.Error(err))
			return
		}
	}
}
