// Package sync applies remote events to the in-memory store and keeps the
// offline cache and resume cursor in step with them.
package sync

import (
	"context"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/cache"
	"github.com/mentorloop/coachchat/internal/store"
	"github.com/mentorloop/coachchat/internal/stream"
	"go.uber.org/zap"
)

// ConversationLister is the slice of the messaging API the engine needs to
// resynchronize the conversation list after a reconnect.
type ConversationLister interface {
	ListConversations(ctx context.Context, includeArchived bool) ([]api.Conversation, error)
}

// Engine handles idempotent ingestion of stream events into the store.
// It subscribes to "stream." events on the bus and processes them.
type Engine struct {
	st         *store.Store
	db         *cache.DB
	lister     ConversationLister
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(st *store.Store, db *cache.DB, lister ConversationLister, b *bus.Bus, r *Reconciler, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		st:         st,
		db:         db,
		lister:     lister,
		bus:        b,
		reconciler: r,
		logger:     logger,
	}
}

// Warm seeds the store from the offline cache so the UI has data before
// the first network round-trip completes.
func (e *Engine) Warm() error {
	if e.db == nil {
		return nil
	}
	convs, err := e.db.ListConversations(0)
	if err != nil {
		return err
	}
	var msgs []store.Message
	for _, c := range convs {
		page, err := e.db.ListMessages(c.ID, 0, 50)
		if err != nil {
			return err
		}
		msgs = append(msgs, page...)
	}
	e.st.Seed(convs, msgs)
	e.logger.Info("store warmed from cache",
		zap.Int("conversations", len(convs)), zap.Int("messages", len(msgs)))
	return nil
}

// Start subscribes to inbound stream events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("stream.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindStreamEvent:
		se, ok := evt.Payload.(stream.StreamEvent)
		if !ok {
			return
		}
		e.Ingest(se.Event)
		if se.Cursor != "" && e.reconciler != nil {
			if err := e.reconciler.UpdateCursor(se.Cursor); err != nil {
				e.logger.Error("failed to checkpoint cursor", zap.Error(err))
			}
		}
	case bus.KindStreamConnected:
		// The stream replays events since the cursor; the conversation
		// list itself is refreshed through the request API.
		go e.resync(ctx)
	}
}

// Ingest applies a single remote event to the store and mirrors durable
// entities into the cache (idempotent).
func (e *Engine) Ingest(ev store.Event) {
	e.st.ApplyEvent(ev)
	if e.db == nil {
		return
	}
	switch typed := ev.(type) {
	case store.NewMessage:
		// Re-read through the store: the dedup rule may have rekeyed the
		// event onto an existing pending entry.
		if err := e.persistMessage(typed.Message.ConversationID, typed.Message.ServerID); err != nil {
			e.logger.Error("failed to persist message", zap.Error(err),
				zap.String("server_id", typed.Message.ServerID))
		}
		e.persistConversation(typed.Message.ConversationID)
	case store.MessageUpdated:
		if err := e.persistMessage(typed.ConversationID, typed.ServerID); err != nil {
			e.logger.Error("failed to persist message update", zap.Error(err),
				zap.String("server_id", typed.ServerID))
		}
	case store.ConversationUpdated:
		e.persistConversation(typed.Conversation.ID)
	}
}

func (e *Engine) persistMessage(convID, serverID string) error {
	for _, m := range e.st.Messages(convID) {
		if m.ServerID == serverID {
			msg := m
			return e.db.UpsertMessage(&msg)
		}
	}
	// Absorbed as stale/duplicate; nothing durable to write.
	return nil
}

func (e *Engine) persistConversation(convID string) {
	c, ok := e.st.Conversation(convID)
	if !ok {
		return
	}
	if err := e.db.UpsertConversation(&c); err != nil {
		e.logger.Error("failed to persist conversation", zap.Error(err),
			zap.String("conversation_id", convID))
	}
}

// resync refreshes the conversation list from the request API after a
// (re)connect, catching up on anything the event replay did not cover.
func (e *Engine) resync(ctx context.Context) {
	if e.lister == nil {
		return
	}
	convs, err := e.lister.ListConversations(ctx, true)
	if err != nil {
		e.logger.Warn("conversation resync failed", zap.Error(err))
		return
	}
	for _, c := range convs {
		sc := c.ToStore()
		e.st.ApplyEvent(store.ConversationUpdated{Conversation: sc})
		if e.db != nil {
			if err := e.db.UpsertConversation(&sc); err != nil {
				e.logger.Error("failed to persist conversation", zap.Error(err))
			}
		}
	}
	e.logger.Info("conversation list resynced", zap.Int("count", len(convs)))
}
