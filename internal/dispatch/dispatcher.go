// Package dispatch turns user intents (send, retry, mark read, start a
// conversation) into optimistic store mutations plus server round-trips,
// compensating on failure.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/cache"
	"github.com/mentorloop/coachchat/internal/errs"
	"github.com/mentorloop/coachchat/internal/store"
)

// API is the slice of the messaging service the dispatcher talks to.
type API interface {
	PostMessage(ctx context.Context, convID string, p api.PostMessagePayload) (*api.PostMessageResult, error)
	CreateConversation(ctx context.Context, p api.CreateConversationPayload) (*api.Conversation, error)
	MarkRead(ctx context.Context, convID string) error
}

// RetryPolicy bounds the automatic retries of a single send.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries transient failures twice before giving the
// message back to the user as failed.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Dispatcher executes user commands against the store and the remote API.
type Dispatcher struct {
	st     *store.Store
	db     *cache.DB
	api    API
	bus    *bus.Bus
	policy RetryPolicy
	logger *zap.Logger
}

// NewDispatcher creates a new command dispatcher.
func NewDispatcher(st *store.Store, db *cache.DB, a API, b *bus.Bus, policy RetryPolicy, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Dispatcher{
		st:     st,
		db:     db,
		api:    a,
		bus:    b,
		policy: policy,
		logger: logger,
	}
}

// SendMessage validates a draft, inserts it optimistically and delivers it
// in the background. Returns the client id identifying the pending entry.
func (d *Dispatcher) SendMessage(ctx context.Context, convID string, draft store.Draft) (string, error) {
	if strings.TrimSpace(draft.Content) == "" && draft.AttachmentRef == "" {
		return "", &errs.ValidationError{Reason: "message content is empty"}
	}
	if convID == "" {
		return "", &errs.ValidationError{Reason: "conversation id is empty"}
	}

	clientID := d.st.ApplyOptimisticSend(convID, draft)
	if d.db != nil {
		if err := d.db.QueueOutbox(clientID, convID, draft); err != nil {
			d.logger.Error("failed to queue outbox entry", zap.Error(err), zap.String("client_id", clientID))
		}
	}
	d.publish(bus.KindSendQueued, clientID, "")

	go d.deliver(ctx, convID, clientID, draft)
	return clientID, nil
}

// RetryMessage re-attempts a failed send using the same client id, so the
// server-side idempotency key prevents a duplicate.
func (d *Dispatcher) RetryMessage(ctx context.Context, clientID string) error {
	m, ok := d.st.Unconfirmed(clientID)
	if !ok {
		return &errs.ValidationError{Reason: "no pending message with id " + clientID}
	}
	d.st.MarkPending(clientID)
	go d.deliver(ctx, m.ConversationID, clientID, store.Draft{
		Content:       m.Content,
		AttachmentRef: m.AttachmentRef,
	})
	return nil
}

// MarkRead zeroes the unread count immediately and confirms with the
// server; a failed round-trip restores the prior count.
func (d *Dispatcher) MarkRead(ctx context.Context, convID string) error {
	prev := d.st.MarkRead(convID)
	if prev == 0 {
		return nil
	}
	if err := d.api.MarkRead(ctx, convID); err != nil {
		d.logger.Warn("mark-read rejected, restoring unread count",
			zap.Error(err), zap.String("conversation_id", convID))
		d.st.RestoreUnread(convID, prev)
		return err
	}
	if d.db != nil {
		if c, ok := d.st.Conversation(convID); ok {
			if err := d.db.UpsertConversation(&c); err != nil {
				d.logger.Error("failed to persist conversation", zap.Error(err))
			}
		}
	}
	return nil
}

// StartConversation creates a conversation with an initial message. The
// thread appears immediately under a temporary id and is rekeyed to the
// server-assigned id on acknowledgement.
func (d *Dispatcher) StartConversation(ctx context.Context, participantIDs []string, draft store.Draft) (string, error) {
	if strings.TrimSpace(draft.Content) == "" {
		return "", &errs.ValidationError{Reason: "first message is empty"}
	}
	others := 0
	for _, id := range participantIDs {
		if id == "" {
			return "", &errs.ValidationError{Reason: "empty participant id"}
		}
		if id != d.st.SelfID() {
			others++
		}
	}
	if others == 0 {
		return "", &errs.ValidationError{Reason: "conversation needs at least one other participant"}
	}

	tempID := "tmp-" + uuid.NewString()
	d.st.UpsertConversation(store.Conversation{
		ID:             tempID,
		ParticipantIDs: participantIDs,
	})
	clientID := d.st.ApplyOptimisticSend(tempID, draft)

	conv, err := d.api.CreateConversation(ctx, api.CreateConversationPayload{
		ParticipantIDs: participantIDs,
		FirstMessage: api.PostMessagePayload{
			ClientID:      clientID,
			Content:       draft.Content,
			AttachmentRef: draft.AttachmentRef,
		},
	})
	if err != nil {
		d.st.ReconcileSend(clientID, store.SendOutcome{Error: err.Error()})
		d.publish(bus.KindSendFailed, clientID, err.Error())
		return tempID, err
	}

	d.st.RekeyConversation(tempID, conv.ID)
	d.st.UpsertConversation(conv.ToStore())
	if d.db != nil {
		if err := d.db.RekeyMessages(tempID, conv.ID); err != nil {
			d.logger.Error("failed to rekey cached messages", zap.Error(err))
		}
		sc := conv.ToStore()
		if err := d.db.UpsertConversation(&sc); err != nil {
			d.logger.Error("failed to persist conversation", zap.Error(err))
		}
	}
	// The first message is confirmed by its echo on the event stream,
	// matched through the client id.
	return conv.ID, nil
}

// Resume re-delivers outbox entries that never reached the server in a
// previous run. Call after the store has been warmed from the cache.
func (d *Dispatcher) Resume(ctx context.Context) {
	if d.db == nil {
		return
	}
	entries, err := d.db.UnsentOutbox()
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	for _, e := range entries {
		if _, ok := d.st.Unconfirmed(e.ClientID); !ok {
			// Confirmed by a stream echo in the previous run before the
			// outbox row was updated.
			_ = d.db.MarkOutboxSent(e.ClientID, e.ServerID)
			continue
		}
		d.st.MarkPending(e.ClientID)
		go d.deliver(ctx, e.ConversationID, e.ClientID, store.Draft{
			Content:       e.Content,
			AttachmentRef: e.AttachmentRef,
		})
	}
	if len(entries) > 0 {
		d.logger.Info("resumed unsent outbox entries", zap.Int("count", len(entries)))
	}
}

func (d *Dispatcher) deliver(ctx context.Context, convID, clientID string, draft store.Draft) {
	payload := api.PostMessagePayload{
		ClientID:      clientID,
		Content:       draft.Content,
		AttachmentRef: draft.AttachmentRef,
	}

	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if d.db != nil {
			_ = d.db.MarkOutboxSending(clientID)
		}
		res, err := d.api.PostMessage(ctx, convID, payload)
		if err == nil {
			d.st.ReconcileSend(clientID, store.SendOutcome{
				OK:        true,
				ServerID:  res.ServerID,
				CreatedAt: res.CreatedAt,
			})
			if d.db != nil {
				_ = d.db.MarkOutboxSent(clientID, res.ServerID)
				if m, found := d.messageByServerID(convID, res.ServerID); found {
					_ = d.db.UpsertMessage(&m)
				}
			}
			d.logger.Info("message sent",
				zap.String("client_id", clientID), zap.String("server_id", res.ServerID))
			d.publish(bus.KindSendAck, clientID, res.ServerID)
			return
		}

		lastErr = err
		if !errs.Retryable(err) || attempt == d.policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(d.backoff(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = d.policy.MaxAttempts
		}
	}

	d.logger.Warn("send failed",
		zap.Error(lastErr), zap.String("client_id", clientID))
	d.st.ReconcileSend(clientID, store.SendOutcome{Error: lastErr.Error()})
	if d.db != nil {
		_ = d.db.MarkOutboxFailed(clientID, lastErr.Error())
	}
	d.publish(bus.KindSendFailed, clientID, lastErr.Error())
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.policy.BaseDelay << (attempt - 1)
	if delay > d.policy.MaxDelay {
		delay = d.policy.MaxDelay
	}
	return delay
}

func (d *Dispatcher) messageByServerID(convID, serverID string) (store.Message, bool) {
	for _, m := range d.st.Messages(convID) {
		if m.ServerID == serverID {
			return m, true
		}
	}
	return store.Message{}, false
}

func (d *Dispatcher) publish(kind, clientID, detail string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(kind, map[string]string{"client_id": clientID, "detail": detail})
}
