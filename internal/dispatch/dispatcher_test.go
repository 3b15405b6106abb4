package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/cache"
	"github.com/mentorloop/coachchat/internal/errs"
	"github.com/mentorloop/coachchat/internal/store"
)

// mockAPI records calls and returns configurable results per attempt.
type mockAPI struct {
	mu          sync.Mutex
	postCalls   []api.PostMessagePayload
	postErrs    []error // consumed one per call; nil entry means success
	createErr   error
	markReadErr error
	serverConv  string
}

func (m *mockAPI) PostMessage(_ context.Context, _ string, p api.PostMessagePayload) (*api.PostMessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postCalls = append(m.postCalls, p)
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &api.PostMessageResult{ServerID: "srv-" + p.ClientID, CreatedAt: 9999}, nil
}

func (m *mockAPI) CreateConversation(_ context.Context, p api.CreateConversationPayload) (*api.Conversation, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	id := m.serverConv
	if id == "" {
		id = "conv-srv"
	}
	return &api.Conversation{ID: id, ParticipantIDs: p.ParticipantIDs}, nil
}

func (m *mockAPI) MarkRead(_ context.Context, _ string) error {
	return m.markReadErr
}

func (m *mockAPI) calls() []api.PostMessagePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]api.PostMessagePayload, len(m.postCalls))
	copy(out, m.postCalls)
	return out
}

func testDB(t *testing.T) *cache.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := cache.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var fastRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendMessageAckUpdatesStoreAndOutbox(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New("me", b, nil)
	st.UpsertConversation(store.Conversation{ID: "c1"})
	mock := &mockAPI{}
	d := NewDispatcher(st, db, mock, b, fastRetry, nil)

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	clientID, err := d.SendMessage(context.Background(), "c1", store.Draft{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	// The pending entry is visible immediately.
	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].DeliveryState != store.DeliveryPending {
		t.Fatalf("messages = %+v, want one pending", msgs)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send ack event")
	}

	msgs = st.Messages("c1")
	if msgs[0].DeliveryState != store.DeliverySent {
		t.Errorf("state = %q, want sent", msgs[0].DeliveryState)
	}
	if msgs[0].ServerID != "srv-"+clientID {
		t.Errorf("server id = %q", msgs[0].ServerID)
	}
	// Server-assigned timestamp adopted on ack.
	if msgs[0].CreatedAt != 9999 {
		t.Errorf("created at = %d, want 9999", msgs[0].CreatedAt)
	}

	unsent, err := db.UnsentOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 0 {
		t.Errorf("got %d unsent outbox entries, want 0", len(unsent))
	}
}

func TestSendMessageRejectsEmptyDraft(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	d := NewDispatcher(st, nil, &mockAPI{}, nil, fastRetry, nil)

	_, err := d.SendMessage(context.Background(), "c1", store.Draft{Content: "   "})
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(st.Messages("c1")) != 0 {
		t.Error("rejected draft must not reach the store")
	}
}

func TestSendMessageRetriesTransientFailure(t *testing.T) {
	b := bus.New()
	st := store.New("me", b, nil)
	st.UpsertConversation(store.Conversation{ID: "c1"})
	mock := &mockAPI{postErrs: []error{
		&errs.TransportError{Op: "post", Err: errors.New("refused")},
		&errs.RequestFailed{Op: "post", Status: 503},
		nil,
	}}
	d := NewDispatcher(st, nil, mock, b, fastRetry, nil)

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	if _, err := d.SendMessage(context.Background(), "c1", store.Draft{Content: "try"}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send ack after retries")
	}
	if got := len(mock.calls()); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestSendMessageGivesUpOnClientError(t *testing.T) {
	b := bus.New()
	st := store.New("me", b, nil)
	st.UpsertConversation(store.Conversation{ID: "c1"})
	mock := &mockAPI{postErrs: []error{
		&errs.RequestFailed{Op: "post", Status: 422},
	}}
	d := NewDispatcher(st, nil, mock, b, fastRetry, nil)

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	clientID, err := d.SendMessage(context.Background(), "c1", store.Draft{Content: "bad"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send failed event")
	}

	// No second attempt for a non-retryable status.
	if got := len(mock.calls()); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
	// The message stays visible as failed and retrievable for retry.
	m, ok := st.Unconfirmed(clientID)
	if !ok || m.DeliveryState != store.DeliveryFailed {
		t.Errorf("unconfirmed = %+v ok=%v, want failed entry", m, ok)
	}
}

func TestRetryMessageReusesClientID(t *testing.T) {
	b := bus.New()
	st := store.New("me", b, nil)
	st.UpsertConversation(store.Conversation{ID: "c1"})
	mock := &mockAPI{postErrs: []error{
		&errs.RequestFailed{Op: "post", Status: 400},
	}}
	d := NewDispatcher(st, nil, mock, b, fastRetry, nil)

	failed, unsubF := b.Subscribe(bus.KindSendFailed, 10)
	defer unsubF()
	acked, unsubA := b.Subscribe(bus.KindSendAck, 10)
	defer unsubA()

	clientID, err := d.SendMessage(context.Background(), "c1", store.Draft{Content: "again"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial failure")
	}

	if err := d.RetryMessage(context.Background(), clientID); err != nil {
		t.Fatal(err)
	}
	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for retry ack")
	}

	calls := mock.calls()
	if len(calls) != 2 {
		t.Fatalf("got %d attempts, want 2", len(calls))
	}
	if calls[0].ClientID != calls[1].ClientID {
		t.Error("retry must reuse the idempotency key")
	}
	// Still exactly one message in the thread.
	if got := len(st.Messages("c1")); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestRetryMessageUnknownID(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	d := NewDispatcher(st, nil, &mockAPI{}, nil, fastRetry, nil)

	err := d.RetryMessage(context.Background(), "nope")
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestMarkReadCompensatesOnFailure(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	st.UpsertConversation(store.Conversation{ID: "c1", UnreadCount: 4})
	mock := &mockAPI{markReadErr: &errs.RequestFailed{Op: "read", Status: 500}}
	d := NewDispatcher(st, nil, mock, nil, fastRetry, nil)

	if err := d.MarkRead(context.Background(), "c1"); err == nil {
		t.Fatal("expected error from rejected mark-read")
	}
	c, _ := st.Conversation("c1")
	if c.UnreadCount != 4 {
		t.Errorf("unread = %d, want 4 restored", c.UnreadCount)
	}
}

func TestMarkReadSuccess(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	st.UpsertConversation(store.Conversation{ID: "c1", UnreadCount: 2})
	d := NewDispatcher(st, nil, &mockAPI{}, nil, fastRetry, nil)

	if err := d.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	c, _ := st.Conversation("c1")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestStartConversationRekeysTempID(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New("me", b, nil)
	mock := &mockAPI{serverConv: "conv-42"}
	d := NewDispatcher(st, db, mock, b, fastRetry, nil)

	convID, err := d.StartConversation(context.Background(), []string{"me", "coach"}, store.Draft{Content: "hi there"})
	if err != nil {
		t.Fatal(err)
	}
	if convID != "conv-42" {
		t.Fatalf("conversation id = %q, want conv-42", convID)
	}

	if _, ok := st.Conversation("conv-42"); !ok {
		t.Error("server conversation missing from store")
	}
	msgs := st.Messages("conv-42")
	if len(msgs) != 1 || msgs[0].Content != "hi there" {
		t.Errorf("messages = %+v, want the first message under the server id", msgs)
	}
}

func TestStartConversationRejectsSelfOnly(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	d := NewDispatcher(st, nil, &mockAPI{}, nil, fastRetry, nil)

	_, err := d.StartConversation(context.Background(), []string{"me"}, store.Draft{Content: "hi"})
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
	if len(st.Conversations(true)) != 0 {
		t.Error("rejected conversation must not reach the store")
	}
}

func TestStartConversationKeepsTempOnFailure(t *testing.T) {
	st := store.New("me", bus.New(), nil)
	mock := &mockAPI{createErr: &errs.TransportError{Op: "create", Err: errors.New("down")}}
	d := NewDispatcher(st, nil, mock, nil, fastRetry, nil)

	tempID, err := d.StartConversation(context.Background(), []string{"me", "coach"}, store.Draft{Content: "hi"})
	if err == nil {
		t.Fatal("expected transport error")
	}
	// The thread stays visible under the temporary id with a failed send.
	msgs := st.Messages(tempID)
	if len(msgs) != 1 || msgs[0].DeliveryState != store.DeliveryFailed {
		t.Errorf("messages = %+v, want one failed", msgs)
	}
}

func TestResumeRedeliversUnsentOutbox(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New("me", b, nil)
	st.UpsertConversation(store.Conversation{ID: "c1"})

	// Simulate a previous run: a queued entry plus its pending store state.
	if err := db.QueueOutbox("cli-1", "c1", store.Draft{Content: "stranded"}); err != nil {
		t.Fatal(err)
	}
	st.Seed(nil, []store.Message{{
		ID: "cli-1", ConversationID: "c1", SenderID: "me",
		Content: "stranded", CreatedAt: 100, DeliveryState: store.DeliveryPending,
	}})

	mock := &mockAPI{}
	d := NewDispatcher(st, db, mock, b, fastRetry, nil)
	d.Resume(context.Background())

	waitFor(t, func() bool {
		m, ok := st.Unconfirmed("cli-1")
		return !ok && m.ID == ""
	}, "timeout waiting for resumed send to confirm")

	calls := mock.calls()
	if len(calls) != 1 || calls[0].ClientID != "cli-1" {
		t.Fatalf("calls = %+v, want one with cli-1", calls)
	}
	unsent, err := db.UnsentOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(unsent) != 0 {
		t.Errorf("got %d unsent entries, want 0 after resume", len(unsent))
	}
}
