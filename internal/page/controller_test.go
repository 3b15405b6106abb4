package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mentorloop/coachchat/internal/api"
	"github.com/mentorloop/coachchat/internal/bus"
	"github.com/mentorloop/coachchat/internal/store"
)

// mockLister serves canned pages keyed by cursor and counts round-trips.
type mockLister struct {
	mu    sync.Mutex
	pages map[string]*api.MessagePage
	calls int32
	delay time.Duration
	block chan struct{}
	err   error
}

func (m *mockLister) ListMessages(_ context.Context, _, cursor string, _ int) (*api.MessagePage, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return nil, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[cursor]
	if !ok {
		return &api.MessagePage{}, nil
	}
	return page, nil
}

func (m *mockLister) callCount() int { return int(atomic.LoadInt32(&m.calls)) }

func msg(id string, ts int64) api.Message {
	return api.Message{ID: id, ConversationID: "c1", SenderID: "coach", Content: "m-" + id, CreatedAt: ts}
}

func TestLoadMorePagesThroughHistory(t *testing.T) {
	mock := &mockLister{pages: map[string]*api.MessagePage{
		"":     {Messages: []api.Message{msg("s3", 300), msg("s4", 400)}, NextCursor: "cur1", HasMore: true},
		"cur1": {Messages: []api.Message{msg("s1", 100), msg("s2", 200)}, NextCursor: "", HasMore: false},
	}}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil, WithPageSize(2))

	added, err := c.LoadMore(context.Background(), "c1")
	if err != nil || added != 2 {
		t.Fatalf("first page: added=%d err=%v", added, err)
	}
	if !c.HasMore("c1") {
		t.Fatal("HasMore = false after a page that said more remains")
	}

	added, err = c.LoadMore(context.Background(), "c1")
	if err != nil || added != 2 {
		t.Fatalf("second page: added=%d err=%v", added, err)
	}
	if c.HasMore("c1") {
		t.Error("HasMore = true after the final page")
	}

	msgs := st.Messages("c1")
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	for i, want := range []string{"s1", "s2", "s3", "s4"} {
		if msgs[i].ServerID != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].ServerID, want)
		}
	}
}

func TestLoadMoreAfterExhaustionSkipsRoundTrip(t *testing.T) {
	mock := &mockLister{pages: map[string]*api.MessagePage{
		"": {Messages: []api.Message{msg("s1", 100)}, HasMore: false},
	}}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	if _, err := c.LoadMore(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	added, err := c.LoadMore(context.Background(), "c1")
	if err != nil || added != 0 {
		t.Fatalf("exhausted load: added=%d err=%v", added, err)
	}
	if mock.callCount() != 1 {
		t.Errorf("got %d round-trips, want 1", mock.callCount())
	}
}

func TestConcurrentLoadMoreCoalesces(t *testing.T) {
	mock := &mockLister{
		delay: 50 * time.Millisecond,
		pages: map[string]*api.MessagePage{
			"": {Messages: []api.Message{msg("s1", 100), msg("s2", 200)}, HasMore: true, NextCursor: "cur1"},
		},
	}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			added, err := c.LoadMore(context.Background(), "c1")
			if err != nil {
				t.Error(err)
			}
			results[i] = added
		}(i)
	}
	wg.Wait()

	if mock.callCount() != 1 {
		t.Errorf("got %d round-trips for 5 concurrent calls, want 1", mock.callCount())
	}
	for i, added := range results {
		if added != 2 {
			t.Errorf("caller %d got added=%d, want the shared result 2", i, added)
		}
	}
	if got := len(st.Messages("c1")); got != 2 {
		t.Errorf("got %d messages, want 2 (no duplicate insert)", got)
	}
}

func TestLoadMoreErrorLeavesPositionIntact(t *testing.T) {
	mock := &mockLister{err: errors.New("boom")}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	if _, err := c.LoadMore(context.Background(), "c1"); err == nil {
		t.Fatal("expected error")
	}
	if !c.HasMore("c1") {
		t.Error("a failed page must not latch the conversation exhausted")
	}

	// A later attempt retries from the same cursor.
	mock.err = nil
	mock.mu.Lock()
	mock.pages = map[string]*api.MessagePage{
		"": {Messages: []api.Message{msg("s1", 100)}, HasMore: false},
	}
	mock.mu.Unlock()
	added, err := c.LoadMore(context.Background(), "c1")
	if err != nil || added != 1 {
		t.Fatalf("retry: added=%d err=%v", added, err)
	}
}

func TestLoadMoreDedupsAgainstStore(t *testing.T) {
	mock := &mockLister{pages: map[string]*api.MessagePage{
		"": {Messages: []api.Message{msg("s1", 100), msg("s2", 200)}, HasMore: false},
	}}
	st := store.New("me", bus.New(), nil)
	// s2 already arrived over the stream.
	st.ApplyEvent(store.NewMessage{Message: store.Message{
		ServerID: "s2", ConversationID: "c1", SenderID: "coach", Content: "m-s2", CreatedAt: 200,
	}})
	c := NewController(mock, st, nil, nil)

	added, err := c.LoadMore(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (s2 already present)", added)
	}
	if got := len(st.Messages("c1")); got != 2 {
		t.Errorf("got %d messages, want 2", got)
	}
}

func TestResetStartsOver(t *testing.T) {
	mock := &mockLister{pages: map[string]*api.MessagePage{
		"": {Messages: []api.Message{msg("s1", 100)}, HasMore: false},
	}}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	if _, err := c.LoadMore(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if c.HasMore("c1") {
		t.Fatal("expected exhausted before reset")
	}

	c.Reset("c1")
	if !c.HasMore("c1") {
		t.Error("reset must forget the exhausted latch")
	}
	if _, err := c.LoadMore(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if mock.callCount() != 2 {
		t.Errorf("got %d round-trips, want 2 after reset", mock.callCount())
	}
}

func TestResetMidFlightDropsLatePage(t *testing.T) {
	mock := &mockLister{
		block: make(chan struct{}),
		pages: map[string]*api.MessagePage{
			"": {Messages: []api.Message{msg("s1", 100)}, HasMore: true, NextCursor: "cur1"},
		},
	}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	type result struct {
		added int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		added, err := c.LoadMore(context.Background(), "c1")
		done <- result{added, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for mock.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The conversation is rekeyed while the request is still in flight;
	// the late response must be dropped, not committed.
	c.Reset("c1")
	close(mock.block)

	r := <-done
	if r.err != nil || r.added != 0 {
		t.Fatalf("late page: added=%d err=%v, want dropped", r.added, r.err)
	}
	if got := len(st.Messages("c1")); got != 0 {
		t.Errorf("got %d messages from a dropped page, want 0", got)
	}
	if !c.HasMore("c1") {
		t.Error("dropped page must not advance the fresh paging position")
	}
}

func TestPagesAcrossManyConversations(t *testing.T) {
	mock := &mockLister{pages: map[string]*api.MessagePage{
		"": {Messages: []api.Message{{ID: "x", ConversationID: "cX", SenderID: "coach", Content: "x", CreatedAt: 1}}, HasMore: false},
	}}
	st := store.New("me", bus.New(), nil)
	c := NewController(mock, st, nil, nil)

	for i := 0; i < 3; i++ {
		convID := fmt.Sprintf("c%d", i)
		if _, err := c.LoadMore(context.Background(), convID); err != nil {
			t.Fatal(err)
		}
		if c.HasMore(convID) {
			t.Errorf("conversation %s should be exhausted", convID)
		}
	}
	// Exhaustion is tracked per conversation, not globally.
	if !c.HasMore("c-fresh") {
		t.Error("unknown conversation should report more history")
	}
}
