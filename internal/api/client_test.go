package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mentorloop/coachchat/internal/errs"
)

func TestListMessagesPassesCursor(t *testing.T) {
	var gotCursor, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("cursor")
		gotLimit = r.URL.Query().Get("limit")
		_ = json.NewEncoder(w).Encode(MessagePage{
			Messages: []Message{{ID: "s1", ConversationID: "c1", Content: "hi", CreatedAt: 1000}},
			HasMore:  true, NextCursor: "cur-2",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	page, err := c.ListMessages(context.Background(), "c1", "cur-1", 25)
	if err != nil {
		t.Fatal(err)
	}
	if gotCursor != "cur-1" || gotLimit != "25" {
		t.Errorf("query = cursor:%q limit:%q", gotCursor, gotLimit)
	}
	if len(page.Messages) != 1 || !page.HasMore || page.NextCursor != "cur-2" {
		t.Errorf("page = %+v", page)
	}
}

func TestPostMessageSendsIdempotencyKey(t *testing.T) {
	var got PostMessagePayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(PostMessageResult{ServerID: "s42", CreatedAt: 4200})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	res, err := c.PostMessage(context.Background(), "c1", PostMessagePayload{ClientID: "cid-1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientID != "cid-1" {
		t.Errorf("clientId = %q, want cid-1", got.ClientID)
	}
	if auth != "Bearer tok" {
		t.Errorf("auth header = %q", auth)
	}
	if res.ServerID != "s42" || res.CreatedAt != 4200 {
		t.Errorf("result = %+v", res)
	}
}

func TestServerErrorMapsToRequestFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	err := c.MarkRead(context.Background(), "c1")
	var rf *errs.RequestFailed
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v, want RequestFailed", err)
	}
	if rf.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rf.Status)
	}
	if !errs.Retryable(err) {
		t.Error("5xx should be retryable")
	}
}

func TestClientErrorNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad participant", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.CreateConversation(context.Background(), CreateConversationPayload{})
	if err == nil {
		t.Fatal("expected error")
	}
	if errs.Retryable(err) {
		t.Error("4xx must not be retryable")
	}
}

func TestUnreachableServerMapsToTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately: connection refused

	c := NewClient(srv.URL, "")
	_, err := c.ListConversations(context.Background(), false)
	var te *errs.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if !errs.Retryable(err) {
		t.Error("transport errors should be retryable")
	}
}
