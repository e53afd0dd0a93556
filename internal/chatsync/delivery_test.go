package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSendMessage_RequiresOpenConversation(t *testing.T) {
	store := newTestStore(t)
	c := newTestClient(t, store, "alice", Options{})
	startClient(t, c, "alice")

	if _, err := c.SendMessage("hi"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("SendMessage() error = %v, want ErrNoConversation", err)
	}

	if err := c.OpenConversation("bob"); err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}
	if _, err := c.SendMessage("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("SendMessage(blank) error = %v, want ErrEmptyMessage", err)
	}
}

func TestSendMessage_WritesSentStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := newTestClient(t, store, "alice", Options{})
	startClient(t, c, "alice")

	if err := c.OpenConversation("bob"); err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}
	id, err := c.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	doc, err := store.Get(ctx, "messages/"+id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	m, err := decodeMessage(doc)
	if err != nil {
		t.Fatalf("decodeMessage() error = %v", err)
	}
	if m.Status != StatusSent {
		t.Fatalf("status = %q, want %q", m.Status, StatusSent)
	}
	if m.Room != RoomID("alice", "bob") || m.From != "alice" || m.To != "bob" {
		t.Fatalf("message routing = %+v", m)
	}
}

// The cross-client scenario: A sends, B opens the conversation and the
// seen mark propagates back into A's snapshot without A doing anything.
func TestSeenPropagatesAcrossClients(t *testing.T) {
	store := newTestStore(t)

	a := newTestClient(t, store, "alice", Options{})
	var aMu sync.Mutex
	var aView ConversationView
	a.OnConversation = func(v ConversationView) {
		aMu.Lock()
		aView = v
		aMu.Unlock()
	}
	startClient(t, a, "alice")

	b := newTestClient(t, store, "bob", Options{})
	startClient(t, b, "bob")

	if err := a.OpenConversation("bob"); err != nil {
		t.Fatalf("a.OpenConversation() error = %v", err)
	}
	id, err := a.SendMessage("hi")
	if err != nil {
		t.Fatalf("a.SendMessage() error = %v", err)
	}

	waitFor(t, "alice sees her sent message", func() bool {
		aMu.Lock()
		defer aMu.Unlock()
		return len(aView.Messages) == 1 && aView.Messages[0].ID == id
	})

	if err := b.OpenConversation("alice"); err != nil {
		t.Fatalf("b.OpenConversation() error = %v", err)
	}

	waitFor(t, "seen status reaches alice", func() bool {
		aMu.Lock()
		defer aMu.Unlock()
		return len(aView.Messages) == 1 && aView.Messages[0].Status == StatusSeen
	})
}

// Seen is terminal: the receiver's sweep skips already-seen messages and
// nothing ever writes sent over seen.
func TestSeenIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b := newTestClient(t, store, "bob", Options{})
	startClient(t, b, "bob")

	id, err := store.Add(ctx, "messages", map[string]any{
		"room": RoomID("alice", "bob"), "from": "alice", "to": "bob",
		"text": "hi", "clientTimeMs": int64(1), "status": "sent",
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := b.OpenConversation("alice"); err != nil {
		t.Fatalf("OpenConversation() error = %v", err)
	}

	seen := func() bool {
		doc, err := store.Get(ctx, "messages/"+id)
		if err != nil {
			return false
		}
		status, _ := doc.StringField("status")
		return status == "seen"
	}
	waitFor(t, "message marked seen", seen)

	// Trigger more snapshots; status must stay seen.
	if _, err := b.SendMessage("reply"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	waitFor(t, "status still seen after refresh", seen)
}
