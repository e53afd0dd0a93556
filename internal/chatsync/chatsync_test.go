package chatsync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"chatgram/internal/docstore"
)

func newTestStore(t *testing.T) *docstore.Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store, err := docstore.Open(context.Background(), "sqlite::memory:", logger)
	if err != nil {
		t.Fatalf("docstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestClient(t *testing.T, store *docstore.Store, selfID string, opts Options) *Client {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := New(store, logger, opts)
	return c
}

func startClient(t *testing.T, c *Client, selfID string) {
	t.Helper()
	if err := c.Start(context.Background(), selfID); err != nil {
		t.Fatalf("Start(%q) error = %v", selfID, err)
	}
	t.Cleanup(c.Close)
}

// waitFor polls until cond holds; snapshot delivery is asynchronous, so
// tests converge on observable state instead of sleeping fixed amounts.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedUser(t *testing.T, store *docstore.Store, uid, displayName string) {
	t.Helper()
	err := store.Set(context.Background(), "users/"+uid, map[string]any{
		"uid":         uid,
		"username":    uid,
		"displayName": displayName,
		"avatarRef":   "",
		"online":      false,
		"lastSeenMs":  int64(0),
	}, false)
	if err != nil {
		t.Fatalf("seedUser(%q) error = %v", uid, err)
	}
}
