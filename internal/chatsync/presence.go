package chatsync

import (
	"context"
	"sort"
	"time"

	"chatgram/internal/docstore"
)

// markOnline upserts the current user's presence. Failures are logged and
// dropped; the heartbeat refreshes the record soon anyway.
func (c *Client) markOnline() {
	c.mu.Lock()
	self := c.selfID
	ctx := c.ctx
	c.mu.Unlock()

	err := c.store.Set(ctx, usersCollection+"/"+self, map[string]any{
		"online":     true,
		"lastSeenMs": time.Now().UnixMilli(),
	}, true)
	if err != nil {
		c.logger.Warn("presence write failed", "error", err)
	}
}

// MarkOffline is the best-effort "going away" write bound to sign-out and
// client disposal. A crash leaves a stale online flag; peers bound that
// staleness with the presence TTL instead.
func (c *Client) MarkOffline(ctx context.Context) {
	c.mu.Lock()
	self := c.selfID
	c.mu.Unlock()
	if self == "" {
		return
	}

	err := c.store.Set(ctx, usersCollection+"/"+self, map[string]any{
		"online":     false,
		"lastSeenMs": time.Now().UnixMilli(),
	}, true)
	if err != nil {
		c.logger.Warn("offline write failed", "error", err)
	}
}

func (c *Client) heartbeatLoop() {
	interval := c.presenceTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.mu.Lock()
	stop := c.heartbeatStop
	c.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.markOnline()
		}
	}
}

func (c *Client) handleRosterSnapshot(docs []docstore.Document) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}

	contacts := make([]Contact, 0, len(docs))
	for _, doc := range docs {
		contact, err := decodeContact(doc)
		if err != nil {
			c.logger.Debug("skipping malformed user document", "error", err)
			continue
		}
		if contact.ID == c.selfID {
			continue
		}
		contacts = append(contacts, contact)
	}
	c.contacts = contacts

	view := c.rosterViewLocked()
	c.mu.Unlock()

	if c.OnRoster != nil {
		c.OnRoster(view)
	}
}

func (c *Client) handleUnreadSnapshot(docs []docstore.Document) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}

	counts := make(map[string]int)
	for _, doc := range docs {
		m, err := decodeMessage(doc)
		if err != nil {
			continue
		}
		if m.To == c.selfID && m.Status != StatusSeen {
			counts[m.From]++
		}
	}
	c.unread = counts

	view := c.rosterViewLocked()
	c.mu.Unlock()

	if c.OnRoster != nil {
		c.OnRoster(view)
	}
}

// rosterViewLocked merges presence staleness and unread counts into a copy
// of the contact list. A record not refreshed within the TTL is implicitly
// offline no matter what its stored flag says.
func (c *Client) rosterViewLocked() []Contact {
	now := time.Now().UnixMilli()
	ttlMs := c.presenceTTL.Milliseconds()

	view := make([]Contact, len(c.contacts))
	copy(view, c.contacts)
	for i := range view {
		if view[i].Online && now-view[i].LastSeenMs > ttlMs {
			view[i].Online = false
		}
		view[i].Unread = c.unread[view[i].ID]
	}
	sort.SliceStable(view, func(i, j int) bool {
		return view[i].DisplayName < view[j].DisplayName
	})
	return view
}
