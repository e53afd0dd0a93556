package chatsync

import (
	"errors"
	"fmt"
	"sort"

	"chatgram/internal/docstore"
)

// OpenConversation switches the single message subscription to the given
// peer. Opening the already-open peer is a no-op. The previous subscription
// is always cancelled before the new one is established, so at most one
// message stream is ever live.
func (c *Client) OpenConversation(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peerID must not be empty")
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if peerID == c.activePeer {
		c.mu.Unlock()
		return nil
	}

	c.teardownConversationLocked()

	c.msgGen++
	gen := c.msgGen
	c.activePeer = peerID
	c.loading = true
	c.messages = nil
	c.remoteTyping = false
	c.wallpaperURL = ""
	self := c.selfID
	ctx := c.ctx
	c.mu.Unlock()

	room := RoomID(self, peerID)

	wallpaper := ""
	if doc, err := c.store.Get(ctx, wallpapersCollection+"/"+room); err == nil {
		wallpaper, _ = doc.StringField("url")
	} else if !errors.Is(err, docstore.ErrNotFound) {
		c.logger.Warn("wallpaper load failed", "room", room, "error", err)
	}

	msgSub, err := c.store.Subscribe(
		docstore.Query{
			Collection: messagesCollection,
			Filters:    []docstore.Filter{docstore.Where("room", room)},
		},
		func(docs []docstore.Document) { c.handleMessagesSnapshot(gen, docs) },
		c.subscriptionError("messages"),
	)
	if err != nil {
		c.resetConversation(gen)
		return fmt.Errorf("message subscription: %w", err)
	}

	typingSub, err := c.store.Subscribe(
		docstore.Query{
			Collection: typingCollection,
			Filters: []docstore.Filter{
				docstore.Where("from", peerID),
				docstore.Where("to", self),
			},
		},
		func(docs []docstore.Document) { c.handleTypingSnapshot(gen, docs) },
		c.subscriptionError("typing"),
	)
	if err != nil {
		msgSub.Cancel()
		c.resetConversation(gen)
		return fmt.Errorf("typing subscription: %w", err)
	}

	c.mu.Lock()
	if c.msgGen != gen {
		// A concurrent open superseded this one.
		c.mu.Unlock()
		msgSub.Cancel()
		typingSub.Cancel()
		return nil
	}
	c.msgSub = msgSub
	c.typingSub = typingSub
	c.wallpaperURL = wallpaper
	c.mu.Unlock()

	return nil
}

// CloseConversation tears down the open conversation, if any.
func (c *Client) CloseConversation() {
	c.mu.Lock()
	c.teardownConversationLocked()
	view := c.conversationViewLocked()
	c.mu.Unlock()

	if c.OnConversation != nil {
		c.OnConversation(view)
	}
}

func (c *Client) teardownConversationLocked() {
	c.msgSub.Cancel()
	c.typingSub.Cancel()
	c.msgSub = nil
	c.typingSub = nil
	c.msgGen++
	c.activePeer = ""
	c.loading = false
	c.messages = nil
	c.remoteTyping = false
	c.wallpaperURL = ""
	c.stopTypingTimerLocked()
}

func (c *Client) resetConversation(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgGen != gen {
		return
	}
	c.activePeer = ""
	c.loading = false
	c.messages = nil
}

func (c *Client) handleMessagesSnapshot(gen uint64, docs []docstore.Document) {
	c.mu.Lock()
	if gen != c.msgGen {
		// Stale callback from a torn-down subscription.
		c.mu.Unlock()
		return
	}

	msgs := make([]Message, 0, len(docs))
	for _, doc := range docs {
		m, err := decodeMessage(doc)
		if err != nil {
			c.logger.Warn("skipping malformed message document", "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].orderKey() < msgs[j].orderKey()
	})

	c.messages = msgs
	c.loading = false

	var toMark []string
	for _, m := range msgs {
		if m.To == c.selfID && m.Status != StatusSeen {
			toMark = append(toMark, m.ID)
		}
	}

	view := c.conversationViewLocked()
	ctx := c.ctx
	c.mu.Unlock()

	if c.OnConversation != nil {
		c.OnConversation(view)
	}

	// Mark-as-seen is re-evaluated on every snapshot, so a failed write
	// here is retried the next time the list refreshes.
	for _, id := range toMark {
		if err := c.markSeen(ctx, id); err != nil {
			c.logger.Warn("mark seen failed", "messageID", id, "error", err)
		}
	}
}

func (c *Client) conversationViewLocked() ConversationView {
	view := ConversationView{
		Peer:         c.activePeer,
		Loading:      c.loading,
		WallpaperURL: c.wallpaperURL,
	}
	view.Messages = make([]Message, len(c.messages))
	copy(view.Messages, c.messages)
	return view
}
