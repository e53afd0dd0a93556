package chatsync

import (
	"time"

	"chatgram/internal/docstore"
)

// SetComposingText reports the composer's current text. Non-empty text
// upserts this client's directional typing signal and restarts the debounce
// timer; empty text deletes the signal immediately. Signal writes are
// ephemeral: failures are logged and dropped.
func (c *Client) SetComposingText(text string) {
	c.mu.Lock()
	if !c.started || c.activePeer == "" {
		c.mu.Unlock()
		return
	}
	self := c.selfID
	peer := c.activePeer
	ctx := c.ctx

	if text == "" {
		c.stopTypingTimerLocked()
		c.mu.Unlock()
		c.deleteTypingSignal(self, peer)
		return
	}

	c.stopTypingTimerLocked()
	c.typingTimer = time.AfterFunc(c.debounce, func() {
		c.deleteTypingSignal(self, peer)
	})
	c.mu.Unlock()

	err := c.store.Set(ctx, typingCollection+"/"+TypingKey(self, peer), map[string]any{
		"from":     self,
		"to":       peer,
		"isTyping": true,
		"timeMs":   time.Now().UnixMilli(),
	}, false)
	if err != nil {
		c.logger.Warn("typing signal write failed", "error", err)
	}
}

func (c *Client) stopTypingTimerLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}

func (c *Client) deleteTypingSignal(from, to string) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := c.store.Delete(ctx, typingCollection+"/"+TypingKey(from, to)); err != nil {
		c.logger.Warn("typing signal delete failed", "error", err)
	}
}

// handleTypingSnapshot watches the reversed key: the peer writes
// (peer, self), we read it.
func (c *Client) handleTypingSnapshot(gen uint64, docs []docstore.Document) {
	c.mu.Lock()
	if gen != c.msgGen {
		c.mu.Unlock()
		return
	}

	typing := false
	for _, doc := range docs {
		from, _ := doc.StringField("from")
		isTyping, _ := doc.BoolField("isTyping")
		if from == c.activePeer && isTyping {
			typing = true
			break
		}
	}

	changed := typing != c.remoteTyping
	c.remoteTyping = typing
	c.mu.Unlock()

	if changed && c.OnTyping != nil {
		c.OnTyping(typing)
	}
}
