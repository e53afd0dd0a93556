package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatgram/internal/metrics"
)

// SendMessage writes a new message into the open conversation and clears
// the sender's typing signal. A failed write is returned to the caller: a
// user-authored message is never silently dropped.
func (c *Client) SendMessage(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return "", ErrNotStarted
	}
	peer := c.activePeer
	if peer == "" {
		c.mu.Unlock()
		return "", ErrNoConversation
	}
	self := c.selfID
	ctx := c.ctx
	c.stopTypingTimerLocked()
	c.mu.Unlock()

	id, err := c.store.Add(ctx, messagesCollection, map[string]any{
		"room":         RoomID(self, peer),
		"from":         self,
		"to":           peer,
		"text":         text,
		"clientTimeMs": time.Now().UnixMilli(),
		"status":       string(StatusSent),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSent.Inc()

	c.deleteTypingSignal(self, peer)
	return id, nil
}

// markSeen transitions one message to seen. Only ever called for messages
// addressed to this client that are not yet seen, so the transition is
// monotonic; re-applying seen under a duplicated snapshot is harmless.
func (c *Client) markSeen(ctx context.Context, messageID string) error {
	return c.store.Update(ctx, messagesCollection+"/"+messageID, map[string]any{
		"status": string(StatusSeen),
	})
}
