// Package chatsync keeps a client's view of contacts, presence, one open
// conversation, typing signals, and call handshakes in sync with the
// document store's live queries.
package chatsync

import (
	"errors"
	"fmt"

	"chatgram/internal/docstore"
)

var (
	ErrNotStarted       = errors.New("client not started")
	ErrNoConversation   = errors.New("no open conversation")
	ErrEmptyMessage     = errors.New("empty message")
	ErrCallBusy         = errors.New("call already in progress")
	ErrInvalidCallState = errors.New("invalid call state")
	ErrDecode           = errors.New("malformed document")
)

type MessageStatus string

const (
	// Delivered is deliberately not modeled: the store push is the
	// delivery signal, so status moves straight from sent to seen.
	StatusSent MessageStatus = "sent"
	StatusSeen MessageStatus = "seen"
)

type Message struct {
	ID           string
	Room         string
	From         string
	To           string
	Text         string
	ClientTimeMs int64
	ServerTimeMs int64
	Status       MessageStatus
}

// orderKey is the display ordering key: the store-assigned time wins, the
// client clock is only a fallback for messages the store has not timed.
func (m Message) orderKey() int64 {
	if m.ServerTimeMs > 0 {
		return m.ServerTimeMs
	}
	return m.ClientTimeMs
}

type Contact struct {
	ID          string
	Username    string
	DisplayName string
	AvatarRef   string
	Online      bool
	LastSeenMs  int64
	Unread      int
}

// ConversationView is the read-only state pushed to the UI for the open
// conversation.
type ConversationView struct {
	Peer         string
	Loading      bool
	Messages     []Message
	WallpaperURL string
}

type CallStage string

const (
	CallIdle      CallStage = "idle"
	CallCalling   CallStage = "calling"
	CallRinging   CallStage = "ringing"
	CallConnected CallStage = "connected"
	CallRejected  CallStage = "rejected"
	CallEnded     CallStage = "ended"
)

// CallState describes the current call session. Offer and Answer are opaque
// session descriptions produced and consumed by the media layer.
type CallState struct {
	ID        string
	Caller    string
	Callee    string
	WithVideo bool
	Stage     CallStage
	Offer     string
	Answer    string
}

func decodeMessage(doc docstore.Document) (Message, error) {
	m := Message{ID: doc.ID, ServerTimeMs: doc.ServerTimeMs}

	var ok bool
	if m.Room, ok = doc.StringField("room"); !ok || m.Room == "" {
		return Message{}, fmt.Errorf("%w: message %s missing room", ErrDecode, doc.ID)
	}
	if m.From, ok = doc.StringField("from"); !ok || m.From == "" {
		return Message{}, fmt.Errorf("%w: message %s missing from", ErrDecode, doc.ID)
	}
	if m.To, ok = doc.StringField("to"); !ok || m.To == "" {
		return Message{}, fmt.Errorf("%w: message %s missing to", ErrDecode, doc.ID)
	}
	if m.Text, ok = doc.StringField("text"); !ok {
		return Message{}, fmt.Errorf("%w: message %s missing text", ErrDecode, doc.ID)
	}
	if m.ClientTimeMs, ok = doc.Int64Field("clientTimeMs"); !ok {
		return Message{}, fmt.Errorf("%w: message %s missing clientTimeMs", ErrDecode, doc.ID)
	}

	status, _ := doc.StringField("status")
	switch MessageStatus(status) {
	case StatusSent, StatusSeen:
		m.Status = MessageStatus(status)
	default:
		return Message{}, fmt.Errorf("%w: message %s has status %q", ErrDecode, doc.ID, status)
	}

	return m, nil
}

func decodeContact(doc docstore.Document) (Contact, error) {
	c := Contact{}

	var ok bool
	if c.ID, ok = doc.StringField("uid"); !ok || c.ID == "" {
		return Contact{}, fmt.Errorf("%w: user %s missing uid", ErrDecode, doc.ID)
	}
	if c.DisplayName, ok = doc.StringField("displayName"); !ok {
		return Contact{}, fmt.Errorf("%w: user %s missing displayName", ErrDecode, doc.ID)
	}
	c.Username, _ = doc.StringField("username")
	c.AvatarRef, _ = doc.StringField("avatarRef")
	c.Online, _ = doc.BoolField("online")
	c.LastSeenMs, _ = doc.Int64Field("lastSeenMs")

	return c, nil
}

func decodeCall(doc docstore.Document) (CallState, error) {
	st := CallState{}

	var ok bool
	if st.ID, ok = doc.StringField("id"); !ok || st.ID == "" {
		return CallState{}, fmt.Errorf("%w: call %s missing id", ErrDecode, doc.ID)
	}
	if st.Caller, ok = doc.StringField("caller"); !ok || st.Caller == "" {
		return CallState{}, fmt.Errorf("%w: call %s missing caller", ErrDecode, doc.ID)
	}
	if st.Callee, ok = doc.StringField("callee"); !ok || st.Callee == "" {
		return CallState{}, fmt.Errorf("%w: call %s missing callee", ErrDecode, doc.ID)
	}
	st.WithVideo, _ = doc.BoolField("withVideo")
	st.Offer, _ = doc.StringField("offer")
	st.Answer, _ = doc.StringField("answer")

	stage, _ := doc.StringField("status")
	switch CallStage(stage) {
	case CallCalling, CallConnected, CallRejected, CallEnded:
		st.Stage = CallStage(stage)
	default:
		return CallState{}, fmt.Errorf("%w: call %s has status %q", ErrDecode, doc.ID, stage)
	}

	return st, nil
}
