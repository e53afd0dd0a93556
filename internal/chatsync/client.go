package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatgram/internal/docstore"
)

const (
	usersCollection            = "users"
	messagesCollection         = "messages"
	typingCollection           = "typing"
	callsCollection            = "calls"
	offerCandidatesCollection  = "offerCandidates"
	answerCandidatesCollection = "answerCandidates"
	wallpapersCollection       = "wallpapers"
)

const (
	defaultTypingDebounce = 1500 * time.Millisecond
	defaultPresenceTTL    = 30 * time.Second
)

type Options struct {
	TypingDebounce time.Duration
	PresenceTTL    time.Duration
}

// Client owns one user's live view of the chat state. All mutable state is
// guarded by mu; store snapshot callbacks re-enter through the same mutex,
// so invariants like "at most one message subscription" reduce to a single
// owned handle slot plus a generation counter that retires stale callbacks.
//
// Set the On* callbacks before Start; they are invoked from subscription
// dispatch goroutines with the mutex released.
type Client struct {
	store  *docstore.Store
	logger *slog.Logger

	debounce    time.Duration
	presenceTTL time.Duration

	OnRoster            func([]Contact)
	OnConversation      func(ConversationView)
	OnTyping            func(bool)
	OnCall              func(CallState)
	OnRemoteDescription func(sdp string)
	OnRemoteCandidate   func(candidate string)
	OnError             func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	selfID  string

	rosterSub *docstore.Subscription
	unreadSub *docstore.Subscription

	contacts []Contact
	unread   map[string]int

	// Conversation session: the single message subscription slot. msgGen
	// retires snapshot callbacks from a torn-down subscription.
	msgSub       *docstore.Subscription
	typingSub    *docstore.Subscription
	msgGen       uint64
	activePeer   string
	loading      bool
	messages     []Message
	wallpaperURL string
	remoteTyping bool

	typingTimer *time.Timer

	heartbeatStop chan struct{}

	// Call session state.
	incomingSub *docstore.Subscription
	callDocSub  *docstore.Subscription
	candSub     *docstore.Subscription
	call        CallState
	answerSeen  bool
	candSeq     int64
	appliedCand map[string]struct{}
}

func New(store *docstore.Store, logger *slog.Logger, opts Options) *Client {
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = defaultTypingDebounce
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = defaultPresenceTTL
	}
	return &Client{
		store:       store,
		logger:      logger.With("component", "chatsync"),
		debounce:    opts.TypingDebounce,
		presenceTTL: opts.PresenceTTL,
		unread:      make(map[string]int),
		call:        CallState{Stage: CallIdle},
	}
}

// Start binds the client to the signed-in user: marks presence, begins the
// heartbeat, and establishes the standing roster, unread and incoming-call
// subscriptions.
func (c *Client) Start(ctx context.Context, selfID string) error {
	if selfID == "" {
		return fmt.Errorf("selfID must not be empty")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.selfID = selfID
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.heartbeatStop = make(chan struct{})
	c.mu.Unlock()

	// Presence writes are fire-and-forget.
	c.markOnline()
	go c.heartbeatLoop()

	rosterSub, err := c.store.Subscribe(
		docstore.Query{Collection: usersCollection, OrderBy: "displayName"},
		c.handleRosterSnapshot,
		c.subscriptionError("roster"),
	)
	if err != nil {
		c.teardown()
		return fmt.Errorf("roster subscription: %w", err)
	}

	unreadSub, err := c.store.Subscribe(
		docstore.Query{Collection: messagesCollection, Filters: []docstore.Filter{docstore.Where("to", selfID)}},
		c.handleUnreadSnapshot,
		c.subscriptionError("unread"),
	)
	if err != nil {
		rosterSub.Cancel()
		c.teardown()
		return fmt.Errorf("unread subscription: %w", err)
	}

	incomingSub, err := c.store.Subscribe(
		docstore.Query{Collection: callsCollection, Filters: []docstore.Filter{docstore.Where("callee", selfID)}},
		c.handleIncomingCallSnapshot,
		c.subscriptionError("incoming calls"),
	)
	if err != nil {
		rosterSub.Cancel()
		unreadSub.Cancel()
		c.teardown()
		return fmt.Errorf("incoming call subscription: %w", err)
	}

	c.mu.Lock()
	c.rosterSub = rosterSub
	c.unreadSub = unreadSub
	c.incomingSub = incomingSub
	c.mu.Unlock()

	c.logger.Info("client started", "userID", selfID)
	return nil
}

// Close tears everything down: best-effort offline mark, all subscriptions,
// the typing debounce and any live call state. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	self := c.selfID
	peer := c.activePeer
	stop := c.heartbeatStop
	c.mu.Unlock()

	c.MarkOffline(context.Background())
	close(stop)

	if peer != "" {
		c.deleteTypingSignal(self, peer)
	}

	c.mu.Lock()
	c.teardownConversationLocked()
	c.teardownCallLocked()
	for _, sub := range []*docstore.Subscription{c.rosterSub, c.unreadSub, c.incomingSub} {
		sub.Cancel()
	}
	c.rosterSub, c.unreadSub, c.incomingSub = nil, nil, nil
	c.mu.Unlock()

	c.cancel()
	c.logger.Info("client closed", "userID", self)
}

// teardown rolls back a partially started client.
func (c *Client) teardown() {
	c.mu.Lock()
	c.started = false
	stop := c.heartbeatStop
	cancel := c.cancel
	c.mu.Unlock()

	close(stop)
	cancel()
}

func (c *Client) subscriptionError(what string) func(error) {
	return func(err error) {
		c.surfaceError(fmt.Errorf("%s subscription: %w", what, err))
	}
}

// surfaceError reports a non-fatal failure to the UI layer. Nothing in this
// layer is fatal; the UI shows a banner and the next user action retries.
func (c *Client) surfaceError(err error) {
	c.logger.Warn("sync error", "error", err)
	if c.OnError != nil {
		c.OnError(err)
	}
}
