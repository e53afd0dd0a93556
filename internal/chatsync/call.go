package chatsync

import (
	"fmt"

	"github.com/google/uuid"

	"chatgram/internal/docstore"
	"chatgram/internal/metrics"
)

// StartCall opens a call session addressed to the callee: persists the
// offer under calls/<peer> and watches the session for the answer. offerSDP
// is the local session description produced by the media layer.
func (c *Client) StartCall(peerID string, withVideo bool, offerSDP string) error {
	if peerID == "" || offerSDP == "" {
		return fmt.Errorf("peerID and offer are required")
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if c.call.Stage != CallIdle {
		c.mu.Unlock()
		return ErrCallBusy
	}

	callID := uuid.NewString()
	st := CallState{
		ID:        callID,
		Caller:    c.selfID,
		Callee:    peerID,
		WithVideo: withVideo,
		Stage:     CallCalling,
		Offer:     offerSDP,
	}
	c.call = st
	c.answerSeen = false
	c.appliedCand = make(map[string]struct{})
	ctx := c.ctx
	c.mu.Unlock()

	err := c.store.Set(ctx, callsCollection+"/"+peerID, map[string]any{
		"id":        callID,
		"caller":    st.Caller,
		"callee":    peerID,
		"withVideo": withVideo,
		"offer":     offerSDP,
		"status":    string(CallCalling),
	}, false)
	if err != nil {
		c.mu.Lock()
		c.teardownCallLocked()
		c.mu.Unlock()
		return fmt.Errorf("start call: %w", err)
	}

	sub, err := c.store.Subscribe(
		docstore.Query{
			Collection: callsCollection,
			Filters:    []docstore.Filter{docstore.Where("callee", peerID)},
		},
		func(docs []docstore.Document) { c.handleCallerSnapshot(callID, docs) },
		c.subscriptionError("call session"),
	)
	if err != nil {
		c.cleanupCallDocs(st)
		c.mu.Lock()
		c.teardownCallLocked()
		c.mu.Unlock()
		return fmt.Errorf("call subscription: %w", err)
	}

	c.mu.Lock()
	if c.call.ID != callID {
		c.mu.Unlock()
		sub.Cancel()
		return nil
	}
	c.callDocSub = sub
	c.mu.Unlock()

	metrics.CallsStarted.Inc()
	c.emitCall(st)
	return nil
}

// AcceptCall answers the ringing call. answerSDP is the local description
// the media layer produced after applying the stored offer.
func (c *Client) AcceptCall(answerSDP string) error {
	if answerSDP == "" {
		return fmt.Errorf("answer is required")
	}

	c.mu.Lock()
	if c.call.Stage != CallRinging {
		c.mu.Unlock()
		return ErrInvalidCallState
	}
	c.call.Stage = CallConnected
	c.call.Answer = answerSDP
	st := c.call
	self := c.selfID
	ctx := c.ctx
	c.mu.Unlock()

	err := c.store.Update(ctx, callsCollection+"/"+self, map[string]any{
		"answer": answerSDP,
		"status": string(CallConnected),
	})
	if err != nil {
		// The caller may have hung up while we were ringing.
		c.mu.Lock()
		c.teardownCallLocked()
		c.mu.Unlock()
		return fmt.Errorf("accept call: %w", err)
	}

	// The offer was applied before producing the answer, so the caller's
	// candidates are safe to surface from here on.
	c.subscribeRemoteCandidates(offerCandidatesCollection, st.ID)
	c.emitCall(st)
	return nil
}

// RejectCall declines the ringing call. The status write lets the caller
// observe the rejection; the caller then removes the session and both
// candidate logs.
func (c *Client) RejectCall() error {
	c.mu.Lock()
	if c.call.Stage != CallRinging {
		c.mu.Unlock()
		return ErrInvalidCallState
	}
	self := c.selfID
	ctx := c.ctx
	c.teardownCallLocked()
	idle := c.call
	c.mu.Unlock()

	err := c.store.Update(ctx, callsCollection+"/"+self, map[string]any{
		"status": string(CallRejected),
	})
	if err != nil {
		c.logger.Warn("reject write failed", "error", err)
	}

	c.emitCall(idle)
	return nil
}

// Hangup terminates the current call from either side and removes the
// session document and both candidate logs, leaving no orphans.
func (c *Client) Hangup() error {
	c.mu.Lock()
	st := c.call
	if st.Stage == CallIdle {
		c.mu.Unlock()
		return nil
	}
	c.teardownCallLocked()
	c.mu.Unlock()

	c.cleanupCallDocs(st)

	st.Stage = CallEnded
	c.emitCall(st)
	return nil
}

// AddLocalCandidate appends a locally gathered ICE candidate to this side's
// log. The logs are append-only and kept separate per direction so the two
// sides never clobber each other.
func (c *Client) AddLocalCandidate(candidate string) error {
	if candidate == "" {
		return fmt.Errorf("candidate must not be empty")
	}

	c.mu.Lock()
	st := c.call
	switch st.Stage {
	case CallCalling, CallRinging, CallConnected:
	default:
		c.mu.Unlock()
		return ErrInvalidCallState
	}
	collection := offerCandidatesCollection
	if c.selfID != st.Caller {
		collection = answerCandidatesCollection
	}
	c.candSeq++
	seq := c.candSeq
	ctx := c.ctx
	c.mu.Unlock()

	_, err := c.store.Add(ctx, collection, map[string]any{
		"callId":    st.ID,
		"candidate": candidate,
		"seq":       seq,
	})
	if err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// handleIncomingCallSnapshot is the callee's standing watch on sessions
// addressed to self.
func (c *Client) handleIncomingCallSnapshot(docs []docstore.Document) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}

	var session *CallState
	for _, doc := range docs {
		st, err := decodeCall(doc)
		if err != nil {
			c.logger.Warn("skipping malformed call document", "error", err)
			continue
		}
		session = &st
		break
	}

	if session == nil {
		// The caller removed the session while we were ringing or
		// connected: the call is over.
		if (c.call.Stage == CallRinging || c.call.Stage == CallConnected) && c.call.Callee == c.selfID {
			ended := c.call
			c.teardownCallLocked()
			c.mu.Unlock()
			ended.Stage = CallEnded
			c.emitCall(ended)
			return
		}
		c.mu.Unlock()
		return
	}

	if c.call.Stage == CallIdle && session.Stage == CallCalling {
		ringing := *session
		ringing.Stage = CallRinging
		c.call = ringing
		c.appliedCand = make(map[string]struct{})
		c.mu.Unlock()
		c.emitCall(ringing)
		return
	}

	c.mu.Unlock()
}

// handleCallerSnapshot watches the session the caller created until an
// answer or a rejection shows up.
func (c *Client) handleCallerSnapshot(callID string, docs []docstore.Document) {
	c.mu.Lock()
	if c.call.ID != callID {
		c.mu.Unlock()
		return
	}

	var session *CallState
	for _, doc := range docs {
		st, err := decodeCall(doc)
		if err != nil {
			continue
		}
		if st.ID == callID {
			session = &st
			break
		}
	}

	if session == nil {
		// The callee removed the session; nothing left to clean up.
		ended := c.call
		c.teardownCallLocked()
		c.mu.Unlock()
		ended.Stage = CallEnded
		c.emitCall(ended)
		return
	}

	if session.Stage == CallRejected && c.call.Stage == CallCalling {
		rejected := c.call
		c.teardownCallLocked()
		c.mu.Unlock()

		c.cleanupCallDocs(rejected)
		rejected.Stage = CallRejected
		c.emitCall(rejected)
		return
	}

	if session.Answer != "" && !c.answerSeen && c.call.Stage == CallCalling {
		c.answerSeen = true
		c.call.Stage = CallConnected
		c.call.Answer = session.Answer
		st := c.call
		c.mu.Unlock()

		if c.OnRemoteDescription != nil {
			c.OnRemoteDescription(st.Answer)
		}
		c.subscribeRemoteCandidates(answerCandidatesCollection, callID)
		c.emitCall(st)
		return
	}

	c.mu.Unlock()
}

func (c *Client) subscribeRemoteCandidates(collection, callID string) {
	sub, err := c.store.Subscribe(
		docstore.Query{
			Collection: collection,
			Filters:    []docstore.Filter{docstore.Where("callId", callID)},
			OrderBy:    "seq",
		},
		func(docs []docstore.Document) { c.handleCandidateSnapshot(callID, docs) },
		c.subscriptionError("candidates"),
	)
	if err != nil {
		c.surfaceError(fmt.Errorf("candidate subscription: %w", err))
		return
	}

	c.mu.Lock()
	if c.call.ID != callID {
		c.mu.Unlock()
		sub.Cancel()
		return
	}
	c.candSub.Cancel()
	c.candSub = sub
	c.mu.Unlock()
}

// handleCandidateSnapshot surfaces each remote candidate exactly once.
// Candidates commute, so the arrival order does not matter as long as the
// corresponding description was applied first, which the subscription
// timing guarantees.
func (c *Client) handleCandidateSnapshot(callID string, docs []docstore.Document) {
	c.mu.Lock()
	if c.call.ID != callID {
		c.mu.Unlock()
		return
	}

	var fresh []string
	for _, doc := range docs {
		if _, done := c.appliedCand[doc.ID]; done {
			continue
		}
		candidate, ok := doc.StringField("candidate")
		if !ok || candidate == "" {
			continue
		}
		c.appliedCand[doc.ID] = struct{}{}
		fresh = append(fresh, candidate)
	}
	c.mu.Unlock()

	if c.OnRemoteCandidate != nil {
		for _, candidate := range fresh {
			c.OnRemoteCandidate(candidate)
		}
	}
}

func (c *Client) teardownCallLocked() {
	c.callDocSub.Cancel()
	c.candSub.Cancel()
	c.callDocSub = nil
	c.candSub = nil
	c.call = CallState{Stage: CallIdle}
	c.answerSeen = false
	c.appliedCand = nil
	c.candSeq = 0
}

// cleanupCallDocs removes the session document and both candidate logs.
// Deletes are idempotent, so both sides may race here safely.
func (c *Client) cleanupCallDocs(st CallState) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	if err := c.store.Delete(ctx, callsCollection+"/"+st.Callee); err != nil {
		c.logger.Warn("call session delete failed", "callID", st.ID, "error", err)
	}

	for _, collection := range []string{offerCandidatesCollection, answerCandidatesCollection} {
		docs, err := c.store.Documents(ctx, docstore.Query{
			Collection: collection,
			Filters:    []docstore.Filter{docstore.Where("callId", st.ID)},
		})
		if err != nil {
			c.logger.Warn("candidate log query failed", "callID", st.ID, "error", err)
			continue
		}
		for _, doc := range docs {
			if err := c.store.Delete(ctx, doc.Path()); err != nil {
				c.logger.Warn("candidate delete failed", "callID", st.ID, "error", err)
			}
		}
	}
}

func (c *Client) emitCall(st CallState) {
	if c.OnCall != nil {
		c.OnCall(st)
	}
}

// CallSession returns a copy of the current call state.
func (c *Client) CallSession() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}
