package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chatgram/internal/docstore"
)

type callProbe struct {
	mu         sync.Mutex
	stages     []CallStage
	remoteDesc string
	candidates []string
}

func (p *callProbe) attach(c *Client) {
	c.OnCall = func(st CallState) {
		p.mu.Lock()
		p.stages = append(p.stages, st.Stage)
		p.mu.Unlock()
	}
	c.OnRemoteDescription = func(sdp string) {
		p.mu.Lock()
		p.remoteDesc = sdp
		p.mu.Unlock()
	}
	c.OnRemoteCandidate = func(cand string) {
		p.mu.Lock()
		p.candidates = append(p.candidates, cand)
		p.mu.Unlock()
	}
}

func (p *callProbe) lastStage() CallStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stages) == 0 {
		return CallIdle
	}
	return p.stages[len(p.stages)-1]
}

func (p *callProbe) remoteCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	copy(out, p.candidates)
	return out
}

func (p *callProbe) remoteDescription() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc
}

func dialPair(t *testing.T, store *docstore.Store) (caller, callee *Client, callerProbe, calleeProbe *callProbe) {
	t.Helper()

	caller = newTestClient(t, store, "alice", Options{})
	callerProbe = &callProbe{}
	callerProbe.attach(caller)
	startClient(t, caller, "alice")

	callee = newTestClient(t, store, "bob", Options{})
	calleeProbe = &callProbe{}
	calleeProbe.attach(callee)
	startClient(t, callee, "bob")

	return caller, callee, callerProbe, calleeProbe
}

func TestCall_OfferAnswerHandshake(t *testing.T) {
	store := newTestStore(t)
	caller, callee, callerProbe, _ := dialPair(t, store)

	if err := caller.StartCall("bob", true, "offer-sdp"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if got := caller.CallSession().Stage; got != CallCalling {
		t.Fatalf("caller stage = %v, want %v", got, CallCalling)
	}

	waitFor(t, "callee to ring", func() bool {
		return callee.CallSession().Stage == CallRinging
	})
	ringing := callee.CallSession()
	if ringing.Offer != "offer-sdp" || ringing.Caller != "alice" || !ringing.WithVideo {
		t.Fatalf("ringing state = %+v", ringing)
	}

	if err := callee.AcceptCall("answer-sdp"); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}

	waitFor(t, "caller to see the answer", func() bool {
		return caller.CallSession().Stage == CallConnected
	})
	if got := callerProbe.remoteDescription(); got != "answer-sdp" {
		t.Fatalf("remote description = %q, want %q", got, "answer-sdp")
	}
	if got := callee.CallSession().Stage; got != CallConnected {
		t.Fatalf("callee stage = %v, want %v", got, CallConnected)
	}
}

func TestCall_CandidatesDeliveredOnceEachWay(t *testing.T) {
	store := newTestStore(t)
	caller, callee, callerProbe, calleeProbe := dialPair(t, store)

	if err := caller.StartCall("bob", false, "offer-sdp"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	// Candidates gathered before the callee even rings must still arrive.
	if err := caller.AddLocalCandidate("caller-cand-1"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}
	if err := caller.AddLocalCandidate("caller-cand-2"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}

	waitFor(t, "callee to ring", func() bool {
		return callee.CallSession().Stage == CallRinging
	})
	if err := callee.AcceptCall("answer-sdp"); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}

	waitFor(t, "callee to receive both caller candidates", func() bool {
		return len(calleeProbe.remoteCandidates()) == 2
	})
	got := calleeProbe.remoteCandidates()
	if got[0] != "caller-cand-1" || got[1] != "caller-cand-2" {
		t.Fatalf("callee candidates = %v", got)
	}

	if err := callee.AddLocalCandidate("callee-cand-1"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}
	waitFor(t, "caller to receive the callee candidate", func() bool {
		cands := callerProbe.remoteCandidates()
		return len(cands) == 1 && cands[0] == "callee-cand-1"
	})

	// A later write re-delivers the full snapshot; candidates must not
	// surface twice.
	if err := caller.AddLocalCandidate("caller-cand-3"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}
	waitFor(t, "third caller candidate", func() bool {
		return len(calleeProbe.remoteCandidates()) == 3
	})
	if cands := callerProbe.remoteCandidates(); len(cands) != 1 {
		t.Fatalf("caller candidates re-delivered: %v", cands)
	}
}

func TestCall_HangupRemovesAllDocuments(t *testing.T) {
	store := newTestStore(t)
	caller, callee, _, calleeProbe := dialPair(t, store)

	if err := caller.StartCall("bob", false, "offer-sdp"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	callID := caller.CallSession().ID

	waitFor(t, "callee to ring", func() bool {
		return callee.CallSession().Stage == CallRinging
	})
	if err := callee.AcceptCall("answer-sdp"); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	waitFor(t, "caller connected", func() bool {
		return caller.CallSession().Stage == CallConnected
	})
	if err := caller.AddLocalCandidate("c1"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}
	if err := callee.AddLocalCandidate("c2"); err != nil {
		t.Fatalf("AddLocalCandidate() error = %v", err)
	}

	if err := caller.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if got := caller.CallSession().Stage; got != CallIdle {
		t.Fatalf("caller stage after hangup = %v, want %v", got, CallIdle)
	}

	ctx := context.Background()
	if _, err := store.Get(ctx, "calls/bob"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("session document still present, err = %v", err)
	}
	for _, collection := range []string{"offerCandidates", "answerCandidates"} {
		docs, err := store.Documents(ctx, docstore.Query{
			Collection: collection,
			Filters:    []docstore.Filter{docstore.Where("callId", callID)},
		})
		if err != nil {
			t.Fatalf("Documents(%s) error = %v", collection, err)
		}
		if len(docs) != 0 {
			t.Fatalf("%s left %d orphaned documents", collection, len(docs))
		}
	}

	waitFor(t, "callee to observe the hangup", func() bool {
		return calleeProbe.lastStage() == CallEnded
	})
	if got := callee.CallSession().Stage; got != CallIdle {
		t.Fatalf("callee stage after hangup = %v, want %v", got, CallIdle)
	}
}

func TestCall_RejectObservedByCaller(t *testing.T) {
	store := newTestStore(t)
	caller, callee, callerProbe, _ := dialPair(t, store)

	if err := caller.StartCall("bob", false, "offer-sdp"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	waitFor(t, "callee to ring", func() bool {
		return callee.CallSession().Stage == CallRinging
	})

	if err := callee.RejectCall(); err != nil {
		t.Fatalf("RejectCall() error = %v", err)
	}

	waitFor(t, "caller to observe the rejection", func() bool {
		return callerProbe.lastStage() == CallRejected
	})
	if got := caller.CallSession().Stage; got != CallIdle {
		t.Fatalf("caller stage after reject = %v, want %v", got, CallIdle)
	}

	waitFor(t, "session document cleanup", func() bool {
		_, err := store.Get(context.Background(), "calls/bob")
		return errors.Is(err, docstore.ErrNotFound)
	})
}

func TestCall_InvalidTransitions(t *testing.T) {
	store := newTestStore(t)
	caller, callee, _, _ := dialPair(t, store)

	if err := caller.AcceptCall("answer"); !errors.Is(err, ErrInvalidCallState) {
		t.Fatalf("AcceptCall() while idle error = %v, want %v", err, ErrInvalidCallState)
	}
	if err := caller.RejectCall(); !errors.Is(err, ErrInvalidCallState) {
		t.Fatalf("RejectCall() while idle error = %v, want %v", err, ErrInvalidCallState)
	}
	if err := caller.AddLocalCandidate("c"); !errors.Is(err, ErrInvalidCallState) {
		t.Fatalf("AddLocalCandidate() while idle error = %v, want %v", err, ErrInvalidCallState)
	}

	if err := caller.StartCall("bob", false, "offer-sdp"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}
	if err := caller.StartCall("carol", false, "offer-sdp"); !errors.Is(err, ErrCallBusy) {
		t.Fatalf("second StartCall() error = %v, want %v", err, ErrCallBusy)
	}

	waitFor(t, "callee to ring", func() bool {
		return callee.CallSession().Stage == CallRinging
	})
	if err := callee.StartCall("alice", false, "offer-sdp"); !errors.Is(err, ErrCallBusy) {
		t.Fatalf("StartCall() while ringing error = %v, want %v", err, ErrCallBusy)
	}
	if err := callee.AcceptCall("answer-sdp"); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}
	if err := callee.RejectCall(); !errors.Is(err, ErrInvalidCallState) {
		t.Fatalf("RejectCall() while connected error = %v, want %v", err, ErrInvalidCallState)
	}
}
