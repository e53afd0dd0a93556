package docstore

import (
	"context"
	"fmt"
	"sync"

	"chatgram/internal/metrics"
)

// Subscription is the handle for one live query. Snapshots are delivered on
// a dedicated dispatch goroutine, one at a time, in registration order of
// the writes that triggered them. Cancel is idempotent and never blocks, so
// it is safe to call from inside a snapshot callback.
type Subscription struct {
	id         uint64
	store      *Store
	query      Query
	onSnapshot func([]Document)
	onError    func(error)

	kick       chan struct{}
	stop       chan struct{}
	cancelOnce sync.Once
}

// Subscribe registers a live query. onSnapshot receives the full matching
// document set immediately and again after every write that touches the
// query's collection. onError may be nil; evaluation failures are then only
// logged.
func (s *Store) Subscribe(q Query, onSnapshot func([]Document), onError func(error)) (*Subscription, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if onSnapshot == nil {
		return nil, fmt.Errorf("onSnapshot must not be nil")
	}
	if err := q.validate(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		store:      s,
		query:      q,
		onSnapshot: onSnapshot,
		onError:    onError,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}

	s.watchMu.Lock()
	if s.closed {
		s.watchMu.Unlock()
		return nil, ErrClosed
	}
	s.nextWatch++
	sub.id = s.nextWatch
	s.watches[sub.id] = sub
	s.watchMu.Unlock()

	metrics.ActiveSubscriptions.Inc()

	sub.kick <- struct{}{}
	go sub.dispatch()

	return sub, nil
}

// Cancel tears the subscription down. No snapshot delivery starts after
// Cancel returns; one already in flight may still complete.
func (sub *Subscription) Cancel() {
	if sub == nil {
		return
	}
	sub.cancelOnce.Do(func() {
		sub.store.watchMu.Lock()
		delete(sub.store.watches, sub.id)
		sub.store.watchMu.Unlock()

		close(sub.stop)
		metrics.ActiveSubscriptions.Dec()
	})
}

func (sub *Subscription) dispatch() {
	for {
		select {
		case <-sub.stop:
			return
		case <-sub.kick:
		}

		docs, err := sub.store.eval(context.Background(), sub.query)
		if err != nil {
			if sub.onError != nil {
				sub.onError(err)
			} else if sub.store.logger != nil {
				sub.store.logger.Warn("live query evaluation failed", "collection", sub.query.Collection, "error", err)
			}
			continue
		}

		select {
		case <-sub.stop:
			return
		default:
		}

		sub.onSnapshot(docs)
		metrics.SnapshotsDelivered.Inc()
	}
}

// ActiveSubscriptions reports the number of registered live queries.
func (s *Store) ActiveSubscriptions() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watches)
}

func (s *Store) notify(collection string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for _, sub := range s.watches {
		if sub.query.Collection != collection {
			continue
		}
		select {
		case sub.kick <- struct{}{}:
		default:
			// A kick is already pending; the re-evaluation it triggers
			// will observe this write too.
		}
	}
}
