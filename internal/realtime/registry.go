package realtime

import (
	"context"
	"errors"
	"sync"
)

var ErrSubscriptionTaken = errors.New("correlation token is subscribed by another user")

// Subscriber is a live notification channel for one client connection.
type Subscriber interface {
	Deliver(ctx context.Context, ev Event) error
}

type entry struct {
	owner string
	sub   Subscriber
}

// Registry maps correlation tokens to the subscriber waiting on them. It is
// process-local; entries are lost on restart and clients resubscribe.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register pairs token with sub on behalf of owner. The same owner may move
// the subscription to a new connection, e.g. after a reconnect; a different
// owner gets ErrSubscriptionTaken.
func (r *Registry) Register(token, owner string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[token]; ok && cur.owner != owner {
		return ErrSubscriptionTaken
	}
	r.entries[token] = entry{owner: owner, sub: sub}
	return nil
}

// Take removes and returns the subscriber for token in one step, so a
// redelivered callback racing the first one cannot notify twice.
func (r *Registry) Take(token string) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[token]
	if ok {
		delete(r.entries, token)
	}
	return e.sub, ok
}

// RemoveSubscriber drops every token held by sub and returns how many were removed.
func (r *Registry) RemoveSubscriber(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for token, e := range r.entries {
		if e.sub == sub {
			delete(r.entries, token)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
