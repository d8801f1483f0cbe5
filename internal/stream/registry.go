// Package stream delivers order status updates to subscribers, buffering them in a shared
// store whenever no live subscriber can take them.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/ksred/klear-dex/internal/metrics"
)

var ErrSubscriberClosed = errors.New("subscriber closed")

// Subscriber is a live output channel for one order's updates
type Subscriber interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
	Closed() bool
}

// Registry tracks the live subscriber of each order. At most one subscriber is held per
// order; the newest registration wins.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscriber)}
}

// Register makes sub the live subscriber for orderID and returns the one it replaced
func (r *Registry) Register(orderID string, sub Subscriber) Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.subs[orderID]
	r.subs[orderID] = sub
	if !ok {
		metrics.Subscribers.Inc()
	}
	return prev
}

// Get returns the live subscriber for orderID, if any
func (r *Registry) Get(orderID string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[orderID]
	return sub, ok
}

// Remove drops the registration for orderID only if sub is still the current one.
// A nil sub removes whatever is registered.
func (r *Registry) Remove(orderID string, sub Subscriber) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.subs[orderID]
	if !ok || (sub != nil && cur != sub) {
		return nil, false
	}
	delete(r.subs, orderID)
	metrics.Subscribers.Dec()
	return cur, true
}

// Len returns the number of orders with a live subscriber
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is held and returns the matching unlock func
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
