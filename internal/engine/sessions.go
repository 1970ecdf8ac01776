package engine

import (
	"context"
	"sync"
)

// keyedMutex serialises work per key. Different keys never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for key, or returns ctx's error if cancelled first.
// The returned func releases it.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports the number of live keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// session is the committed in-memory state of one chat.
type session struct {
	state   *ConversationState
	context *ContextState
}

// sessionCache holds committed sessions keyed by chat id. Entries are only
// replaced after the store accepted the write.
type sessionCache struct {
	mu    sync.RWMutex
	items map[string]session
}

func newSessionCache() *sessionCache {
	return &sessionCache{items: make(map[string]session)}
}

// get returns deep copies so callers can mutate freely.
func (c *sessionCache) get(chatID string) (session, bool) {
	c.mu.RLock()
	s, ok := c.items[chatID]
	c.mu.RUnlock()
	if !ok {
		return session{}, false
	}
	return session{state: s.state.Clone(), context: s.context.Clone()}, true
}

func (c *sessionCache) commit(chatID string, s session) {
	c.mu.Lock()
	c.items[chatID] = session{state: s.state.Clone(), context: s.context.Clone()}
	c.mu.Unlock()
}
