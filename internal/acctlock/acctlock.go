// Package acctlock serializes every mutation of one account. Different
// accounts never contend.
package acctlock

import (
	"context"
	"sync"
	"time"

	"github.com/rustyeddy/tradeguard/model"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Locks is a keyed mutex. Acquisition is recorded in the returned context, so
// a call made while already holding an account's lock re-enters instead of
// deadlocking.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*entry
	wait  time.Duration
}

type heldKey struct {
	locks   *Locks
	account string
}

// New returns a lock table. A positive wait bounds how long Acquire blocks
// in addition to the caller's context.
func New(wait time.Duration) *Locks {
	return &Locks{locks: make(map[string]*entry), wait: wait}
}

func (l *Locks) ref(account string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[account]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[account] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(account string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[account]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, account)
	}
}

// Acquire blocks until the account is free, ctx is done or the wait elapses.
// The returned release func is idempotent. Giving up is reported as
// ErrLockTimeout.
func (l *Locks) Acquire(ctx context.Context, account string) (context.Context, func(), error) {
	key := heldKey{locks: l, account: account}
	if ctx.Value(key) != nil {
		return ctx, func() {}, nil
	}

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	e := l.ref(account)
	select {
	case e.ch <- struct{}{}:
	case <-waitCtx.Done():
		l.unref(account)
		return ctx, func() {}, model.Wrap(model.ErrLockTimeout, waitCtx.Err(), "account %s is busy", account)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.ch
			l.unref(account)
		})
	}
	return context.WithValue(ctx, key, struct{}{}), release, nil
}

// Held reports whether ctx already holds the account's lock.
func (l *Locks) Held(ctx context.Context, account string) bool {
	return ctx.Value(heldKey{locks: l, account: account}) != nil
}
