/*
Package locking provides the per-customer single-writer lock.

PURPOSE:
  Two concurrent consume or grant calls for the same customer would race
  on read-balance / write-movement / recompute. Every mutating credit
  operation takes the customer's lock around its transaction.

IMPLEMENTATIONS:
  Local: in-process keyed mutex, for a single server instance
  Redis: SET NX PX token lock with compare-and-delete release, for
         several instances sharing one database

Both give up after Wait and return ledger.ErrLockTimeout, and both honour
context cancellation.

SEE ALSO:
  - credit/settlement.go: lock order is lock -> transaction
*/
package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coopdispatch/credit-engine/ledger"
)

// Locker serializes writers per key.
type Locker interface {
	// Lock blocks until key is held. The returned func releases it and is
	// safe to call more than once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// CustomerKey is the lock key of a customer's ledger.
func CustomerKey(id ledger.CustomerID) string {
	return fmt.Sprintf("credit:customer:%d:lock", id)
}

func timeout(key string, wait time.Duration) error {
	return fmt.Errorf("%w: %s not acquired within %s", ledger.ErrLockTimeout, key, wait)
}

// =============================================================================
// LOCAL - keyed mutex
// =============================================================================

type Local struct {
	// Wait <= 0 waits until ctx is done.
	Wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{} // capacity 1; full while held
	refs int
}

func NewLocal(wait time.Duration) *Local {
	return &Local{Wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) acquire(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquire(key)

	var expired <-chan time.Time
	if l.Wait > 0 {
		timer := time.NewTimer(l.Wait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	case <-expired:
		l.release(key, s)
		return nil, timeout(key, l.Wait)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

var _ Locker = (*Local)(nil)
