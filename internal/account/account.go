// Package account holds the Account entity: an immutable id, a decimal
// balance and the lock that guards it.
//
// The balance is only reachable through a Held guard, which exists only while
// the account lock is owned. Acquisition is always bounded, either by the
// timeout passed to Acquire or by the caller's context.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funds-transfer/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

var ErrLockTimeout = errors.New("account lock wait timed out")

type Account struct {
	id      string
	sem     *semaphore.Weighted
	balance decimal.Decimal
}

func New(id string, balance decimal.Decimal) *Account {
	return &Account{
		id:      id,
		sem:     semaphore.NewWeighted(1),
		balance: balance,
	}
}

func (a *Account) ID() string { return a.id }

// Acquire waits up to timeout for the account lock. A non-positive timeout
// waits until ctx is done.
//
// When the bound expires the error wraps ErrLockTimeout. When ctx ends first
// the error wraps domain.ErrLockInterrupted and ctx.Err().
func (a *Account) Acquire(ctx context.Context, timeout time.Duration) (*Held, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("account %s: %w: %w", a.id, domain.ErrLockInterrupted, ctxErr)
		}
		return nil, fmt.Errorf("account %s: %w", a.id, ErrLockTimeout)
	}
	return &Held{acc: a}, nil
}

// Snapshot reads the balance under the account lock.
func (a *Account) Snapshot(ctx context.Context, timeout time.Duration) (decimal.Decimal, error) {
	h, err := a.Acquire(ctx, timeout)
	if err != nil {
		return decimal.Decimal{}, err
	}
	defer h.Release()
	return h.Balance(), nil
}

// TryBalance reads the balance only if the lock is free right now. It never
// waits; ok is false when someone else holds the lock.
func (a *Account) TryBalance() (bal decimal.Decimal, ok bool) {
	if !a.sem.TryAcquire(1) {
		return decimal.Decimal{}, false
	}
	defer a.sem.Release(1)
	return a.balance, true
}

// Held is proof of lock ownership. It must not be used after Release.
type Held struct {
	acc      *Account
	released atomic.Bool
	once     sync.Once
}

func (h *Held) Account() *Account { return h.acc }

func (h *Held) Balance() decimal.Decimal {
	h.mustHold()
	return h.acc.balance
}

func (h *Held) Debit(amount decimal.Decimal) {
	h.mustHold()
	h.acc.balance = h.acc.balance.Sub(amount)
}

func (h *Held) Credit(amount decimal.Decimal) {
	h.mustHold()
	h.acc.balance = h.acc.balance.Add(amount)
}

// Release gives the lock back. Safe to call more than once, so it can be
// deferred next to an explicit early release.
func (h *Held) Release() {
	h.once.Do(func() {
		h.released.Store(true)
		h.acc.sem.Release(1)
	})
}

func (h *Held) mustHold() {
	if h.released.Load() {
		panic(fmt.Sprintf("account %s: balance accessed after lock release", h.acc.id))
	}
}
