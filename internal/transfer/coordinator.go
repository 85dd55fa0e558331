// Package transfer moves funds between two accounts.
//
// Locks are taken in caller order, from-account first, each wait bounded by
// the lock timeout. Two transfers running in opposite directions over the same
// pair can each hold their from-lock and wait for the other; both then fail
// with domain.ErrTransactionTimeout once the bound expires. Liveness comes from
// the bound, not from ordering the locks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"funds-transfer/internal/account"
	"funds-transfer/internal/domain"
	"funds-transfer/internal/logging"
	"funds-transfer/internal/notify"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultLockTimeout = 10 * time.Second

// Accounts resolves account handles. *store.Store satisfies it.
type Accounts interface {
	Get(id string) (*account.Account, error)
}

type Receipt struct {
	ID            uuid.UUID
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	CommittedAt   time.Time
}

type Coordinator struct {
	accounts    Accounts
	notifier    notify.Notifier
	lockTimeout time.Duration
	log         *zap.Logger
	metrics     *Metrics
	now         func() time.Time

	// afterFromLock runs while only the from-lock is held.
	afterFromLock func()
}

type Option func(*Coordinator)

func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Coordinator. A nil notifier falls back to notify.LogNotifier.
func New(accounts Accounts, notifier notify.Notifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		accounts:    accounts,
		lockTimeout: DefaultLockTimeout,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("transfer")
	if notifier == nil {
		notifier = notify.NewLogNotifier(c.log)
	}
	c.notifier = notifier
	return c
}

func (c *Coordinator) LockTimeout() time.Duration { return c.lockTimeout }

// Transfer moves amount from fromID to toID, or fails leaving both balances
// untouched. Failures wrap one of the domain sentinels; see domain.Kind.
func (c *Coordinator) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal) (r Receipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.metrics.observeOutcome(domain.KindInternal)
			panic(p)
		}
		c.metrics.observeOutcome(domain.Kind(err))
	}()

	if strings.TrimSpace(fromID) == "" || strings.TrimSpace(toID) == "" {
		return Receipt{}, fmt.Errorf("%w: from account id and/or to account id cannot be empty", domain.ErrInvalidAccount)
	}
	if !amount.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: amount cannot be less than or equal to zero", domain.ErrInvalidAmount)
	}

	from, err := c.accounts.Get(fromID)
	if err != nil {
		return Receipt{}, err
	}
	to, err := c.accounts.Get(toID)
	if err != nil {
		return Receipt{}, err
	}

	fromHeld, err := c.acquire(ctx, from, "from")
	if err != nil {
		return Receipt{}, err
	}
	defer fromHeld.Release()

	if c.afterFromLock != nil {
		c.afterFromLock()
	}

	// The account lock is not re-entrant, so a self transfer holds it once
	// and nets to zero.
	toHeld := fromHeld
	if toID != fromID {
		toHeld, err = c.acquire(ctx, to, "to")
		if err != nil {
			return Receipt{}, err
		}
		defer toHeld.Release()
	}

	if err := c.recheck(fromHeld, toHeld); err != nil {
		return Receipt{}, err
	}

	if fromHeld.Balance().LessThan(amount) {
		return Receipt{}, domain.ErrInsufficientFunds
	}

	fromHeld.Debit(amount)
	toHeld.Credit(amount)

	r = Receipt{
		ID:            uuid.New(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		CommittedAt:   c.now().UTC(),
	}
	c.log.Debug("transfer committed",
		zap.String("transfer_id", r.ID.String()),
		zap.String("from", fromID),
		zap.String("to", toID),
		zap.String("amount", amount.String()),
		zap.String("correlation_id", logging.CorrelationID(ctx)),
	)

	c.notify(notify.WithDirection(ctx, notify.DirectionDebit), from,
		"funds "+amount.String()+" have been debited from your account")
	c.notify(notify.WithDirection(ctx, notify.DirectionCredit), to,
		"funds "+amount.String()+" have been credited to your account")

	return r, nil
}

func (c *Coordinator) acquire(ctx context.Context, acc *account.Account, lock string) (*account.Held, error) {
	start := time.Now()
	h, err := acc.Acquire(ctx, c.lockTimeout)
	c.metrics.observeLockWait(lock, time.Since(start))

	switch {
	case err == nil:
		return h, nil
	case errors.Is(err, account.ErrLockTimeout):
		c.log.Warn("account lock wait timed out",
			zap.String("lock", lock),
			zap.String("account_id", acc.ID()),
			zap.Duration("bound", c.lockTimeout),
			zap.String("correlation_id", logging.CorrelationID(ctx)),
		)
		return nil, domain.ErrTransactionTimeout
	default:
		c.log.Error("account lock wait interrupted",
			zap.String("lock", lock),
			zap.String("account_id", acc.ID()),
			zap.String("correlation_id", logging.CorrelationID(ctx)),
			zap.Error(err),
		)
		return nil, err
	}
}

// recheck re-resolves both accounts under the locks and makes sure the store
// still hands out the handles that are locked.
func (c *Coordinator) recheck(held ...*account.Held) error {
	for _, h := range held {
		cur, err := c.accounts.Get(h.Account().ID())
		if err != nil {
			return err
		}
		if cur != h.Account() {
			return fmt.Errorf("account %s: store returned a different handle while locked", cur.ID())
		}
	}
	return nil
}

// notify never lets the port affect the transfer result.
func (c *Coordinator) notify(ctx context.Context, acc *account.Account, message string) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("notifier panicked",
				zap.String("account_id", acc.ID()),
				zap.Any("panic", p),
			)
		}
	}()
	c.notifier.NotifyAboutTransfer(ctx, acc, message)
}
