package transfer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"funds-transfer/internal/account"
	"funds-transfer/internal/domain"
	"funds-transfer/internal/notify"
	"funds-transfer/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type recordingNotifier struct {
	mu         sync.Mutex
	notices    []string
	directions []notify.Direction
}

func (n *recordingNotifier) NotifyAboutTransfer(ctx context.Context, acc *account.Account, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, acc.ID()+": "+message)
	n.directions = append(n.directions, notify.DirectionOf(ctx))
}

func (n *recordingNotifier) allDirections() []notify.Direction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Direction(nil), n.directions...)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

type panickingNotifier struct{}

func (panickingNotifier) NotifyAboutTransfer(context.Context, *account.Account, string) {
	panic("mail server on fire")
}

// forbiddenAccounts fails the test on any lookup.
type forbiddenAccounts struct{ t *testing.T }

func (f forbiddenAccounts) Get(id string) (*account.Account, error) {
	f.t.Errorf("unexpected lookup of %q", id)
	return nil, domain.ErrAccountNotFound
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T, st *store.Store, balances ...string) []string {
	t.Helper()
	prefix := "Id-" + uuid.NewString() + "-"
	ids := make([]string, len(balances))
	for i, b := range balances {
		ids[i] = prefix + string(rune('1'+i))
		require.NoError(t, st.Create(account.New(ids[i], dec(b))))
	}
	return ids
}

func balance(t *testing.T, st *store.Store, id string) decimal.Decimal {
	t.Helper()
	acc, err := st.Get(id)
	require.NoError(t, err)
	bal, err := acc.Snapshot(context.Background(), time.Second)
	require.NoError(t, err)
	return bal
}

func assertBalance(t *testing.T, st *store.Store, id, want string) {
	t.Helper()
	got := balance(t, st, id)
	assert.True(t, got.Equal(dec(want)), "account %s: got %s want %s", id, got, want)
}

func hold(t *testing.T, st *store.Store, id string) *account.Held {
	t.Helper()
	acc, err := st.Get(id)
	require.NoError(t, err)
	h, err := acc.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	return h
}

func TestTransfer_MovesFundsThenRejectsInsufficient(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "100", "10")
	a, b := ids[0], ids[1]
	rec := &recordingNotifier{}
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := New(st, rec, WithClock(func() time.Time { return fixed }))

	r, err := c.Transfer(context.Background(), a, b, dec("100"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.Equal(t, a, r.FromAccountID)
	assert.Equal(t, b, r.ToAccountID)
	assert.True(t, r.Amount.Equal(dec("100")))
	assert.Equal(t, fixed, r.CommittedAt)
	assertBalance(t, st, a, "0")
	assertBalance(t, st, b, "110")

	assert.Equal(t, []string{
		a + ": funds 100 have been debited from your account",
		b + ": funds 100 have been credited to your account",
	}, rec.all())
	assert.Equal(t, []notify.Direction{notify.DirectionDebit, notify.DirectionCredit}, rec.allDirections())

	_, err = c.Transfer(context.Background(), a, b, dec("1"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertBalance(t, st, a, "0")
	assertBalance(t, st, b, "110")
	assert.Len(t, rec.all(), 2, "failed transfer must not notify")
}

func TestTransfer_DecimalPrecision(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "200.90", "0")
	c := New(st, &recordingNotifier{})

	_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("20.70"))
	require.NoError(t, err)

	assert.Equal(t, "180.2", balance(t, st, ids[0]).String())
	assert.Equal(t, "20.7", balance(t, st, ids[1]).String())
}

func TestTransfer_ExactBalanceIsAllowed(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "0.01", "0")
	c := New(st, nil)

	_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("0.01"))
	require.NoError(t, err)
	assertBalance(t, st, ids[0], "0")
	assertBalance(t, st, ids[1], "0.01")
}

func TestTransfer_InvalidAmount(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "50", "50")
	rec := &recordingNotifier{}
	c := New(st, rec)

	for _, amt := range []decimal.Decimal{{}, decimal.Zero, dec("0.00"), dec("-1"), dec("-0.0001")} {
		_, err := c.Transfer(context.Background(), ids[0], ids[1], amt)
		require.ErrorIs(t, err, domain.ErrInvalidAmount, "amount %s", amt)
		assert.Contains(t, err.Error(), "amount cannot be less than or equal to zero")
	}
	assertBalance(t, st, ids[0], "50")
	assertBalance(t, st, ids[1], "50")
	assert.Empty(t, rec.all())
}

func TestTransfer_InvalidAccountNeverTouchesStore(t *testing.T) {
	c := New(forbiddenAccounts{t}, nil)

	cases := []struct{ from, to string }{
		{"", "B"},
		{"   ", "B"},
		{"A", ""},
		{"A", "\t"},
		{"", ""},
	}
	for _, tc := range cases {
		_, err := c.Transfer(context.Background(), tc.from, tc.to, dec("20"))
		require.ErrorIs(t, err, domain.ErrInvalidAccount, "from=%q to=%q", tc.from, tc.to)
		assert.Contains(t, err.Error(), "from account id and/or to account id cannot be empty")
	}
}

func TestTransfer_SameAccountNetsToZero(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10")
	a := ids[0]
	rec := &recordingNotifier{}
	c := New(st, rec, WithLockTimeout(50*time.Millisecond))

	r, err := c.Transfer(context.Background(), a, a, dec("4"))
	require.NoError(t, err)
	assert.Equal(t, a, r.FromAccountID)
	assert.Equal(t, a, r.ToAccountID)
	assertBalance(t, st, a, "10")
	assert.Equal(t, []string{
		a + ": funds 4 have been debited from your account",
		a + ": funds 4 have been credited to your account",
	}, rec.all())

	_, err = c.Transfer(context.Background(), a, a, dec("10.01"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertBalance(t, st, a, "10")

	_, err = c.Transfer(context.Background(), "ghost", "ghost", dec("1"))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTransfer_UnknownAccountPropagates(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10")
	c := New(st, nil)

	_, err := c.Transfer(context.Background(), "nope", ids[0], dec("1"))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	_, err = c.Transfer(context.Background(), ids[0], "nope", dec("1"))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	assertBalance(t, st, ids[0], "10")
}

func TestTransfer_TimesOutWhenFromAccountIsBusy(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "200.90", "0")
	const bound = 100 * time.Millisecond
	c := New(st, nil, WithLockTimeout(bound))

	h := hold(t, st, ids[0])

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("20.70"))
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrTransactionTimeout)
		assert.GreaterOrEqual(t, time.Since(start), bound)
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not give up on a held from-lock")
	}

	h.Release()
	assertBalance(t, st, ids[0], "200.90")
	assertBalance(t, st, ids[1], "0")
}

func TestTransfer_TimesOutWhenToAccountIsBusyAndReleasesFrom(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "200.90", "0")
	c := New(st, nil, WithLockTimeout(100*time.Millisecond))

	h := hold(t, st, ids[1])

	_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("20.70"))
	require.ErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.Equal(t, domain.KindTransactionTimeout, domain.Kind(err))

	// from-lock must have been released on the failure path
	from, err := st.Get(ids[0])
	require.NoError(t, err)
	fh, err := from.Acquire(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	fh.Release()

	h.Release()
	assertBalance(t, st, ids[0], "200.90")
	assertBalance(t, st, ids[1], "0")
}

func TestTransfer_CallerCancellationIsNotATimeout(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10", "0")
	c := New(st, nil, WithLockTimeout(5*time.Second))

	h := hold(t, st, ids[0])
	defer h.Release()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Transfer(ctx, ids[0], ids[1], dec("1"))
	require.ErrorIs(t, err, domain.ErrLockInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrTransactionTimeout)
	assert.Equal(t, domain.KindInterrupted, domain.Kind(err))
}

func TestTransfer_ParallelRequestsOnThreeAccounts(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "200.90", "0", "20")
	c := New(st, &recordingNotifier{})

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("20.70"))
		return err
	})
	g.Go(func() error {
		_, err := c.Transfer(context.Background(), ids[0], ids[2], dec("30"))
		return err
	})
	require.NoError(t, g.Wait())

	assertBalance(t, st, ids[0], "150.20")
	assertBalance(t, st, ids[1], "20.70")
	assertBalance(t, st, ids[2], "50")
}

func TestTransfer_ParallelRequestsOnFourAccounts(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "200.90", "0", "20", "230")
	c := New(st, nil)

	var g errgroup.Group
	g.Go(func() error {
		_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("20.70"))
		return err
	})
	g.Go(func() error {
		_, err := c.Transfer(context.Background(), ids[3], ids[2], dec("30"))
		return err
	})
	require.NoError(t, g.Wait())

	assertBalance(t, st, ids[0], "180.20")
	assertBalance(t, st, ids[1], "20.70")
	assertBalance(t, st, ids[2], "50")
	assertBalance(t, st, ids[3], "200")
}

func TestTransfer_DisjointPairsDoNotContend(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10", "0", "10", "0")
	c := New(st, nil, WithLockTimeout(50*time.Millisecond))

	// C and D are locked by nobody; holding A and B must not slow C->D down.
	ha := hold(t, st, ids[0])
	defer ha.Release()
	hb := hold(t, st, ids[1])
	defer hb.Release()

	start := time.Now()
	_, err := c.Transfer(context.Background(), ids[2], ids[3], dec("5"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestTransfer_OppositeDirectionsTimeOutInsteadOfDeadlocking(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "100", "100")
	const bound = 150 * time.Millisecond
	c := New(st, nil, WithLockTimeout(bound))

	// Both transfers hold their from-lock before either asks for its to-lock.
	var barrier sync.WaitGroup
	barrier.Add(2)
	c.afterFromLock = func() {
		barrier.Done()
		barrier.Wait()
	}

	errs := make(chan error, 2)
	start := time.Now()
	go func() {
		_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("10"))
		errs <- err
	}()
	go func() {
		_, err := c.Transfer(context.Background(), ids[1], ids[0], dec("10"))
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, domain.ErrTransactionTimeout)
		case <-time.After(5 * time.Second):
			t.Fatal("opposite-direction transfers deadlocked")
		}
	}
	assert.GreaterOrEqual(t, time.Since(start), bound)

	assertBalance(t, st, ids[0], "100")
	assertBalance(t, st, ids[1], "100")
}

func TestTransfer_NotifierPanicDoesNotFailCommittedTransfer(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10", "0")
	core, logs := observer.New(zap.ErrorLevel)
	c := New(st, panickingNotifier{}, WithLogger(zap.New(core)), WithLockTimeout(100*time.Millisecond))

	_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("4"))
	require.NoError(t, err)
	assertBalance(t, st, ids[0], "6")
	assertBalance(t, st, ids[1], "4")
	assert.Equal(t, 2, logs.FilterMessage("notifier panicked").Len())

	// locks were released: a second transfer goes straight through
	_, err = c.Transfer(context.Background(), ids[1], ids[0], dec("4"))
	require.NoError(t, err)
}

func TestTransfer_ConservesTotalUnderContention(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "1000", "1000", "1000", "1000")
	c := New(st, nil, WithLockTimeout(20*time.Millisecond))

	const workers, rounds = 8, 50
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				from := ids[rng.Intn(len(ids))]
				to := ids[rng.Intn(len(ids))]
				if from == to {
					continue
				}
				amt := decimal.New(int64(rng.Intn(5000)+1), -2)
				_, err := c.Transfer(context.Background(), from, to, amt)
				switch {
				case err == nil,
					errors.Is(err, domain.ErrInsufficientFunds),
					errors.Is(err, domain.ErrTransactionTimeout):
				default:
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := decimal.Zero
	for _, id := range ids {
		bal := balance(t, st, id)
		assert.False(t, bal.IsNegative(), "account %s went negative: %s", id, bal)
		total = total.Add(bal)
	}
	assert.True(t, total.Equal(dec("4000")), "total drifted to %s", total)
}

func TestTransfer_RecordsMetricsAndTimeoutLog(t *testing.T) {
	st := store.New()
	ids := seed(t, st, "10", "0")
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	core, logs := observer.New(zap.WarnLevel)
	c := New(st, nil, WithMetrics(m), WithLogger(zap.New(core)), WithLockTimeout(30*time.Millisecond))

	_, err := c.Transfer(context.Background(), ids[0], ids[1], dec("1"))
	require.NoError(t, err)
	_, err = c.Transfer(context.Background(), ids[0], ids[1], dec("100"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = c.Transfer(context.Background(), ids[0], ids[1], dec("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	h := hold(t, st, ids[1])
	_, err = c.Transfer(context.Background(), ids[0], ids[1], dec("1"))
	require.ErrorIs(t, err, domain.ErrTransactionTimeout)
	h.Release()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues(domain.KindOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues(domain.KindInsufficientFunds)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues(domain.KindInvalidAmount)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transfers.WithLabelValues(domain.KindTransactionTimeout)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.lockWait))

	entries := logs.FilterMessage("account lock wait timed out").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "to", entries[0].ContextMap()["lock"])
	assert.Equal(t, ids[1], entries[0].ContextMap()["account_id"])
}

func TestNewDefaults(t *testing.T) {
	c := New(store.New(), nil, WithLockTimeout(0))
	assert.Equal(t, DefaultLockTimeout, c.LockTimeout())
	assert.Equal(t, 10*time.Second, c.LockTimeout())
	assert.NotNil(t, c.notifier)
}
