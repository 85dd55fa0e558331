package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, KindOK},
		{"invalid account", ErrInvalidAccount, KindInvalidAccount},
		{"invalid amount", ErrInvalidAmount, KindInvalidAmount},
		{"not found wrapped", fmt.Errorf("account %q: %w", "A", ErrAccountNotFound), KindAccountNotFound},
		{"duplicate wrapped", fmt.Errorf("account id %s: %w", "A", ErrDuplicateAccountID), KindDuplicateAccountID},
		{"insufficient", ErrInsufficientFunds, KindInsufficientFunds},
		{"timeout", ErrTransactionTimeout, KindTransactionTimeout},
		{"interrupted", fmt.Errorf("%w: %w", ErrLockInterrupted, context.Canceled), KindInterrupted},
		{"other", errors.New("boom"), KindInternal},
		// a bare context deadline is not a transaction timeout
		{"raw deadline", context.DeadlineExceeded, KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Kind(tc.err))
		})
	}
}
