package store

import (
	"fmt"
	"strings"
	"sync"

	"funds-transfer/internal/account"
	"funds-transfer/internal/domain"
)

// Store is the in-memory account repository. Handles returned by Get are
// stable: the same *account.Account for the lifetime of the store.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account
}

func New() *Store {
	return &Store{accounts: make(map[string]*account.Account)}
}

// Create inserts acc unless its id is taken. Check and insert happen under one
// write lock, so concurrent creates of the same id see exactly one winner.
func (s *Store) Create(acc *account.Account) error {
	if acc == nil || strings.TrimSpace(acc.ID()) == "" {
		return fmt.Errorf("%w: account id cannot be empty", domain.ErrInvalidAccount)
	}
	if err := checkOpeningBalance(acc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID()]; ok {
		return fmt.Errorf("account id %s: %w", acc.ID(), domain.ErrDuplicateAccountID)
	}
	s.accounts[acc.ID()] = acc
	return nil
}

func (s *Store) Get(id string) (*account.Account, error) {
	s.mu.RLock()
	acc, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %q: %w", id, domain.ErrAccountNotFound)
	}
	return acc, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}

// Clear drops every account. Test support only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = make(map[string]*account.Account)
}

// checkOpeningBalance never waits: an account whose lock is already taken is
// in use elsewhere and cannot be a new account.
func checkOpeningBalance(acc *account.Account) error {
	bal, ok := acc.TryBalance()
	if !ok {
		return fmt.Errorf("%w: account id %s is locked by another caller", domain.ErrInvalidAccount, acc.ID())
	}
	if bal.IsNegative() {
		return fmt.Errorf("%w: initial balance cannot be negative", domain.ErrInvalidAmount)
	}
	return nil
}
