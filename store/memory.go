// Package store provides an in-memory backend for the ledger and the gate.
//
// The mutex makes it correct within one process only; deployments with more
// than one instance use the postgres, sqlite or redis backends.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/creditgate"
)

// MemoryStore keeps accounts, grants and reservations in maps.
type MemoryStore struct {
	mu           sync.Mutex
	namespace    creditgate.Namespace
	accounts     map[string]creditgate.UserAccount
	grants       map[string]creditgate.SubscriptionGrant
	reservations map[string]creditgate.Reservation
}

var (
	_ creditgate.LedgerStore  = (*MemoryStore)(nil)
	_ creditgate.GateStore    = (*MemoryStore)(nil)
	_ creditgate.BillingStore = (*MemoryStore)(nil)
)

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithNamespace labels the store with a namespace.
func WithNamespace(ns creditgate.Namespace) MemoryOption {
	return func(s *MemoryStore) { s.namespace = ns }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		namespace:    creditgate.NamespaceStaging,
		accounts:     make(map[string]creditgate.UserAccount),
		grants:       make(map[string]creditgate.SubscriptionGrant),
		reservations: make(map[string]creditgate.Reservation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the store's namespace.
func (s *MemoryStore) Namespace() creditgate.Namespace { return s.namespace }

// PutAccount creates or replaces an account.
func (s *MemoryStore) PutAccount(_ context.Context, acct creditgate.UserAccount) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
	return nil
}

// PutGrant creates or replaces a grant.
func (s *MemoryStore) PutGrant(_ context.Context, g creditgate.SubscriptionGrant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.ID] = g
	return nil
}

// ListGrants returns every grant of the user ordered by ID.
func (s *MemoryStore) ListGrants(_ context.Context, userID string) ([]creditgate.SubscriptionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userGrants(userID, func(creditgate.SubscriptionGrant) bool { return true }), nil
}

// RenewGrants advances each overdue recurring grant by one period.
func (s *MemoryStore) RenewGrants(_ context.Context, userID string, now time.Time, rule creditgate.RenewalRule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, g := range s.grants {
		if g.UserID != userID {
			continue
		}
		if renewed, ok := rule.Apply(g, now); ok {
			s.grants[id] = renewed
			n++
		}
	}
	return n, nil
}

// Snapshot returns the account and its grants spendable at now.
func (s *MemoryStore) Snapshot(_ context.Context, userID string, now time.Time) (creditgate.UserAccount, []creditgate.SubscriptionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return creditgate.UserAccount{}, nil, creditgate.ErrAccountNotFound
	}
	grants := s.userGrants(userID, func(g creditgate.SubscriptionGrant) bool { return g.Spendable(now) })
	return acct, grants, nil
}

// Debit applies the waterfall for amount under the store lock.
func (s *MemoryStore) Debit(_ context.Context, userID string, amount int64, now time.Time) (creditgate.Debit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return creditgate.Debit{}, creditgate.ErrAccountNotFound
	}
	grants := s.userGrants(userID, func(g creditgate.SubscriptionGrant) bool { return g.Spendable(now) })

	d, err := creditgate.PlanDebit(acct, grants, amount, now)
	if err != nil {
		return creditgate.Debit{}, err
	}
	for _, ded := range d.Grants {
		g := s.grants[ded.GrantID]
		g.CreditRemaining -= ded.Amount
		s.grants[ded.GrantID] = g
	}
	acct.FreeCredit -= d.FreeCredit
	s.accounts[userID] = acct
	return d, nil
}

// Reserve checks the policy and inserts r under the store lock.
func (s *MemoryStore) Reserve(_ context.Context, r creditgate.Reservation, policy creditgate.RatePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := policy.WindowStart(r.CreatedAt)
	var inWindow, pending int
	for _, existing := range s.reservations {
		if existing.UserID != r.UserID || existing.TaskType != r.TaskType {
			continue
		}
		if existing.CreatedAt.After(start) && !existing.CreatedAt.After(r.CreatedAt) {
			inWindow++
		}
		if existing.Status == creditgate.ReservationPending {
			pending++
		}
	}
	if !policy.Admits(inWindow, pending) {
		return creditgate.ErrRateLimited
	}

	r.Status = creditgate.ReservationPending
	s.reservations[r.ID] = r
	return nil
}

// Finalize moves a pending reservation to a terminal status.
func (s *MemoryStore) Finalize(_ context.Context, id string, o creditgate.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != creditgate.ReservationPending {
		return false, nil
	}
	r.Status = o.Status
	r.ConsumedCredit = o.ConsumedCredit
	if o.Model != nil {
		r.Model = o.Model
	}
	if o.Tool != nil {
		r.Tool = o.Tool
	}
	s.reservations[id] = r
	return true, nil
}

// Get returns a reservation by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (creditgate.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	return r, nil
}

// ExpirePending fails pending reservations created before cutoff.
func (s *MemoryStore) ExpirePending(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.reservations {
		if r.Status == creditgate.ReservationPending && r.CreatedAt.Before(cutoff) {
			r.Status = creditgate.ReservationFailed
			s.reservations[id] = r
			n++
		}
	}
	return n, nil
}

// userGrants must be called with s.mu held.
func (s *MemoryStore) userGrants(userID string, keep func(creditgate.SubscriptionGrant) bool) []creditgate.SubscriptionGrant {
	var out []creditgate.SubscriptionGrant
	for _, g := range s.grants {
		if g.UserID == userID && keep(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
