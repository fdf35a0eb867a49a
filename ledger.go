package creditgate

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	// RecurringPlanCodeLimit is the default plan code below which grants renew.
	RecurringPlanCodeLimit = 1000

	// RenewalPeriod is the default length of one subscription period.
	RenewalPeriod = 30 * 24 * time.Hour
)

// RenewalRule decides which grants renew and by how much.
type RenewalRule struct {
	Period        time.Duration
	PlanCodeLimit int
}

// DefaultRenewalRule renews plan codes below 1000 every 30 days.
var DefaultRenewalRule = RenewalRule{Period: RenewalPeriod, PlanCodeLimit: RecurringPlanCodeLimit}

// Due reports whether g should be renewed at now.
func (r RenewalRule) Due(g SubscriptionGrant, now time.Time) bool {
	return g.PlanCode < r.PlanCodeLimit &&
		g.Status == GrantActive &&
		g.ExpiresAt.After(now) &&
		!g.PeriodExpiresAt.After(now)
}

// Apply returns g advanced by one period, capped at its expiry, with the
// period allowance restored. The second result is false when g is not due.
func (r RenewalRule) Apply(g SubscriptionGrant, now time.Time) (SubscriptionGrant, bool) {
	if !r.Due(g, now) {
		return g, false
	}
	next := g.PeriodExpiresAt.Add(r.Period)
	if next.After(g.ExpiresAt) {
		next = g.ExpiresAt
	}
	g.PeriodExpiresAt = next
	g.CreditRemaining = g.CreditPerPeriod
	return g, true
}

// Ledger computes balances, renews subscriptions and debits credit.
type Ledger struct {
	store  LedgerStore
	rule   RenewalRule
	clock  func() time.Time
	meter  Meter
	logger *slog.Logger
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store LedgerStore, opts ...Option) *Ledger {
	o := buildOptions(opts)
	return &Ledger{
		store:  store,
		rule:   o.rule,
		clock:  o.clock,
		meter:  o.meter,
		logger: o.logger,
	}
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC().Truncate(time.Second)
}

// Renew rolls every overdue recurring grant of the user forward by one
// period. Safe to call concurrently: racing callers renew each grant once.
func (l *Ledger) Renew(ctx context.Context, userID string) (int64, error) {
	n, err := l.store.RenewGrants(ctx, userID, l.now(), l.rule)
	if err != nil {
		return 0, storeErr("renew", l.store, err)
	}
	if n > 0 {
		l.logger.Debug("grants renewed", "user_id", userID, "renewed", n)
		l.meter.OnRenew(RenewEvent{UserID: userID, Renewed: n})
	}
	return n, nil
}

// Balance renews the user's grants and returns the spendable balance.
// Any store failure fails the whole read.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if _, err := l.Renew(ctx, userID); err != nil {
		return 0, err
	}
	now := l.now()
	acct, grants, err := l.store.Snapshot(ctx, userID, now)
	if err != nil {
		return 0, storeErr("snapshot", l.store, err)
	}
	return SpendableBalance(acct, grants, now), nil
}

// CanConsume is an advisory check that the balance covers amount. It does
// not reserve anything. Unknown users cannot consume.
func (l *Ledger) CanConsume(ctx context.Context, userID string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	balance, err := l.Balance(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Consume debits amount from the user's grants, soonest-expiring first,
// then from free credit. Either the whole amount is debited or nothing is.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int64, label string) (Debit, error) {
	if amount < 0 {
		return Debit{}, ErrInvalidAmount
	}
	if amount == 0 {
		return Debit{UserID: userID}, nil
	}

	start := time.Now()
	if _, err := l.Renew(ctx, userID); err != nil {
		l.meter.OnConsume(ConsumeEvent{UserID: userID, Label: label, Amount: amount, Error: err})
		return Debit{}, err
	}

	d, err := l.store.Debit(ctx, userID, amount, l.now())
	err = storeErr("debit", l.store, err)
	l.meter.OnConsume(ConsumeEvent{
		UserID:   userID,
		Label:    label,
		Amount:   amount,
		Debit:    d,
		Duration: time.Since(start),
		Error:    err,
	})
	if err != nil {
		return Debit{}, err
	}
	return d, nil
}
