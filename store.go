package creditgate

import (
	"context"
	"time"
)

// LedgerStore persists accounts and grants. Every method is a single
// atomic operation against the backend.
type LedgerStore interface {
	// RenewGrants advances each overdue recurring grant of the user by one
	// period in a single conditional write. Returns the number of grants renewed.
	RenewGrants(ctx context.Context, userID string, now time.Time, rule RenewalRule) (int64, error)

	// Snapshot returns the account and its grants spendable at now.
	// Returns ErrAccountNotFound if the account does not exist.
	Snapshot(ctx context.Context, userID string, now time.Time) (UserAccount, []SubscriptionGrant, error)

	// Debit applies the PlanDebit waterfall for amount inside one transaction.
	// Returns ErrInsufficientCredit without mutating anything when the balance is short.
	Debit(ctx context.Context, userID string, amount int64, now time.Time) (Debit, error)
}

// GateStore persists generation reservations.
type GateStore interface {
	// Reserve evaluates policy for (r.UserID, r.TaskType) at r.CreatedAt and
	// inserts r as pending in the same atomic operation.
	// Returns ErrRateLimited and inserts nothing when the policy rejects.
	Reserve(ctx context.Context, r Reservation, policy RatePolicy) error

	// Finalize moves a pending reservation to a terminal status.
	// Returns false when the reservation is missing or already final.
	Finalize(ctx context.Context, id string, o Outcome) (bool, error)

	// Get returns a reservation or ErrReservationNotFound.
	Get(ctx context.Context, id string) (Reservation, error)

	// ExpirePending fails every reservation still pending that was created before cutoff.
	ExpirePending(ctx context.Context, cutoff time.Time) (int64, error)
}

// BillingStore is the write surface used by the billing integration to
// create accounts and grants.
type BillingStore interface {
	PutAccount(ctx context.Context, acct UserAccount) error
	PutGrant(ctx context.Context, g SubscriptionGrant) error
	// ListGrants returns every grant of the user regardless of state.
	ListGrants(ctx context.Context, userID string) ([]SubscriptionGrant, error)
}
