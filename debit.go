package creditgate

import (
	"sort"
	"time"
)

// Deduction is the part of a debit taken from one grant.
type Deduction struct {
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
}

// Debit describes how a consumed amount was split across credit sources.
type Debit struct {
	UserID     string      `json:"user_id"`
	Amount     int64       `json:"amount"`
	Grants     []Deduction `json:"grants,omitempty"`
	FreeCredit int64       `json:"free_credit"`
}

// SpendableBalance sums free credit and every grant spendable at now.
func SpendableBalance(acct UserAccount, grants []SubscriptionGrant, now time.Time) int64 {
	total := acct.FreeCredit
	for _, g := range grants {
		if g.Spendable(now) {
			total += g.CreditRemaining
		}
	}
	return total
}

// PlanDebit computes the waterfall split of amount: grants ordered by
// soonest expiry (ties broken by ID), then free credit. It does not mutate
// its inputs. Grants not spendable at now are ignored.
func PlanDebit(acct UserAccount, grants []SubscriptionGrant, amount int64, now time.Time) (Debit, error) {
	if amount < 0 {
		return Debit{}, ErrInvalidAmount
	}
	d := Debit{UserID: acct.ID, Amount: amount}
	if amount == 0 {
		return d, nil
	}
	if SpendableBalance(acct, grants, now) < amount {
		return Debit{}, ErrInsufficientCredit
	}

	ordered := make([]SubscriptionGrant, 0, len(grants))
	for _, g := range grants {
		if g.Spendable(now) && g.CreditRemaining > 0 {
			ordered = append(ordered, g)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExpiresAt.Equal(ordered[j].ExpiresAt) {
			return ordered[i].ExpiresAt.Before(ordered[j].ExpiresAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := amount
	for _, g := range ordered {
		if remaining == 0 {
			break
		}
		take := min(g.CreditRemaining, remaining)
		d.Grants = append(d.Grants, Deduction{GrantID: g.ID, Amount: take})
		remaining -= take
	}
	d.FreeCredit = remaining
	return d, nil
}
