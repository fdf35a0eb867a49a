package creditgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planNow = time.Unix(1_760_000_000, 0).UTC()

func planGrant(id string, remaining int64, expiresIn time.Duration) SubscriptionGrant {
	return SubscriptionGrant{
		ID:              id,
		UserID:          "u1",
		PlanCode:        1,
		CreditPerPeriod: remaining,
		CreditRemaining: remaining,
		ExpiresAt:       planNow.Add(expiresIn),
		PeriodExpiresAt: planNow.Add(min(expiresIn, 24*time.Hour)),
		Status:          GrantActive,
	}
}

func TestPlanDebit_SoonestExpiryFirst(t *testing.T) {
	acct := UserAccount{ID: "u1", FreeCredit: 50}
	grants := []SubscriptionGrant{
		planGrant("late", 10, 60*24*time.Hour),
		planGrant("soon", 4, 2*time.Hour),
		planGrant("mid", 3, 10*24*time.Hour),
	}

	d, err := PlanDebit(acct, grants, 12, planNow)
	require.NoError(t, err)

	assert.Equal(t, []Deduction{
		{GrantID: "soon", Amount: 4},
		{GrantID: "mid", Amount: 3},
		{GrantID: "late", Amount: 5},
	}, d.Grants)
	assert.Zero(t, d.FreeCredit)
	assert.Equal(t, "soon", grants[1].ID, "input order is preserved")
}

func TestPlanDebit_TiesBrokenByID(t *testing.T) {
	acct := UserAccount{ID: "u1"}
	grants := []SubscriptionGrant{
		planGrant("b", 5, time.Hour),
		planGrant("a", 5, time.Hour),
	}

	d, err := PlanDebit(acct, grants, 7, planNow)
	require.NoError(t, err)
	assert.Equal(t, []Deduction{{GrantID: "a", Amount: 5}, {GrantID: "b", Amount: 2}}, d.Grants)
}

func TestPlanDebit_FreeCreditLast(t *testing.T) {
	// Scenario A.
	acct := UserAccount{ID: "u1", FreeCredit: 5}
	grants := []SubscriptionGrant{planGrant("g1", 10, 30*24*time.Hour)}

	d, err := PlanDebit(acct, grants, 12, planNow)
	require.NoError(t, err)
	assert.Equal(t, []Deduction{{GrantID: "g1", Amount: 10}}, d.Grants)
	assert.Equal(t, int64(2), d.FreeCredit)
}

func TestPlanDebit_SkipsUnspendableAndEmptyGrants(t *testing.T) {
	acct := UserAccount{ID: "u1", FreeCredit: 10}
	lapsed := planGrant("lapsed", 100, 30*24*time.Hour)
	lapsed.PeriodExpiresAt = planNow
	expired := planGrant("expired", 100, 0)
	empty := planGrant("empty", 0, time.Hour)

	d, err := PlanDebit(acct, []SubscriptionGrant{lapsed, expired, empty}, 10, planNow)
	require.NoError(t, err)
	assert.Empty(t, d.Grants)
	assert.Equal(t, int64(10), d.FreeCredit)

	_, err = PlanDebit(acct, []SubscriptionGrant{lapsed, expired}, 11, planNow)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestPlanDebit_CancelledGrantSpendableUntilPeriodEnds(t *testing.T) {
	g := planGrant("c", 8, 30*24*time.Hour)
	g.Status = GrantCancelled

	d, err := PlanDebit(UserAccount{ID: "u1"}, []SubscriptionGrant{g}, 8, planNow)
	require.NoError(t, err)
	assert.Equal(t, []Deduction{{GrantID: "c", Amount: 8}}, d.Grants)
}

func TestPlanDebit_Amounts(t *testing.T) {
	acct := UserAccount{ID: "u1", FreeCredit: 3}

	_, err := PlanDebit(acct, nil, -1, planNow)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	d, err := PlanDebit(acct, nil, 0, planNow)
	require.NoError(t, err)
	assert.Zero(t, d.Amount)
	assert.Empty(t, d.Grants)

	_, err = PlanDebit(acct, nil, 4, planNow)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestRenewalRule(t *testing.T) {
	rule := DefaultRenewalRule

	t.Run("advances one period", func(t *testing.T) {
		g := planGrant("g", 0, 90*24*time.Hour)
		g.CreditPerPeriod = 100
		g.PeriodExpiresAt = planNow.Add(-45 * 24 * time.Hour)

		renewed, ok := rule.Apply(g, planNow)
		require.True(t, ok)
		assert.Equal(t, g.PeriodExpiresAt.Add(RenewalPeriod), renewed.PeriodExpiresAt)
		assert.Equal(t, int64(100), renewed.CreditRemaining)
		assert.False(t, renewed.Spendable(planNow), "one overdue period remains")
	})

	t.Run("capped at expiry", func(t *testing.T) {
		// Scenario C.
		g := planGrant("g", 0, 10*24*time.Hour)
		g.CreditPerPeriod = 100
		g.PeriodExpiresAt = planNow.Add(-time.Second)

		renewed, ok := rule.Apply(g, planNow)
		require.True(t, ok)
		assert.Equal(t, g.ExpiresAt, renewed.PeriodExpiresAt)
		assert.Equal(t, int64(100), renewed.CreditRemaining)
	})

	t.Run("period boundary is due", func(t *testing.T) {
		g := planGrant("g", 0, 90*24*time.Hour)
		g.PeriodExpiresAt = planNow
		assert.True(t, rule.Due(g, planNow))
	})

	t.Run("not due", func(t *testing.T) {
		oneOff := planGrant("one-off", 0, 90*24*time.Hour)
		oneOff.PlanCode = RecurringPlanCodeLimit
		oneOff.PeriodExpiresAt = planNow.Add(-time.Hour)

		cancelled := planGrant("cancelled", 0, 90*24*time.Hour)
		cancelled.Status = GrantCancelled
		cancelled.PeriodExpiresAt = planNow.Add(-time.Hour)

		expired := planGrant("expired", 0, 0)
		expired.PeriodExpiresAt = planNow.Add(-time.Hour)
		expired.ExpiresAt = planNow

		current := planGrant("current", 0, 90*24*time.Hour)

		for _, g := range []SubscriptionGrant{oneOff, cancelled, expired, current} {
			_, ok := rule.Apply(g, planNow)
			assert.False(t, ok, g.ID)
		}
	})
}
