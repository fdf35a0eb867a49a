package creditgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RatePolicy bounds how many reservations a user may hold for one task type.
type RatePolicy struct {
	// Limit is the number of reservations admitted per Window. Zero disables the window check.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// MaxPending caps simultaneous pending reservations. Zero disables the cap.
	MaxPending int
}

// DefaultRatePolicy applies to task types without a configured policy.
var DefaultRatePolicy = RatePolicy{Limit: 20, Window: time.Minute, MaxPending: 4}

// Admits reports whether a new reservation fits given the number already
// created inside the window and the number still pending.
func (p RatePolicy) Admits(inWindow, pending int) bool {
	if p.Limit > 0 && inWindow >= p.Limit {
		return false
	}
	if p.MaxPending > 0 && pending >= p.MaxPending {
		return false
	}
	return true
}

// WindowStart returns the exclusive lower bound of the window ending at now.
func (p RatePolicy) WindowStart(now time.Time) time.Time {
	return now.Add(-p.Window)
}

// Gate admits generation requests under per-task rate policies and records
// their outcome.
type Gate struct {
	store         GateStore
	policies      map[TaskType]RatePolicy
	defaultPolicy RatePolicy
	clock         func() time.Time
	meter         Meter
	logger        *slog.Logger
}

// NewGate creates a Gate backed by store.
func NewGate(store GateStore, opts ...Option) *Gate {
	o := buildOptions(opts)
	return &Gate{
		store:         store,
		policies:      o.policies,
		defaultPolicy: o.defaultPolicy,
		clock:         o.clock,
		meter:         o.meter,
		logger:        o.logger,
	}
}

// Policy returns the policy applied to task.
func (g *Gate) Policy(task TaskType) RatePolicy {
	if p, ok := g.policies[task]; ok {
		return p
	}
	return g.defaultPolicy
}

// Reserve admits one request for (userID, task) and records it as pending.
// Returns ErrRateLimited when the policy rejects; no reservation exists then.
func (g *Gate) Reserve(ctx context.Context, userID string, task TaskType) (Reservation, error) {
	r := Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		TaskType:  task,
		Status:    ReservationPending,
		CreatedAt: g.clock().UTC().Truncate(time.Millisecond),
	}

	err := storeErr("reserve", g.store, g.store.Reserve(ctx, r, g.Policy(task)))
	g.meter.OnReserve(ReserveEvent{
		UserID:        userID,
		TaskType:      task,
		ReservationID: r.ID,
		Admitted:      err == nil,
		Error:         err,
	})
	if err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// Commit finalizes a reservation. Committing a missing or already final
// reservation is a no-op.
func (g *Gate) Commit(ctx context.Context, id string, o Outcome) error {
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrInvalidParams, o.Status)
	}

	applied, err := g.store.Finalize(ctx, id, o)
	err = storeErr("finalize", g.store, err)
	if errors.Is(err, ErrReservationNotFound) {
		applied, err = false, nil
	}
	g.meter.OnCommit(CommitEvent{ReservationID: id, Status: o.Status, Applied: applied, Error: err})
	if err != nil {
		return err
	}
	if !applied {
		g.logger.Debug("commit skipped", "reservation_id", id, "status", o.Status)
	}
	return nil
}

// Get returns a reservation by ID.
func (g *Gate) Get(ctx context.Context, id string) (Reservation, error) {
	r, err := g.store.Get(ctx, id)
	if err != nil {
		return Reservation{}, storeErr("get", g.store, err)
	}
	return r, nil
}

// Sweep fails reservations that stayed pending longer than grace.
func (g *Gate) Sweep(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := g.clock().UTC().Add(-grace)
	n, err := g.store.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, storeErr("expire", g.store, err)
	}
	if n > 0 {
		g.logger.Info("stale reservations failed", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
