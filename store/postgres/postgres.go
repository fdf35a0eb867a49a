// Package postgres provides a PostgreSQL-backed store for the ledger and the gate.
//
// Each namespace lives in its own schema. Debits lock the account and its
// grants with SELECT ... FOR UPDATE; admissions serialize per user and task
// type with a transaction-scoped advisory lock. This makes it safe for
// multi-instance deployments.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/creditgate"
)

// Store is a PostgreSQL-backed LedgerStore, GateStore and BillingStore.
type Store struct {
	pool      *pgxpool.Pool
	namespace creditgate.Namespace
	schema    string
}

var (
	_ creditgate.LedgerStore  = (*Store)(nil)
	_ creditgate.GateStore    = (*Store)(nil)
	_ creditgate.BillingStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithNamespace selects the namespace (default staging). The schema is
// "creditgate_<namespace>" unless WithSchema overrides it.
func WithNamespace(ns creditgate.Namespace) Option {
	return func(s *Store) { s.namespace = ns }
}

// WithSchema sets the schema holding the store's tables.
func WithSchema(schema string) Option {
	return func(s *Store) { s.schema = schema }
}

// New creates a new PostgreSQL-backed store. Call Migrate before first use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:      pool,
		namespace: creditgate.NamespaceStaging,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.schema == "" {
		s.schema = SchemaFor(s.namespace)
	}
	return s
}

// SchemaFor returns the default schema name of a namespace.
func SchemaFor(ns creditgate.Namespace) string { return "creditgate_" + string(ns) }

// Namespace returns the store's namespace.
func (s *Store) Namespace() creditgate.Namespace { return s.namespace }

// Schema returns the schema holding the store's tables.
func (s *Store) Schema() string { return s.schema }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *Store) accounts() string     { return s.table("accounts") }
func (s *Store) grants() string       { return s.table("grants") }
func (s *Store) reservations() string { return s.table("reservations") }

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(ctx context.Context, acct creditgate.UserAccount) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, free_credit) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET free_credit = $2`, s.accounts()),
		acct.ID, acct.FreeCredit,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: put account: %w", err)
	}
	return nil
}

// PutGrant creates or replaces a grant.
func (s *Store) PutGrant(ctx context.Context, g creditgate.SubscriptionGrant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, user_id, plan_code, credit_per_period, credit_remaining, expires_at, period_expires_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				user_id = $2, plan_code = $3, credit_per_period = $4, credit_remaining = $5,
				expires_at = $6, period_expires_at = $7, status = $8`, s.grants()),
		g.ID, g.UserID, g.PlanCode, g.CreditPerPeriod, g.CreditRemaining,
		g.ExpiresAt, g.PeriodExpiresAt, string(g.Status),
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: put grant: %w", err)
	}
	return nil
}

// ListGrants returns every grant of the user ordered by ID.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]creditgate.SubscriptionGrant, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = $1 ORDER BY id`, grantColumns, s.grants()),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: list grants: %w", err)
	}
	grants, err := collectGrants(rows)
	if err != nil {
		return nil, fmt.Errorf("creditgate/postgres: list grants: %w", err)
	}
	return grants, nil
}

// RenewGrants advances each overdue recurring grant by one period in a
// single conditional UPDATE.
func (s *Store) RenewGrants(ctx context.Context, userID string, now time.Time, rule creditgate.RenewalRule) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
			SET period_expires_at = LEAST(period_expires_at + make_interval(secs => $2), expires_at),
				credit_remaining = credit_per_period
			WHERE user_id = $1 AND plan_code < $3 AND status = 'active'
				AND expires_at > $4 AND period_expires_at <= $4`, s.grants()),
		userID, rule.Period.Seconds(), rule.PlanCodeLimit, now,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: renew: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Snapshot returns the account and its grants spendable at now.
func (s *Store) Snapshot(ctx context.Context, userID string, now time.Time) (creditgate.UserAccount, []creditgate.SubscriptionGrant, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.load(ctx, tx, userID, now, "")
}

// Debit applies the waterfall for amount in one transaction holding row
// locks on the account and its spendable grants.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, now time.Time) (creditgate.Debit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return creditgate.Debit{}, fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, grants, err := s.load(ctx, tx, userID, now, " FOR UPDATE")
	if err != nil {
		return creditgate.Debit{}, err
	}
	d, err := creditgate.PlanDebit(acct, grants, amount, now)
	if err != nil {
		return creditgate.Debit{}, err
	}

	batch := &pgx.Batch{}
	for _, ded := range d.Grants {
		batch.Queue(
			fmt.Sprintf(`UPDATE %s SET credit_remaining = credit_remaining - $1 WHERE id = $2`, s.grants()),
			ded.Amount, ded.GrantID,
		)
	}
	if d.FreeCredit > 0 {
		batch.Queue(
			fmt.Sprintf(`UPDATE %s SET free_credit = free_credit - $1 WHERE id = $2`, s.accounts()),
			d.FreeCredit, userID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return creditgate.Debit{}, fmt.Errorf("creditgate/postgres: debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return creditgate.Debit{}, fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return d, nil
}

func (s *Store) load(ctx context.Context, tx pgx.Tx, userID string, now time.Time, lock string) (creditgate.UserAccount, []creditgate.SubscriptionGrant, error) {
	acct := creditgate.UserAccount{ID: userID}
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT free_credit FROM %s WHERE id = $1%s`, s.accounts(), lock),
		userID,
	).Scan(&acct.FreeCredit)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.UserAccount{}, nil, creditgate.ErrAccountNotFound
	}
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/postgres: load account: %w", err)
	}

	rows, err := tx.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE user_id = $1 AND expires_at > $2 AND period_expires_at > $2
			ORDER BY expires_at, id%s`, grantColumns, s.grants(), lock),
		userID, now,
	)
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/postgres: load grants: %w", err)
	}
	grants, err := collectGrants(rows)
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/postgres: load grants: %w", err)
	}
	return acct, grants, nil
}

// Reserve counts the window and inserts r while holding an advisory lock
// on the user and task type.
func (s *Store) Reserve(ctx context.Context, r creditgate.Reservation, policy creditgate.RatePolicy) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lockKey := fmt.Sprintf("%s:%s:%d", s.schema, r.UserID, r.TaskType)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return fmt.Errorf("creditgate/postgres: admission lock: %w", err)
	}

	var inWindow, pending int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT
				count(*) FILTER (WHERE created_at > $3 AND created_at <= $4),
				count(*) FILTER (WHERE status = 'pending')
			FROM %s WHERE user_id = $1 AND task_type = $2`, s.reservations()),
		r.UserID, int32(r.TaskType), policy.WindowStart(r.CreatedAt), r.CreatedAt,
	).Scan(&inWindow, &pending)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: count window: %w", err)
	}
	if !policy.Admits(inWindow, pending) {
		return creditgate.ErrRateLimited
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, task_type, status, created_at)
			VALUES ($1, $2, $3, 'pending', $4)`, s.reservations()),
		r.ID, r.UserID, int32(r.TaskType), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creditgate/postgres: insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("creditgate/postgres: commit: %w", err)
	}
	return nil
}

// Finalize moves a pending reservation to a terminal status.
func (s *Store) Finalize(ctx context.Context, id string, o creditgate.Outcome) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
			SET status = $2, consumed_credit = $3,
				model = COALESCE($4::text, model), tool = COALESCE($5::text, tool)
			WHERE id = $1 AND status = 'pending'`, s.reservations()),
		id, string(o.Status), o.ConsumedCredit, o.Model, o.Tool,
	)
	if err != nil {
		return false, fmt.Errorf("creditgate/postgres: finalize: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns a reservation by ID.
func (s *Store) Get(ctx context.Context, id string) (creditgate.Reservation, error) {
	var (
		r      creditgate.Reservation
		task   int32
		status string
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, user_id, task_type, status, consumed_credit, model, tool, created_at
			FROM %s WHERE id = $1`, s.reservations()),
		id,
	).Scan(&r.ID, &r.UserID, &task, &status, &r.ConsumedCredit, &r.Model, &r.Tool, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/postgres: get reservation: %w", err)
	}
	r.TaskType = creditgate.TaskType(task)
	r.Status = creditgate.ReservationStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

// ExpirePending fails pending reservations created before cutoff.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'failed' WHERE status = 'pending' AND created_at < $1`, s.reservations()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: expire pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

const grantColumns = `id, user_id, plan_code, credit_per_period, credit_remaining, expires_at, period_expires_at, status`

type grantRow struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	PlanCode        int32     `db:"plan_code"`
	CreditPerPeriod int64     `db:"credit_per_period"`
	CreditRemaining int64     `db:"credit_remaining"`
	ExpiresAt       time.Time `db:"expires_at"`
	PeriodExpiresAt time.Time `db:"period_expires_at"`
	Status          string    `db:"status"`
}

func collectGrants(rows pgx.Rows) ([]creditgate.SubscriptionGrant, error) {
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[grantRow])
	if err != nil {
		return nil, err
	}
	grants := make([]creditgate.SubscriptionGrant, 0, len(collected))
	for _, row := range collected {
		grants = append(grants, creditgate.SubscriptionGrant{
			ID:              row.ID,
			UserID:          row.UserID,
			PlanCode:        int(row.PlanCode),
			CreditPerPeriod: row.CreditPerPeriod,
			CreditRemaining: row.CreditRemaining,
			ExpiresAt:       row.ExpiresAt.UTC(),
			PeriodExpiresAt: row.PeriodExpiresAt.UTC(),
			Status:          creditgate.GrantStatus(row.Status),
		})
	}
	return grants, nil
}
