// Package sqlite provides an embedded SQLite backend for the ledger and the gate.
//
// Each namespace gets its own set of prefixed tables. The store uses a single
// connection, so every transaction is serialized by the database handle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ineyio/creditgate"
)

// Store is a SQLite-backed LedgerStore, GateStore and BillingStore.
type Store struct {
	db        *sql.DB
	namespace creditgate.Namespace
	prefix    string
}

var (
	_ creditgate.LedgerStore  = (*Store)(nil)
	_ creditgate.GateStore    = (*Store)(nil)
	_ creditgate.BillingStore = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithNamespace selects the namespace (default staging). Tables are
// prefixed with "<namespace>_".
func WithNamespace(ns creditgate.Namespace) Option {
	return func(s *Store) { s.namespace = ns }
}

// WithTablePrefix overrides the table name prefix.
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Open opens the database file at path with WAL and a busy timeout and
// ensures the schema exists. Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: open: %w", err)
	}
	s := New(db, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. The handle is limited to one connection.
func New(db *sql.DB, opts ...Option) *Store {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, namespace: creditgate.NamespaceStaging}
	for _, opt := range opts {
		opt(s)
	}
	if s.prefix == "" {
		s.prefix = string(s.namespace) + "_"
	}
	return s
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() creditgate.Namespace { return s.namespace }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) accounts() string     { return s.prefix + "accounts" }
func (s *Store) grants() string       { return s.prefix + "grants" }
func (s *Store) reservations() string { return s.prefix + "reservations" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id          TEXT PRIMARY KEY,
			free_credit INTEGER NOT NULL DEFAULT 0 CHECK (free_credit >= 0)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			plan_code         INTEGER NOT NULL,
			credit_per_period INTEGER NOT NULL,
			credit_remaining  INTEGER NOT NULL CHECK (credit_remaining >= 0),
			expires_at        INTEGER NOT NULL,
			period_expires_at INTEGER NOT NULL,
			status            TEXT NOT NULL DEFAULT 'active',
			CHECK (period_expires_at <= expires_at)
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_user ON %[2]s(user_id, expires_at);
		CREATE TABLE IF NOT EXISTS %[3]s (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			task_type       INTEGER NOT NULL,
			status          TEXT NOT NULL,
			consumed_credit INTEGER,
			model           TEXT,
			tool            TEXT,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_window ON %[3]s(user_id, task_type, created_at);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_pending ON %[3]s(status, created_at);
	`, s.accounts(), s.grants(), s.reservations())
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("creditgate/sqlite: ensure schema: %w", err)
	}
	return nil
}

// PutAccount creates or replaces an account.
func (s *Store) PutAccount(ctx context.Context, acct creditgate.UserAccount) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, free_credit) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET free_credit = excluded.free_credit`, s.accounts()),
		acct.ID, acct.FreeCredit,
	)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: put account: %w", err)
	}
	return nil
}

// PutGrant creates or replaces a grant.
func (s *Store) PutGrant(ctx context.Context, g creditgate.SubscriptionGrant) error {
	if err := g.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, user_id, plan_code, credit_per_period, credit_remaining, expires_at, period_expires_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				user_id = excluded.user_id,
				plan_code = excluded.plan_code,
				credit_per_period = excluded.credit_per_period,
				credit_remaining = excluded.credit_remaining,
				expires_at = excluded.expires_at,
				period_expires_at = excluded.period_expires_at,
				status = excluded.status`, s.grants()),
		g.ID, g.UserID, g.PlanCode, g.CreditPerPeriod, g.CreditRemaining,
		g.ExpiresAt.Unix(), g.PeriodExpiresAt.Unix(), string(g.Status),
	)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: put grant: %w", err)
	}
	return nil
}

// ListGrants returns every grant of the user ordered by ID.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]creditgate.SubscriptionGrant, error) {
	grants, err := queryGrants(ctx, s.db,
		fmt.Sprintf(`SELECT %s FROM %s WHERE user_id = ? ORDER BY id`, grantColumns, s.grants()),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("creditgate/sqlite: list grants: %w", err)
	}
	return grants, nil
}

// RenewGrants advances each overdue recurring grant by one period in a
// single conditional UPDATE.
func (s *Store) RenewGrants(ctx context.Context, userID string, now time.Time, rule creditgate.RenewalRule) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
			SET period_expires_at = MIN(period_expires_at + ?, expires_at),
				credit_remaining = credit_per_period
			WHERE user_id = ? AND plan_code < ? AND status = 'active'
				AND expires_at > ? AND period_expires_at <= ?`, s.grants()),
		int64(rule.Period/time.Second), userID, rule.PlanCodeLimit, now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: renew: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: renew rows: %w", err)
	}
	return n, nil
}

// Snapshot returns the account and its grants spendable at now.
func (s *Store) Snapshot(ctx context.Context, userID string, now time.Time) (creditgate.UserAccount, []creditgate.SubscriptionGrant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	acct, grants, err := s.load(ctx, tx, userID, now)
	if err != nil {
		return creditgate.UserAccount{}, nil, err
	}
	return acct, grants, nil
}

// Debit applies the waterfall for amount in one transaction.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, now time.Time) (creditgate.Debit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return creditgate.Debit{}, fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	acct, grants, err := s.load(ctx, tx, userID, now)
	if err != nil {
		return creditgate.Debit{}, err
	}
	d, err := creditgate.PlanDebit(acct, grants, amount, now)
	if err != nil {
		return creditgate.Debit{}, err
	}

	for _, ded := range d.Grants {
		if err := execOne(ctx, tx,
			fmt.Sprintf(`UPDATE %s SET credit_remaining = credit_remaining - ?
				WHERE id = ? AND credit_remaining >= ?`, s.grants()),
			ded.Amount, ded.GrantID, ded.Amount,
		); err != nil {
			return creditgate.Debit{}, fmt.Errorf("creditgate/sqlite: debit grant %s: %w", ded.GrantID, err)
		}
	}
	if d.FreeCredit > 0 {
		if err := execOne(ctx, tx,
			fmt.Sprintf(`UPDATE %s SET free_credit = free_credit - ?
				WHERE id = ? AND free_credit >= ?`, s.accounts()),
			d.FreeCredit, userID, d.FreeCredit,
		); err != nil {
			return creditgate.Debit{}, fmt.Errorf("creditgate/sqlite: debit free credit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return creditgate.Debit{}, fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	return d, nil
}

func (s *Store) load(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (creditgate.UserAccount, []creditgate.SubscriptionGrant, error) {
	acct := creditgate.UserAccount{ID: userID}
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT free_credit FROM %s WHERE id = ?`, s.accounts()),
		userID,
	).Scan(&acct.FreeCredit)
	if errors.Is(err, sql.ErrNoRows) {
		return creditgate.UserAccount{}, nil, creditgate.ErrAccountNotFound
	}
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/sqlite: load account: %w", err)
	}

	grants, err := queryGrants(ctx, tx,
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE user_id = ? AND expires_at > ? AND period_expires_at > ?
			ORDER BY expires_at, id`, grantColumns, s.grants()),
		userID, now.Unix(), now.Unix(),
	)
	if err != nil {
		return creditgate.UserAccount{}, nil, fmt.Errorf("creditgate/sqlite: load grants: %w", err)
	}
	return acct, grants, nil
}

// Reserve counts the window and inserts r in one transaction.
func (s *Store) Reserve(ctx context.Context, r creditgate.Reservation, policy creditgate.RatePolicy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	var inWindow, pending int
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT
				COALESCE(SUM(CASE WHEN created_at > ? AND created_at <= ? THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0)
			FROM %s WHERE user_id = ? AND task_type = ?`, s.reservations()),
		policy.WindowStart(r.CreatedAt).UnixMilli(), r.CreatedAt.UnixMilli(), r.UserID, int(r.TaskType),
	).Scan(&inWindow, &pending)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: count window: %w", err)
	}
	if !policy.Admits(inWindow, pending) {
		return creditgate.ErrRateLimited
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, task_type, status, created_at)
			VALUES (?, ?, ?, 'pending', ?)`, s.reservations()),
		r.ID, r.UserID, int(r.TaskType), r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("creditgate/sqlite: insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creditgate/sqlite: commit: %w", err)
	}
	return nil
}

// Finalize moves a pending reservation to a terminal status.
func (s *Store) Finalize(ctx context.Context, id string, o creditgate.Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s
			SET status = ?, consumed_credit = ?, model = COALESCE(?, model), tool = COALESCE(?, tool)
			WHERE id = ? AND status = 'pending'`, s.reservations()),
		string(o.Status), o.ConsumedCredit, o.Model, o.Tool, id,
	)
	if err != nil {
		return false, fmt.Errorf("creditgate/sqlite: finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("creditgate/sqlite: finalize rows: %w", err)
	}
	return n == 1, nil
}

// Get returns a reservation by ID.
func (s *Store) Get(ctx context.Context, id string) (creditgate.Reservation, error) {
	var (
		r         creditgate.Reservation
		task      int
		status    string
		consumed  sql.NullInt64
		model     sql.NullString
		tool      sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, user_id, task_type, status, consumed_credit, model, tool, created_at
			FROM %s WHERE id = ?`, s.reservations()),
		id,
	).Scan(&r.ID, &r.UserID, &task, &status, &consumed, &model, &tool, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/sqlite: get reservation: %w", err)
	}

	r.TaskType = creditgate.TaskType(task)
	r.Status = creditgate.ReservationStatus(status)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if consumed.Valid {
		r.ConsumedCredit = creditgate.Int64Ptr(consumed.Int64)
	}
	if model.Valid {
		r.Model = &model.String
	}
	if tool.Valid {
		r.Tool = &tool.String
	}
	return r, nil
}

// ExpirePending fails pending reservations created before cutoff.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = 'failed' WHERE status = 'pending' AND created_at < ?`, s.reservations()),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("creditgate/sqlite: expire pending: %w", err)
	}
	return res.RowsAffected()
}

const grantColumns = `id, user_id, plan_code, credit_per_period, credit_remaining, expires_at, period_expires_at, status`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryGrants(ctx context.Context, q querier, query string, args ...any) ([]creditgate.SubscriptionGrant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []creditgate.SubscriptionGrant
	for rows.Next() {
		var (
			g                      creditgate.SubscriptionGrant
			expires, periodExpires int64
			status                 string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.PlanCode, &g.CreditPerPeriod, &g.CreditRemaining,
			&expires, &periodExpires, &status); err != nil {
			return nil, err
		}
		g.ExpiresAt = time.Unix(expires, 0).UTC()
		g.PeriodExpiresAt = time.Unix(periodExpires, 0).UTC()
		g.Status = creditgate.GrantStatus(status)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

var errConflict = errors.New("row changed concurrently")

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errConflict
	}
	return nil
}
