package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"msigwallet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx so reads issued inside
// a write transaction see its uncommitted rows.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}

// InsertWallet stores the single wallet row.
func (r Repo) InsertWallet(ctx context.Context, tx *sql.Tx, w domain.Wallet) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO wallet(id,admin,required_weight,timelock_seconds,created_at) VALUES (?,?,?,?,?)`,
		w.ID, string(w.Admin), w.RequiredWeight, int64(w.TimelockDelay/time.Second), formatTime(w.CreatedAt))
	return err
}

func (r Repo) GetWallet(ctx context.Context) (domain.Wallet, error) {
	return r.getWallet(ctx, r.DB)
}

func (r Repo) GetWalletTx(ctx context.Context, tx *sql.Tx) (domain.Wallet, error) {
	return r.getWallet(ctx, tx)
}

func (r Repo) getWallet(ctx context.Context, q querier) (domain.Wallet, error) {
	var (
		w         domain.Wallet
		admin     string
		seconds   int64
		createdAt string
	)
	err := q.QueryRowContext(ctx, `SELECT id,admin,required_weight,timelock_seconds,created_at,
  (SELECT COALESCE(SUM(weight),0) FROM signers WHERE active=1)
FROM wallet LIMIT 1`).Scan(&w.ID, &admin, &w.RequiredWeight, &seconds, &createdAt, &w.TotalWeight)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Admin = domain.Address(admin)
	w.TimelockDelay = time.Duration(seconds) * time.Second
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return w, err
	}
	return w, nil
}

func (r Repo) UpdateRequiredWeight(ctx context.Context, tx *sql.Tx, weight uint64) error {
	return updateWallet(ctx, tx, `UPDATE wallet SET required_weight=?`, weight)
}

func (r Repo) UpdateTimelock(ctx context.Context, tx *sql.Tx, delay time.Duration) error {
	return updateWallet(ctx, tx, `UPDATE wallet SET timelock_seconds=?`, int64(delay/time.Second))
}

func (r Repo) UpdateAdmin(ctx context.Context, tx *sql.Tx, admin domain.Address) error {
	return updateWallet(ctx, tx, `UPDATE wallet SET admin=?`, string(admin))
}

func updateWallet(ctx context.Context, tx *sql.Tx, query string, arg any) error {
	res, err := tx.ExecContext(ctx, query, arg)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
