package repo

import (
	"context"
	"database/sql"
	"time"

	"msigwallet/internal/domain"
)

const signerColumns = `address,weight,active,created_at,updated_at`

func scanSigner(scan func(dest ...any) error) (domain.Signer, error) {
	var (
		s                    domain.Signer
		addr                 string
		active               int
		createdAt, updatedAt string
	)
	if err := scan(&addr, &s.Weight, &active, &createdAt, &updatedAt); err != nil {
		return s, err
	}
	s.Address = domain.Address(addr)
	s.Active = active == 1
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

// UpsertSigner inserts a signer or re-activates a removed one with the new
// weight.
func (r Repo) UpsertSigner(ctx context.Context, tx *sql.Tx, s domain.Signer) error {
	now := formatTime(s.UpdatedAt)
	_, err := tx.ExecContext(ctx, `INSERT INTO signers(address,weight,active,created_at,updated_at) VALUES (?,?,1,?,?)
ON CONFLICT(address) DO UPDATE SET weight=excluded.weight, active=1, updated_at=excluded.updated_at`,
		string(s.Address), s.Weight, formatTime(s.CreatedAt), now)
	return err
}

func (r Repo) GetSigner(ctx context.Context, addr domain.Address) (domain.Signer, error) {
	return r.getSigner(ctx, r.DB, addr)
}

func (r Repo) GetSignerTx(ctx context.Context, tx *sql.Tx, addr domain.Address) (domain.Signer, error) {
	return r.getSigner(ctx, tx, addr)
}

func (r Repo) getSigner(ctx context.Context, q querier, addr domain.Address) (domain.Signer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+signerColumns+` FROM signers WHERE address=?`, string(addr))
	s, err := scanSigner(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) DeactivateSigner(ctx context.Context, tx *sql.Tx, addr domain.Address, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE signers SET active=0, updated_at=? WHERE address=? AND active=1`, formatTime(at), string(addr))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateSignerWeight(ctx context.Context, tx *sql.Tx, addr domain.Address, weight uint64, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE signers SET weight=?, updated_at=? WHERE address=? AND active=1`, weight, formatTime(at), string(addr))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSigners returns signers ordered by address. Removed signers are only
// included when includeInactive is set.
func (r Repo) ListSigners(ctx context.Context, includeInactive bool) ([]domain.Signer, error) {
	query := `SELECT ` + signerColumns + ` FROM signers`
	if !includeInactive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY address ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signer
	for rows.Next() {
		s, err := scanSigner(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// TotalActiveWeightTx sums the weight of active signers.
func (r Repo) TotalActiveWeightTx(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var total uint64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(weight),0) FROM signers WHERE active=1`).Scan(&total)
	return total, err
}
