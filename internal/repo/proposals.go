package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"msigwallet/internal/domain"
)

const proposalColumns = `id,proposer,target,payload,value,state,ready_at,executed_at,COALESCE(failure_reason,''),result,created_at,updated_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var (
		p                    domain.Proposal
		proposer, state      string
		value                string
		readyAt, executedAt  sql.NullString
		createdAt, updatedAt string
	)
	if err := scan(&p.ID, &proposer, &p.Target, &p.Payload, &value, &state, &readyAt, &executedAt,
		&p.FailureReason, &p.Result, &createdAt, &updatedAt); err != nil {
		return p, err
	}
	p.Proposer = domain.Address(proposer)
	p.State = domain.State(state)
	var err error
	if p.Value, err = decimal.NewFromString(value); err != nil {
		return p, fmt.Errorf("proposal %d value: %w", p.ID, err)
	}
	if p.ReadyAt, err = parseNullTime(readyAt); err != nil {
		return p, err
	}
	if p.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return p, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return p, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return p, err
	}
	return p, nil
}

// InsertProposal stores a new proposal and returns its id. Ids come from
// AUTOINCREMENT and are never reused.
func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO proposals(proposer,target,payload,value,state,ready_at,executed_at,failure_reason,result,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		string(p.Proposer), p.Target, nullableBytes(p.Payload), p.Value.String(), string(p.State),
		formatTimePtr(p.ReadyAt), formatTimePtr(p.ExecutedAt), nullable(p.FailureReason), nullableBytes(p.Result),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateProposal persists the mutable lifecycle fields.
func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET state=?, ready_at=?, executed_at=?, failure_reason=?, result=?, updated_at=? WHERE id=?`,
		string(p.State), formatTimePtr(p.ReadyAt), formatTimePtr(p.ExecutedAt), nullable(p.FailureReason), nullableBytes(p.Result),
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProposal(ctx context.Context, id int64) (domain.Proposal, error) {
	return r.getProposal(ctx, r.DB, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Proposal, error) {
	return r.getProposal(ctx, tx, id)
}

func (r Repo) getProposal(ctx context.Context, q querier, id int64) (domain.Proposal, error) {
	row := q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	p, err := scanProposal(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.ConfirmedBy, err = listConfirmations(ctx, q, id); err != nil {
		return p, err
	}
	p.ConfirmedWeight = sumWeight(p.ConfirmedBy)
	return p, nil
}

type ProposalFilters struct {
	State domain.State
	// Cursor returns proposals with an id below it (newest first).
	Cursor int64
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	return r.listProposals(ctx, r.DB, f)
}

func (r Repo) ListProposalsTx(ctx context.Context, tx *sql.Tx, f ProposalFilters) ([]domain.Proposal, error) {
	return r.listProposals(ctx, tx, f)
}

func (r Repo) listProposals(ctx context.Context, q querier, f ProposalFilters) ([]domain.Proposal, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before issuing more queries on the same tx.
	rows.Close()
	for i := range res {
		if res[i].ConfirmedBy, err = listConfirmations(ctx, q, res[i].ID); err != nil {
			return nil, err
		}
		res[i].ConfirmedWeight = sumWeight(res[i].ConfirmedBy)
	}
	return res, nil
}

// InsertConfirmation records signer's confirmation with its weight at
// confirmation time. A second confirmation by the same signer violates the
// primary key.
func (r Repo) InsertConfirmation(ctx context.Context, tx *sql.Tx, c domain.Confirmation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO confirmations(proposal_id,signer,weight,confirmed_at) VALUES (?,?,?,?)`,
		c.ProposalID, string(c.Signer), c.Weight, formatTime(c.ConfirmedAt))
	return err
}

func (r Repo) DeleteConfirmation(ctx context.Context, tx *sql.Tx, proposalID int64, signer domain.Address) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM confirmations WHERE proposal_id=? AND signer=?`, proposalID, string(signer))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingConfirmedByTx lists pending proposals carrying a confirmation from
// signer.
func (r Repo) PendingConfirmedByTx(ctx context.Context, tx *sql.Tx, signer domain.Address) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT c.proposal_id FROM confirmations c JOIN proposals p ON p.id=c.proposal_id
WHERE c.signer=? AND p.state=? ORDER BY c.proposal_id ASC`, string(signer), string(domain.StatePending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func listConfirmations(ctx context.Context, q querier, proposalID int64) ([]domain.Confirmation, error) {
	rows, err := q.QueryContext(ctx, `SELECT proposal_id,signer,weight,confirmed_at FROM confirmations WHERE proposal_id=? ORDER BY confirmed_at ASC, signer ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Confirmation{}
	for rows.Next() {
		var (
			c      domain.Confirmation
			signer string
			at     string
		)
		if err := rows.Scan(&c.ProposalID, &signer, &c.Weight, &at); err != nil {
			return nil, err
		}
		c.Signer = domain.Address(signer)
		if c.ConfirmedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func sumWeight(cs []domain.Confirmation) uint64 {
	var total uint64
	for _, c := range cs {
		total, _ = domain.AddWeight(total, c.Weight)
	}
	return total
}
