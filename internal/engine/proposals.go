package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"msigwallet/internal/dispatch"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine/auth"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/events"
	"msigwallet/internal/repo"
)

// SubmitOptions describe the call a proposal will make once executed.
type SubmitOptions struct {
	Target  string
	Payload []byte
	Value   decimal.Decimal
}

// Submit stores a new pending proposal with no confirmations. Only active
// signers may submit.
func (e *Engine) Submit(ctx context.Context, actor domain.Address, opts SubmitOptions) (domain.Proposal, error) {
	target := strings.TrimSpace(opts.Target)
	if target == "" {
		return domain.Proposal{}, werrors.ErrInvalidInput.New("target is required")
	}
	if opts.Value.IsNegative() {
		return domain.Proposal{}, werrors.ErrInvalidInput.Newf("value %s must not be negative", opts.Value)
	}
	if v, ok := e.Dispatcher.(dispatch.TargetValidator); ok {
		if err := v.ValidateTarget(target); err != nil {
			return domain.Proposal{}, werrors.Wrap(werrors.ErrInvalidInput, err.Error())
		}
	}
	var p domain.Proposal
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Signer); err != nil {
			return err
		}
		p = domain.Proposal{
			Proposer:    actor,
			Target:      target,
			Payload:     opts.Payload,
			Value:       opts.Value,
			ConfirmedBy: []domain.Confirmation{},
			State:       domain.StatePending,
			CreatedAt:   t.now,
			UpdatedAt:   t.now,
		}
		id, err := e.Repo.InsertProposal(ctx, t.Tx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return t.emit(events.ProposalSubmitted, events.KindProposal, proposalKey(id), events.EventPayload{
			"target":        p.Target,
			"value":         p.Value.String(),
			"payload_bytes": len(p.Payload),
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	e.Metrics.transition(domain.StatePending)
	e.Logger.Info("proposal submitted", "proposal", p.ID, "proposer", string(actor), "target", p.Target)
	return p, nil
}

// Confirm adds the caller's weight to a pending proposal. The confirmation
// that reaches the threshold moves the proposal to ready and starts its
// timelock.
func (e *Engine) Confirm(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, error) {
	var (
		p     domain.Proposal
		ready bool
	)
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Signer); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.GetProposalTx(ctx, t.Tx, id); err != nil {
			return unknownProposal(id, err)
		}
		if p.ConfirmedByAddress(actor) {
			return werrors.ErrAlreadyConfirmed.Newf("%s already confirmed proposal %d", actor, id)
		}
		if p.State != domain.StatePending {
			return werrors.ErrNotPending.Newf("proposal %d is %s", id, p.State)
		}
		signer, err := e.Repo.GetSignerTx(ctx, t.Tx, actor)
		if err != nil {
			return unknownSigner(actor, err)
		}
		c := domain.Confirmation{ProposalID: id, Signer: actor, Weight: signer.Weight, ConfirmedAt: t.now}
		if err := e.Repo.InsertConfirmation(ctx, t.Tx, c); err != nil {
			return err
		}
		p.ConfirmedBy = append(p.ConfirmedBy, c)
		p.ConfirmedWeight, _ = domain.AddWeight(p.ConfirmedWeight, c.Weight)
		if err := t.emit(events.ProposalConfirmed, events.KindProposal, proposalKey(id), events.EventPayload{
			"signer":           string(actor),
			"weight":           c.Weight,
			"confirmed_weight": p.ConfirmedWeight,
		}); err != nil {
			return err
		}
		w, err := e.Repo.GetWalletTx(ctx, t.Tx)
		if err != nil {
			return err
		}
		if p.ConfirmedWeight >= w.RequiredWeight {
			ready = true
			return markReady(t, &p, w, "threshold_reached")
		}
		return touch(t, &p)
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	e.Metrics.confirmed()
	if ready {
		e.Metrics.transition(domain.StateReady)
		e.Logger.Info("proposal ready", "proposal", id, "ready_at", p.ReadyAt)
	}
	return p, nil
}

// RevokeConfirmation withdraws the caller's confirmation. Confirmations are
// locked once the proposal leaves pending.
func (e *Engine) RevokeConfirmation(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, error) {
	var p domain.Proposal
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Signer); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.GetProposalTx(ctx, t.Tx, id); err != nil {
			return unknownProposal(id, err)
		}
		if p.State != domain.StatePending {
			return werrors.ErrNotPending.Newf("proposal %d is %s; confirmations are locked", id, p.State)
		}
		if !p.ConfirmedByAddress(actor) {
			return werrors.ErrNotConfirmed.Newf("%s has not confirmed proposal %d", actor, id)
		}
		if err := e.Repo.DeleteConfirmation(ctx, t.Tx, id, actor); err != nil {
			return err
		}
		var revoked uint64
		kept := p.ConfirmedBy[:0]
		for _, c := range p.ConfirmedBy {
			if c.Signer == actor {
				revoked = c.Weight
				continue
			}
			kept = append(kept, c)
		}
		p.ConfirmedBy = kept
		p.ConfirmedWeight -= revoked
		if err := touch(t, &p); err != nil {
			return err
		}
		return t.emit(events.ProposalConfirmationRevoke, events.KindProposal, proposalKey(id), events.EventPayload{
			"signer":           string(actor),
			"weight":           revoked,
			"confirmed_weight": p.ConfirmedWeight,
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// Cancel moves a pending or ready proposal to cancelled. Once an execution
// was started the proposal can no longer be cancelled.
func (e *Engine) Cancel(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, error) {
	var p domain.Proposal
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.GetProposalTx(ctx, t.Tx, id); err != nil {
			return unknownProposal(id, err)
		}
		if err := ensureProposalTransition(p.State, domain.StateCancelled); err != nil {
			return err
		}
		if _, running := e.inFlight[id]; running || p.InFlight() {
			return werrors.ErrNotPending.Newf("proposal %d execution already started", id)
		}
		from := p.State
		p.State = domain.StateCancelled
		if err := touch(t, &p); err != nil {
			return err
		}
		return t.emit(events.ProposalCancelled, events.KindProposal, proposalKey(id), events.EventPayload{
			"previous_state": string(from),
		})
	})
	if err != nil {
		return domain.Proposal{}, err
	}
	e.Metrics.transition(domain.StateCancelled)
	e.Logger.Info("proposal cancelled", "proposal", id, "by", string(actor))
	return p, nil
}

func (e *Engine) GetProposal(ctx context.Context, id int64) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return p, unknownProposal(id, err)
	}
	return p, nil
}

func (e *Engine) ListProposals(ctx context.Context, f repo.ProposalFilters) ([]domain.Proposal, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, werrors.ErrInvalidInput.Newf("unknown state %q", f.State)
	}
	return e.Repo.ListProposals(ctx, f)
}

// IsExecutable reports whether the proposal's timelock has elapsed at now.
func (e *Engine) IsExecutable(ctx context.Context, id int64) (bool, error) {
	p, err := e.GetProposal(ctx, id)
	if err != nil {
		return false, err
	}
	return p.Executable(e.now()), nil
}

func ensureProposalTransition(from, to domain.State) error {
	switch from {
	case domain.StatePending:
		if to == domain.StateReady || to == domain.StateCancelled {
			return nil
		}
	case domain.StateReady:
		if to == domain.StateExecuted || to == domain.StateFailed || to == domain.StateCancelled {
			return nil
		}
	}
	if to == domain.StateCancelled {
		return werrors.ErrNotPending.Newf("cannot cancel a %s proposal", from)
	}
	return werrors.ErrNotReady.Newf("invalid proposal transition %s -> %s", from, to)
}

// markReady moves p to ready, anchoring its timelock at the transaction
// time.
func markReady(t *txn, p *domain.Proposal, w domain.Wallet, reason string) error {
	if err := ensureProposalTransition(p.State, domain.StateReady); err != nil {
		return err
	}
	readyAt := t.now.Add(w.TimelockDelay)
	p.State = domain.StateReady
	p.ReadyAt = &readyAt
	if err := touch(t, p); err != nil {
		return err
	}
	return t.emit(events.ProposalReady, events.KindProposal, proposalKey(p.ID), events.EventPayload{
		"ready_at":         readyAt.Format(time.RFC3339Nano),
		"confirmed_weight": p.ConfirmedWeight,
		"required_weight":  w.RequiredWeight,
		"reason":           reason,
	})
}

func touch(t *txn, p *domain.Proposal) error {
	p.UpdatedAt = t.now
	if err := t.e.Repo.UpdateProposal(t.ctx, t.Tx, *p); err != nil {
		return unknownProposal(p.ID, err)
	}
	return nil
}

func proposalKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
