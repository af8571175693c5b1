package engine

import (
	"context"
	"fmt"
	"time"

	"msigwallet/internal/dispatch"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine/auth"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/events"
)

// Execute dispatches a ready proposal's call once its timelock has elapsed.
//
// The proposal is marked as executing (executedAt set, id held in the
// in-flight set) and committed before the call is made, and the writer lock
// is released for the duration of the call. A second Execute, a Cancel or a
// crash-restart observing that mark never dispatches again. The outcome is
// committed under the lock afterwards.
func (e *Engine) Execute(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, dispatch.Result, error) {
	var p domain.Proposal
	e.mu.Lock()
	err := e.updateLocked(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Signer, auth.Admin); err != nil {
			return err
		}
		var err error
		if p, err = e.Repo.GetProposalTx(ctx, t.Tx, id); err != nil {
			return unknownProposal(id, err)
		}
		if _, running := e.inFlight[id]; running || p.InFlight() {
			return werrors.ErrNotReady.Newf("proposal %d execution in progress", id)
		}
		if p.State != domain.StateReady {
			return werrors.ErrNotReady.Newf("proposal %d is %s", id, p.State)
		}
		if !p.Executable(t.now) {
			return werrors.ErrTimelockNotElapsed.Newf("proposal %d executable at %s", id, p.ReadyAt.Format(time.RFC3339))
		}
		started := t.now
		p.ExecutedAt = &started
		if err := touch(t, &p); err != nil {
			return err
		}
		return t.emit(events.ProposalExecutionStarted, events.KindProposal, proposalKey(id), events.EventPayload{
			"target": p.Target,
			"value":  p.Value.String(),
		})
	})
	if err == nil {
		e.inFlight[id] = struct{}{}
	}
	e.mu.Unlock()
	if err != nil {
		return domain.Proposal{}, dispatch.Result{}, err
	}

	start := time.Now()
	result, callErr := e.dispatch(ctx, p)
	elapsed := time.Since(start)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer delete(e.inFlight, id)
	var late bool
	// The outcome is recorded even when the caller went away meanwhile.
	err = e.updateLocked(context.WithoutCancel(ctx), actor, func(t *txn) error {
		cur, err := e.Repo.GetProposalTx(t.ctx, t.Tx, id)
		if err != nil {
			return unknownProposal(id, err)
		}
		if cur.State.Terminal() {
			late = true
			p = cur
			payload := events.EventPayload{"status": result.Status, "recorded_state": string(cur.State)}
			if callErr != nil {
				payload["reason"] = callErr.Error()
			}
			return t.emit(events.ProposalLateOutcome, events.KindProposal, proposalKey(id), payload)
		}
		if err := e.finalizeTx(t, &cur, result, callErr); err != nil {
			return err
		}
		p = cur
		return nil
	})
	if err != nil {
		state := "unknown"
		if cur, gerr := e.Repo.GetProposal(context.WithoutCancel(ctx), id); gerr == nil {
			state = string(cur.State)
			if cur.InFlight() {
				state = "executing"
			}
		}
		e.Logger.Error("recording execution outcome failed",
			"proposal", id, "state", state, "dispatch_error", callErr, "error", err)
		return domain.Proposal{}, result, err
	}
	if late {
		e.Logger.Error("target answered after the execution was finalized by recovery",
			"proposal", id, "state", p.State, "status", result.Status, "dispatch_error", callErr, "elapsed", elapsed)
		return p, result, werrors.ErrExecutionFailed.Newf("proposal %d was finalized as %s before the target answered (status %d)",
			id, p.State, result.Status)
	}
	e.Metrics.executed(p.State, elapsed)
	e.Metrics.transition(p.State)
	if callErr != nil {
		e.Logger.Warn("proposal execution failed", "proposal", id, "error", callErr, "elapsed", elapsed)
		return p, result, werrors.Wrapf(werrors.ErrExecutionFailed, "proposal %d: %v", id, callErr)
	}
	e.Logger.Info("proposal executed", "proposal", id, "status", result.Status, "elapsed", elapsed)
	return p, result, nil
}

func (e *Engine) dispatch(ctx context.Context, p domain.Proposal) (res dispatch.Result, err error) {
	defer werrors.Recover(&err)
	ctx = context.WithoutCancel(ctx)
	if e.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.DispatchTimeout)
		defer cancel()
	}
	return e.Dispatcher.Dispatch(ctx, dispatch.Call{
		ProposalID: p.ID,
		Target:     p.Target,
		Payload:    p.Payload,
		Value:      p.Value,
	})
}

// finalizeTx moves an executing proposal to executed or failed.
func (e *Engine) finalizeTx(t *txn, p *domain.Proposal, res dispatch.Result, callErr error) error {
	to := domain.StateExecuted
	if callErr != nil {
		to = domain.StateFailed
	}
	if err := ensureProposalTransition(p.State, to); err != nil {
		return err
	}
	p.State = to
	p.Result = res.Body
	payload := events.EventPayload{"status": res.Status}
	evtType := events.ProposalExecuted
	if callErr != nil {
		p.FailureReason = callErr.Error()
		payload["reason"] = p.FailureReason
		evtType = events.ProposalFailed
	}
	if err := touch(t, p); err != nil {
		return fmt.Errorf("finalize proposal %d: %w", p.ID, err)
	}
	return t.emit(evtType, events.KindProposal, proposalKey(p.ID), payload)
}
