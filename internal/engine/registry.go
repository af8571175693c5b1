package engine

import (
	"context"
	"errors"
	"time"

	"msigwallet/internal/config"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine/auth"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/events"
	"msigwallet/internal/repo"
)

// Bootstrap creates the wallet from its genesis config. It is a no-op that
// returns the stored wallet when one already exists; later changes go
// through the admin operations.
func (e *Engine) Bootstrap(ctx context.Context, cfg *config.Config) (domain.Wallet, bool, error) {
	if cfg == nil {
		return domain.Wallet{}, false, werrors.ErrInvalidInput.New("config required")
	}
	admin, err := parseAddress(cfg.Wallet.Admin, "wallet.admin")
	if err != nil {
		return domain.Wallet{}, false, err
	}
	if cfg.Wallet.Timelock < 0 {
		return domain.Wallet{}, false, werrors.ErrInvalidInput.New("timelock must not be negative")
	}
	var (
		w       domain.Wallet
		created bool
	)
	err = e.update(ctx, admin, func(t *txn) error {
		existing, err := e.Repo.GetWalletTx(ctx, t.Tx)
		if err == nil {
			w = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := checkWeight(cfg.Wallet.RequiredWeight, "required weight"); err != nil {
			return err
		}
		if total := cfg.TotalWeight(); cfg.Wallet.RequiredWeight > total {
			return werrors.ErrThresholdUnreachable.Newf("required weight %d exceeds total weight %d", cfg.Wallet.RequiredWeight, total)
		}
		w = domain.Wallet{
			ID:             cfg.Wallet.ID,
			Admin:          admin,
			RequiredWeight: cfg.Wallet.RequiredWeight,
			TimelockDelay:  cfg.Wallet.Timelock.Truncate(time.Second),
			CreatedAt:      t.now,
		}
		if err := e.Repo.InsertWallet(ctx, t.Tx, w); err != nil {
			return err
		}
		if err := t.emit(events.WalletInitialized, events.KindWallet, w.ID, events.EventPayload{
			"admin":            string(w.Admin),
			"required_weight":  w.RequiredWeight,
			"timelock_seconds": int64(w.TimelockDelay / time.Second),
		}); err != nil {
			return err
		}
		seen := map[domain.Address]bool{}
		for _, spec := range cfg.Signers {
			addr, err := parseAddress(spec.Address, "signer address")
			if err != nil {
				return err
			}
			if seen[addr] {
				return werrors.ErrDuplicateSigner.Newf("signer %s listed twice", addr)
			}
			seen[addr] = true
			if err := checkWeight(spec.Weight, "signer "+string(addr)+" weight"); err != nil {
				return err
			}
			total, ok := domain.AddWeight(w.TotalWeight, spec.Weight)
			if !ok {
				return werrors.ErrInvalidInput.Newf("signer %s weight %d overflows the total weight", addr, spec.Weight)
			}
			if err := e.Repo.UpsertSigner(ctx, t.Tx, domain.Signer{Address: addr, Weight: spec.Weight, CreatedAt: t.now, UpdatedAt: t.now}); err != nil {
				return err
			}
			w.TotalWeight = total
			if err := t.emit(events.SignerAdded, events.KindSigner, string(addr), events.EventPayload{
				"weight":       spec.Weight,
				"total_weight": w.TotalWeight,
			}); err != nil {
				return err
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return domain.Wallet{}, false, err
	}
	e.Metrics.weights(w)
	if created {
		e.Logger.Info("wallet initialized", "wallet", w.ID, "signers", len(cfg.Signers), "required_weight", w.RequiredWeight)
	}
	return w, created, nil
}

func checkWeight(weight uint64, field string) error {
	if weight == 0 {
		return werrors.ErrInvalidInput.Newf("%s must be greater than 0", field)
	}
	if weight > domain.MaxWeight {
		return werrors.ErrInvalidInput.Newf("%s %d exceeds maximum %d", field, weight, domain.MaxWeight)
	}
	return nil
}

// AddSigner registers addr with weight, re-activating it if it was removed.
func (e *Engine) AddSigner(ctx context.Context, actor domain.Address, rawAddr string, weight uint64) (domain.Signer, error) {
	addr, err := parseAddress(rawAddr, "address")
	if err != nil {
		return domain.Signer{}, err
	}
	if err := checkWeight(weight, "weight"); err != nil {
		return domain.Signer{}, err
	}
	var s domain.Signer
	err = e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		existing, err := e.Repo.GetSignerTx(ctx, t.Tx, addr)
		reactivated := false
		switch {
		case err == nil && existing.Active:
			return werrors.ErrDuplicateSigner.Newf("signer %s", addr)
		case err == nil:
			reactivated = true
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		current, err := e.Repo.TotalActiveWeightTx(ctx, t.Tx)
		if err != nil {
			return err
		}
		total, ok := domain.AddWeight(current, weight)
		if !ok {
			return werrors.ErrInvalidInput.Newf("weight %d for %s overflows total weight %d", weight, addr, current)
		}
		if err := e.Repo.UpsertSigner(ctx, t.Tx, domain.Signer{Address: addr, Weight: weight, CreatedAt: t.now, UpdatedAt: t.now}); err != nil {
			return err
		}
		if s, err = e.Repo.GetSignerTx(ctx, t.Tx, addr); err != nil {
			return err
		}
		return t.emit(events.SignerAdded, events.KindSigner, string(addr), events.EventPayload{
			"weight":       weight,
			"total_weight": total,
			"reactivated":  reactivated,
		})
	})
	if err != nil {
		return domain.Signer{}, err
	}
	e.refreshWeights(ctx)
	return s, nil
}

// RemoveSigner deactivates addr. It is rejected when the remaining weight
// could no longer reach the threshold. Confirmations the signer gave on
// pending proposals are dropped; ready proposals keep theirs.
func (e *Engine) RemoveSigner(ctx context.Context, actor domain.Address, rawAddr string) error {
	addr, err := parseAddress(rawAddr, "address")
	if err != nil {
		return err
	}
	err = e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		s, err := e.Repo.GetSignerTx(ctx, t.Tx, addr)
		if err != nil {
			return unknownSigner(addr, err)
		}
		if !s.Active {
			return werrors.ErrUnknownSigner.Newf("signer %s was removed", addr)
		}
		w, err := e.Repo.GetWalletTx(ctx, t.Tx)
		if err != nil {
			return err
		}
		remaining := w.TotalWeight - s.Weight
		if w.RequiredWeight > remaining {
			return werrors.ErrThresholdUnreachable.Newf("removing %s leaves weight %d below required %d", addr, remaining, w.RequiredWeight)
		}
		if err := e.Repo.DeactivateSigner(ctx, t.Tx, addr, t.now); err != nil {
			return err
		}
		pending, err := e.Repo.PendingConfirmedByTx(ctx, t.Tx, addr)
		if err != nil {
			return err
		}
		for _, id := range pending {
			if err := e.Repo.DeleteConfirmation(ctx, t.Tx, id, addr); err != nil {
				return err
			}
			p, err := e.Repo.GetProposalTx(ctx, t.Tx, id)
			if err != nil {
				return err
			}
			if err := touch(t, &p); err != nil {
				return err
			}
			if err := t.emit(events.ProposalConfirmationDrop, events.KindProposal, proposalKey(id), events.EventPayload{
				"signer":           string(addr),
				"confirmed_weight": p.ConfirmedWeight,
			}); err != nil {
				return err
			}
		}
		return t.emit(events.SignerRemoved, events.KindSigner, string(addr), events.EventPayload{
			"weight":                s.Weight,
			"total_weight":          remaining,
			"dropped_confirmations": len(pending),
		})
	})
	if err != nil {
		return err
	}
	e.refreshWeights(ctx)
	return nil
}

// SetSignerWeight changes an active signer's weight. Confirmations already
// given keep the weight recorded at confirmation time.
func (e *Engine) SetSignerWeight(ctx context.Context, actor domain.Address, rawAddr string, weight uint64) (domain.Signer, error) {
	addr, err := parseAddress(rawAddr, "address")
	if err != nil {
		return domain.Signer{}, err
	}
	if err := checkWeight(weight, "weight"); err != nil {
		return domain.Signer{}, err
	}
	var s domain.Signer
	err = e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		old, err := e.Repo.GetSignerTx(ctx, t.Tx, addr)
		if err != nil {
			return unknownSigner(addr, err)
		}
		if !old.Active {
			return werrors.ErrUnknownSigner.Newf("signer %s was removed", addr)
		}
		w, err := e.Repo.GetWalletTx(ctx, t.Tx)
		if err != nil {
			return err
		}
		total, ok := domain.AddWeight(w.TotalWeight-old.Weight, weight)
		if !ok {
			return werrors.ErrInvalidInput.Newf("weight %d for %s overflows total weight", weight, addr)
		}
		if w.RequiredWeight > total {
			return werrors.ErrThresholdUnreachable.Newf("weight %d for %s leaves total %d below required %d", weight, addr, total, w.RequiredWeight)
		}
		if err := e.Repo.UpdateSignerWeight(ctx, t.Tx, addr, weight, t.now); err != nil {
			return err
		}
		if s, err = e.Repo.GetSignerTx(ctx, t.Tx, addr); err != nil {
			return err
		}
		return t.emit(events.SignerWeightChanged, events.KindSigner, string(addr), events.EventPayload{
			"old_weight":   old.Weight,
			"new_weight":   weight,
			"total_weight": total,
		})
	})
	if err != nil {
		return domain.Signer{}, err
	}
	e.refreshWeights(ctx)
	return s, nil
}

// SetRequiredWeight changes the threshold. Lowering it promotes every
// pending proposal that already carries enough weight; their timelock
// starts now.
func (e *Engine) SetRequiredWeight(ctx context.Context, actor domain.Address, weight uint64) (domain.Wallet, error) {
	if err := checkWeight(weight, "required weight"); err != nil {
		return domain.Wallet{}, err
	}
	var (
		w        domain.Wallet
		promoted []int64
	)
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		var err error
		if w, err = e.Repo.GetWalletTx(ctx, t.Tx); err != nil {
			return err
		}
		if weight > w.TotalWeight {
			return werrors.ErrThresholdUnreachable.Newf("required weight %d exceeds total weight %d", weight, w.TotalWeight)
		}
		old := w.RequiredWeight
		if err := e.Repo.UpdateRequiredWeight(ctx, t.Tx, weight); err != nil {
			return err
		}
		w.RequiredWeight = weight
		if err := t.emit(events.ThresholdChanged, events.KindWallet, w.ID, events.EventPayload{
			"old_required_weight": old,
			"new_required_weight": weight,
		}); err != nil {
			return err
		}
		if weight >= old {
			return nil
		}
		pending, err := e.Repo.ListProposalsTx(ctx, t.Tx, repo.ProposalFilters{State: domain.StatePending})
		if err != nil {
			return err
		}
		for i := range pending {
			p := pending[i]
			if p.ConfirmedWeight < weight {
				continue
			}
			if err := markReady(t, &p, w, "threshold_changed"); err != nil {
				return err
			}
			promoted = append(promoted, p.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	for range promoted {
		e.Metrics.transition(domain.StateReady)
	}
	e.Metrics.weights(w)
	if len(promoted) > 0 {
		e.Logger.Info("threshold lowered; proposals became ready", "required_weight", weight, "proposals", promoted)
	}
	return w, nil
}

// SetTimelockDelay changes the delay between readiness and execution for
// proposals that become ready from now on. The delay is kept in whole
// seconds.
func (e *Engine) SetTimelockDelay(ctx context.Context, actor domain.Address, delay time.Duration) (domain.Wallet, error) {
	if delay < 0 {
		return domain.Wallet{}, werrors.ErrInvalidInput.New("timelock must not be negative")
	}
	delay = delay.Truncate(time.Second)
	var w domain.Wallet
	err := e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		var err error
		if w, err = e.Repo.GetWalletTx(ctx, t.Tx); err != nil {
			return err
		}
		old := w.TimelockDelay
		if err := e.Repo.UpdateTimelock(ctx, t.Tx, delay); err != nil {
			return err
		}
		w.TimelockDelay = delay
		return t.emit(events.TimelockChanged, events.KindWallet, w.ID, events.EventPayload{
			"old_seconds": int64(old / time.Second),
			"new_seconds": int64(delay / time.Second),
		})
	})
	return w, err
}

// TransferAdmin hands the admin capability to another address. The new
// admin may be an address only the wallet's own targets control, which puts
// admin actions behind the multisig.
func (e *Engine) TransferAdmin(ctx context.Context, actor domain.Address, rawAddr string) (domain.Wallet, error) {
	to, err := parseAddress(rawAddr, "admin")
	if err != nil {
		return domain.Wallet{}, err
	}
	var w domain.Wallet
	err = e.update(ctx, actor, func(t *txn) error {
		if err := t.require(auth.Admin); err != nil {
			return err
		}
		var err error
		if w, err = e.Repo.GetWalletTx(ctx, t.Tx); err != nil {
			return err
		}
		from := w.Admin
		if err := e.Repo.UpdateAdmin(ctx, t.Tx, to); err != nil {
			return err
		}
		w.Admin = to
		return t.emit(events.AdminTransferred, events.KindWallet, w.ID, events.EventPayload{
			"from": string(from),
			"to":   string(to),
		})
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	e.Logger.Info("admin transferred", "to", string(to), "by", string(actor))
	return w, nil
}

// Wallet returns the registry-wide parameters.
func (e *Engine) Wallet(ctx context.Context) (domain.Wallet, error) {
	return e.Repo.GetWallet(ctx)
}

// IsSigner reports whether addr is an active signer.
func (e *Engine) IsSigner(ctx context.Context, addr domain.Address) (bool, error) {
	s, err := e.Repo.GetSigner(ctx, addr)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Active, nil
}

// WeightOf returns addr's weight, or 0 when it is not an active signer.
func (e *Engine) WeightOf(ctx context.Context, addr domain.Address) (uint64, error) {
	s, err := e.Repo.GetSigner(ctx, addr)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil || !s.Active {
		return 0, err
	}
	return s.Weight, nil
}

// GetSigner returns the signer record, including removed signers.
func (e *Engine) GetSigner(ctx context.Context, addr domain.Address) (domain.Signer, error) {
	s, err := e.Repo.GetSigner(ctx, addr)
	if err != nil {
		return s, unknownSigner(addr, err)
	}
	return s, nil
}

func (e *Engine) ListSigners(ctx context.Context, includeRemoved bool) ([]domain.Signer, error) {
	return e.Repo.ListSigners(ctx, includeRemoved)
}

// Capabilities returns what actor may currently do.
func (e *Engine) Capabilities(ctx context.Context, actor domain.Address) ([]auth.Capability, error) {
	return e.Auth.Capabilities(ctx, nil, actor)
}

func (e *Engine) refreshWeights(ctx context.Context) {
	if e.Metrics == nil {
		return
	}
	if w, err := e.Repo.GetWallet(ctx); err == nil {
		e.Metrics.weights(w)
	}
}
