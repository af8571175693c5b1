package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"msigwallet/internal/dispatch"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine/auth"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/events"
	"msigwallet/internal/repo"
)

// Notifier receives events once the transaction that wrote them committed.
type Notifier interface {
	Notify(ctx context.Context, evts []domain.Event)
}

// Engine owns the wallet state machine. Every mutation runs under one mutex
// and one SQLite transaction; reads go straight to the database.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Dispatcher dispatch.Dispatcher
	Notifier   Notifier
	Logger     *slog.Logger
	Metrics    *Metrics
	Now        func() time.Time
	// DispatchTimeout bounds one target call. Zero means no extra bound.
	DispatchTimeout time.Duration
	// RecoverAfter is how old an execution mark must be before Recover
	// treats it as interrupted. Zero derives it from DispatchTimeout.
	RecoverAfter time.Duration

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

type Options struct {
	Dispatcher      dispatch.Dispatcher
	Notifier        Notifier
	Logger          *slog.Logger
	Metrics         *Metrics
	Now             func() time.Time
	DispatchTimeout time.Duration
	RecoverAfter    time.Duration
}

func New(db *sql.DB, opts Options) *Engine {
	r := repo.Repo{DB: db}
	e := &Engine{
		DB:              db,
		Repo:            r,
		Auth:            auth.Service{Repo: r},
		Dispatcher:      opts.Dispatcher,
		Notifier:        opts.Notifier,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
		Now:             opts.Now,
		DispatchTimeout: opts.DispatchTimeout,
		RecoverAfter:    opts.RecoverAfter,
		inFlight:        make(map[int64]struct{}),
	}
	if e.Dispatcher == nil {
		e.Dispatcher = dispatch.Nop
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// txn is the state handed to a mutation: the open transaction, the caller
// and the events written so far.
type txn struct {
	*sql.Tx
	ctx     context.Context
	e       *Engine
	actor   domain.Address
	now     time.Time
	emitted []domain.Event
}

func (t *txn) emit(evtType, entityKind, entityID string, payload events.EventPayload) error {
	evt, err := t.e.Events.Append(t.ctx, t.Tx, evtType, entityKind, entityID, string(t.actor), payload)
	if err != nil {
		return err
	}
	t.emitted = append(t.emitted, evt)
	return nil
}

func (t *txn) require(caps ...auth.Capability) error {
	return t.e.Auth.Require(t.ctx, t.Tx, t.actor, caps...)
}

// update runs fn under the writer lock inside one transaction. Events
// emitted by fn are handed to the notifier after commit.
func (e *Engine) update(ctx context.Context, actor domain.Address, fn func(t *txn) error) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked(ctx, actor, fn)
}

func (e *Engine) updateLocked(ctx context.Context, actor domain.Address, fn func(t *txn) error) (err error) {
	defer werrors.Recover(&err)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t := &txn{Tx: tx, ctx: ctx, e: e, actor: actor, now: e.now()}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if e.Notifier != nil && len(t.emitted) > 0 {
		e.Notifier.Notify(context.WithoutCancel(ctx), t.emitted)
	}
	return nil
}

const (
	recoverMargin       = time.Minute
	defaultRecoverAfter = 15 * time.Minute
)

func (e *Engine) recoverAfter() time.Duration {
	switch {
	case e.RecoverAfter > 0:
		return e.RecoverAfter
	case e.DispatchTimeout > 0:
		return e.DispatchTimeout + recoverMargin
	default:
		return defaultRecoverAfter
	}
}

// Recover finalizes executions interrupted by a crash. A ready proposal with
// executedAt set may or may not have reached its target, so it is marked
// failed and never dispatched again. Marks younger than RecoverAfter are
// left alone: another process sharing the workspace may still be waiting
// on the target.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	var stale []domain.Proposal
	err := e.update(ctx, systemActor, func(t *txn) error {
		ready, err := e.Repo.ListProposalsTx(ctx, t.Tx, repo.ProposalFilters{State: domain.StateReady})
		if err != nil {
			return err
		}
		cutoff := t.now.Add(-e.recoverAfter())
		for i := range ready {
			p := ready[i]
			if !p.InFlight() || p.ExecutedAt.After(cutoff) {
				continue
			}
			if _, running := e.inFlight[p.ID]; running {
				continue
			}
			if err := e.finalizeTx(t, &p, dispatch.Result{}, errors.New("interrupted")); err != nil {
				return err
			}
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	now := e.now()
	for _, p := range stale {
		e.Metrics.executed(p.State, now.Sub(*p.ExecutedAt))
		e.Metrics.transition(p.State)
	}
	if len(stale) > 0 {
		e.Logger.Warn("finalized interrupted executions as failed", "count", len(stale))
	}
	return len(stale), nil
}

// systemActor is recorded on events the wallet emits on its own behalf.
const systemActor domain.Address = "system"

func unknownProposal(id int64, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return werrors.ErrUnknownProposal.Newf("proposal %d", id)
	}
	return err
}

func unknownSigner(addr domain.Address, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return werrors.ErrUnknownSigner.Newf("signer %s", addr)
	}
	return err
}

func parseAddress(raw string, field string) (domain.Address, error) {
	addr, ok := domain.ParseAddress(raw)
	if !ok {
		return "", werrors.ErrInvalidInput.Newf("%s is required", field)
	}
	return addr, nil
}
