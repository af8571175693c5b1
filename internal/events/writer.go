package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"msigwallet/internal/domain"
)

// Event types written to the log.
const (
	WalletInitialized   = "wallet.initialized"
	SignerAdded         = "signer.added"
	SignerRemoved       = "signer.removed"
	SignerWeightChanged = "signer.weight_changed"
	ThresholdChanged    = "threshold.changed"
	TimelockChanged     = "timelock.changed"
	AdminTransferred    = "admin.transferred"

	ProposalSubmitted          = "proposal.submitted"
	ProposalConfirmed          = "proposal.confirmed"
	ProposalConfirmationRevoke = "proposal.confirmation_revoked"
	ProposalConfirmationDrop   = "proposal.confirmation_dropped"
	ProposalReady              = "proposal.ready"
	ProposalExecutionStarted   = "proposal.execution_started"
	ProposalExecuted           = "proposal.executed"
	ProposalFailed             = "proposal.failed"
	ProposalCancelled          = "proposal.cancelled"
	// ProposalLateOutcome records a target answer that arrived after the
	// execution had already been finalized by recovery.
	ProposalLateOutcome        = "proposal.late_outcome"
)

// Entity kinds.
const (
	KindWallet   = "wallet"
	KindSigner   = "signer"
	KindProposal = "proposal"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx and returns it with its assigned id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         now().UTC(),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.TS.Format(time.RFC3339Nano), evt.Type, evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append %s event: %w", evtType, err)
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
