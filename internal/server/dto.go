package server

import (
	"encoding/json"
	"time"

	"msigwallet/internal/domain"
	"msigwallet/internal/engine/auth"
)

type AddSignerRequest struct {
	Address string `json:"address" minLength:"1"`
	Weight  uint64 `json:"weight" minimum:"1" maximum:"9223372036854775807"`
}

type SetWeightRequest struct {
	Weight uint64 `json:"weight" minimum:"1" maximum:"9223372036854775807"`
}

type SetThresholdRequest struct {
	RequiredWeight uint64 `json:"required_weight" minimum:"1" maximum:"9223372036854775807"`
}

type SetTimelockRequest struct {
	Seconds int64 `json:"seconds" minimum:"0"`
}

type TransferAdminRequest struct {
	Address string `json:"address" minLength:"1"`
}

type SubmitProposalRequest struct {
	Target  string `json:"target" minLength:"1" example:"payouts"`
	Payload string `json:"payload,omitempty" example:"{\"to\":\"acct-1\"}"`
	Value   string `json:"value,omitempty" example:"12.50" doc:"Decimal amount; defaults to 0"`
}

type DevLoginRequest struct {
	Address string `json:"address" minLength:"1"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WalletResponse struct {
	ID              string `json:"id"`
	Admin           string `json:"admin"`
	RequiredWeight  uint64 `json:"required_weight"`
	TotalWeight     uint64 `json:"total_weight"`
	TimelockSeconds int64  `json:"timelock_seconds"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type SignerResponse struct {
	Address   string `json:"address"`
	Weight    uint64 `json:"weight"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ConfirmationResponse struct {
	Signer      string `json:"signer"`
	Weight      uint64 `json:"weight"`
	ConfirmedAt string `json:"confirmed_at" format:"date-time"`
}

type ProposalResponse struct {
	ID              int64                  `json:"id"`
	Proposer        string                 `json:"proposer"`
	Target          string                 `json:"target"`
	Payload         string                 `json:"payload,omitempty"`
	Value           string                 `json:"value"`
	State           string                 `json:"state" enum:"pending,ready,executed,failed,cancelled"`
	ConfirmedWeight uint64                 `json:"confirmed_weight"`
	ConfirmedBy     []ConfirmationResponse `json:"confirmed_by"`
	ReadyAt         string                 `json:"ready_at,omitempty" format:"date-time"`
	ExecutedAt      string                 `json:"executed_at,omitempty" format:"date-time"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	Result          string                 `json:"result,omitempty"`
	Executable      bool                   `json:"executable"`
	CreatedAt       string                 `json:"created_at" format:"date-time"`
	UpdatedAt       string                 `json:"updated_at" format:"date-time"`
}

type ExecuteResponse struct {
	Proposal ProposalResponse `json:"proposal"`
	Status   int              `json:"status"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	Address      string   `json:"address"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
	Weight       uint64   `json:"weight"`
}

type paginatedProposals struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTSPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTS(*t)
}

func walletResponse(w domain.Wallet) WalletResponse {
	return WalletResponse{
		ID:              w.ID,
		Admin:           string(w.Admin),
		RequiredWeight:  w.RequiredWeight,
		TotalWeight:     w.TotalWeight,
		TimelockSeconds: int64(w.TimelockDelay / time.Second),
		CreatedAt:       formatTS(w.CreatedAt),
	}
}

func signerResponse(s domain.Signer) SignerResponse {
	return SignerResponse{
		Address:   string(s.Address),
		Weight:    s.Weight,
		Active:    s.Active,
		CreatedAt: formatTS(s.CreatedAt),
		UpdatedAt: formatTS(s.UpdatedAt),
	}
}

func proposalResponse(p domain.Proposal, now time.Time) ProposalResponse {
	resp := ProposalResponse{
		ID:              p.ID,
		Proposer:        string(p.Proposer),
		Target:          p.Target,
		Payload:         string(p.Payload),
		Value:           p.Value.String(),
		State:           string(p.State),
		ConfirmedWeight: p.ConfirmedWeight,
		ConfirmedBy:     make([]ConfirmationResponse, 0, len(p.ConfirmedBy)),
		ReadyAt:         formatTSPtr(p.ReadyAt),
		ExecutedAt:      formatTSPtr(p.ExecutedAt),
		FailureReason:   p.FailureReason,
		Result:          string(p.Result),
		Executable:      p.Executable(now) && !p.InFlight(),
		CreatedAt:       formatTS(p.CreatedAt),
		UpdatedAt:       formatTS(p.UpdatedAt),
	}
	for _, c := range p.ConfirmedBy {
		resp.ConfirmedBy = append(resp.ConfirmedBy, ConfirmationResponse{
			Signer:      string(c.Signer),
			Weight:      c.Weight,
			ConfirmedAt: formatTS(c.ConfirmedAt),
		})
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         formatTS(e.TS),
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func capabilityNames(caps []auth.Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}
