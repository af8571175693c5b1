package domain

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies a signer, the admin or any other caller. It is opaque
// to the wallet; only equality matters.
type Address string

// ParseAddress trims the input and reports false when nothing is left.
func ParseAddress(s string) (Address, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return Address(s), true
}

func (a Address) String() string { return string(a) }

// MaxWeight bounds signer weights, thresholds and weight totals so they fit
// the store's signed integer columns.
const MaxWeight uint64 = math.MaxInt64

// AddWeight returns a+b. It reports false and returns MaxWeight when the sum
// passes MaxWeight.
func AddWeight(a, b uint64) (uint64, bool) {
	if a > MaxWeight || b > MaxWeight-a {
		return MaxWeight, false
	}
	return a + b, true
}

type Signer struct {
	Address   Address   `json:"address"`
	Weight    uint64    `json:"weight"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wallet holds the registry-wide parameters.
type Wallet struct {
	ID             string        `json:"id"`
	Admin          Address       `json:"admin"`
	RequiredWeight uint64        `json:"required_weight"`
	TotalWeight    uint64        `json:"total_weight"`
	TimelockDelay  time.Duration `json:"timelock_delay"`
	CreatedAt      time.Time     `json:"created_at"`
}

type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateExecuted  State = "executed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateExecuted, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StateReady, StateExecuted, StateFailed, StateCancelled:
		return true
	}
	return false
}

type Confirmation struct {
	ProposalID  int64     `json:"proposal_id"`
	Signer      Address   `json:"signer"`
	Weight      uint64    `json:"weight"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type Proposal struct {
	ID              int64           `json:"id"`
	Proposer        Address         `json:"proposer"`
	Target          string          `json:"target"`
	Payload         []byte          `json:"payload"`
	Value           decimal.Decimal `json:"value"`
	ConfirmedWeight uint64          `json:"confirmed_weight"`
	ConfirmedBy     []Confirmation  `json:"confirmed_by"`
	State           State           `json:"state"`
	ReadyAt         *time.Time      `json:"ready_at,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	Result          []byte          `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Executable is the timelock gate: the proposal is ready and its delay has
// passed at now.
func (p Proposal) Executable(now time.Time) bool {
	return p.State == StateReady && p.ReadyAt != nil && !now.Before(*p.ReadyAt)
}

// InFlight reports whether an execution was started but not finalized.
func (p Proposal) InFlight() bool {
	return p.State == StateReady && p.ExecutedAt != nil
}

// ConfirmedByAddress reports whether addr has a confirmation on p.
func (p Proposal) ConfirmedByAddress(addr Address) bool {
	for _, c := range p.ConfirmedBy {
		if c.Signer == addr {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload_json"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at"`
}
