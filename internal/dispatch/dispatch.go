// Package dispatch performs the one external call an executed proposal
// stands for.
package dispatch

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Call is what a proposal asks the wallet to do.
type Call struct {
	ProposalID int64
	Target     string
	Payload    []byte
	Value      decimal.Decimal
}

// Result is what the target answered.
type Result struct {
	Status int
	Body   []byte
}

// Dispatcher delivers a call. Implementations must not retry: a returned
// error is final and the proposal is marked failed.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) (Result, error)
}

// TargetValidator is implemented by dispatchers that can reject a target at
// submission time.
type TargetValidator interface {
	ValidateTarget(target string) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, call Call) (Result, error)

func (f Func) Dispatch(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrNoDispatcher  = errors.New("no dispatcher configured")
)

// Nop rejects every call. It is used when a wallet runs without targets.
var Nop = Func(func(context.Context, Call) (Result, error) {
	return Result{}, ErrNoDispatcher
})
