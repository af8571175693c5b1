package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs(t *testing.T) {
	cases := map[string]struct {
		kind *Error
		err  error
		want bool
	}{
		"nil kind and nil error": {nil, nil, true},
		"nil kind":               {nil, ErrNotPending, false},
		"same kind":              {ErrNotPending, ErrNotPending, true},
		"other kind":             {ErrNotPending, ErrNotReady, false},
		"wrapped once":           {ErrUnknownProposal, Wrap(ErrUnknownProposal, "proposal 7"), true},
		"wrapped twice":          {ErrUnknownProposal, Wrap(Wrap(ErrUnknownProposal, "a"), "b"), true},
		"created with New":       {ErrUnauthorized, ErrUnauthorized.New("admin required"), true},
		"std wrapped":            {ErrAlreadyConfirmed, fmt.Errorf("confirm: %w", ErrAlreadyConfirmed.New("bob")), true},
		"foreign":                {ErrNotReady, stderrors.New("boom"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.kind.Is(tc.err))
		})
	}
}

func TestStdlibInterop(t *testing.T) {
	err := Wrapf(ErrTimelockNotElapsed, "proposal %d ready at %s", 3, "tomorrow")
	assert.True(t, stderrors.Is(err, ErrTimelockNotElapsed))
	assert.False(t, stderrors.Is(err, ErrNotReady))
	assert.Equal(t, "proposal 3 ready at tomorrow: timelock not elapsed", err.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))
}

func TestKindAndCode(t *testing.T) {
	err := ErrThresholdUnreachable.Newf("required %d > total %d", 5, 4)
	assert.Same(t, ErrThresholdUnreachable, Kind(err))
	assert.Equal(t, uint32(5), Code(err))
	assert.Equal(t, uint32(1), Code(stderrors.New("x")))
	assert.Equal(t, uint32(0), Code(nil))
}

func TestRetryableAndPermanent(t *testing.T) {
	assert.True(t, Retryable(ErrTimelockNotElapsed.New("wait")))
	assert.False(t, Retryable(ErrNotReady.New("x")))
	assert.True(t, Permanent(ErrAlreadyConfirmed.New("x")))
	assert.True(t, Permanent(ErrExecutionFailed.New("x")))
	assert.False(t, Permanent(ErrTimelockNotElapsed.New("x")))
	assert.False(t, Permanent(stderrors.New("x")))
}

func TestRegisterDuplicatePanics(t *testing.T) {
	require.Panics(t, func() { Register(ErrNotPending.Code(), "again") })
}

func TestRecover(t *testing.T) {
	fn := func() (err error) {
		defer Recover(&err)
		panic("kaboom")
	}
	err := fn()
	require.Error(t, err)
	assert.True(t, ErrPanic.Is(err))
	assert.Contains(t, err.Error(), "kaboom")
}
