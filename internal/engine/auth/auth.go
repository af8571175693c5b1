package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"msigwallet/internal/domain"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/repo"
)

// Capability is what a caller may do. Capabilities are derived from wallet
// state on every call: the admin field and the active signer set.
type Capability string

const (
	Admin  Capability = "admin"
	Signer Capability = "signer"
)

// ForbiddenError indicates a missing capability. It wraps ErrUnauthorized.
type ForbiddenError struct {
	Actor    string
	Required []Capability
}

func (e ForbiddenError) Error() string {
	names := make([]string, 0, len(e.Required))
	for _, c := range e.Required {
		names = append(names, string(c))
	}
	return fmt.Sprintf("%s: caller %q needs capability %s", werrors.ErrUnauthorized, e.Actor, strings.Join(names, " or "))
}

func (e ForbiddenError) Cause() error  { return werrors.ErrUnauthorized }
func (e ForbiddenError) Unwrap() error { return werrors.ErrUnauthorized }

// Service resolves capabilities against the registry.
type Service struct {
	Repo repo.Repo
}

// Capabilities returns the capabilities held by actor. Pass the current
// write transaction so the check sees the same state the mutation does.
func (s Service) Capabilities(ctx context.Context, tx *sql.Tx, actor domain.Address) ([]Capability, error) {
	var caps []Capability
	if actor == "" {
		return caps, nil
	}
	w, err := s.wallet(ctx, tx)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err == nil && w.Admin == actor {
		caps = append(caps, Admin)
	}
	signer, err := s.signer(ctx, tx, actor)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return nil, err
	case signer.Active:
		caps = append(caps, Signer)
	}
	return caps, nil
}

// Require succeeds when actor holds any of the given capabilities.
func (s Service) Require(ctx context.Context, tx *sql.Tx, actor domain.Address, wanted ...Capability) error {
	held, err := s.Capabilities(ctx, tx, actor)
	if err != nil {
		return err
	}
	for _, want := range wanted {
		if Has(held, want) {
			return nil
		}
	}
	return ForbiddenError{Actor: string(actor), Required: wanted}
}

func Has(caps []Capability, c Capability) bool {
	for _, held := range caps {
		if held == c {
			return true
		}
	}
	return false
}

func (s Service) wallet(ctx context.Context, tx *sql.Tx) (domain.Wallet, error) {
	if tx != nil {
		return s.Repo.GetWalletTx(ctx, tx)
	}
	return s.Repo.GetWallet(ctx)
}

func (s Service) signer(ctx context.Context, tx *sql.Tx, addr domain.Address) (domain.Signer, error) {
	if tx != nil {
		return s.Repo.GetSignerTx(ctx, tx, addr)
	}
	return s.Repo.GetSigner(ctx, addr)
}
