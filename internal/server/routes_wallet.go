package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"msigwallet/internal/domain"
	"msigwallet/internal/engine"
)

type walletOutput struct {
	Body WalletResponse `json:"body"`
}

type signerOutput struct {
	Body SignerResponse `json:"body"`
}

type addressPath struct {
	Address string `path:"address"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWallet(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallet",
		Summary:     "Registry parameters",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*walletOutput, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.Wallet(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletOutput{Body: walletResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-threshold",
		Method:      http.MethodPut,
		Path:        "/wallet/threshold",
		Summary:     "Change the required weight",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SetThresholdRequest `json:"body"`
	}) (*walletOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SetRequiredWeight(ctx, caller, input.Body.RequiredWeight)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletOutput{Body: walletResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-timelock",
		Method:      http.MethodPut,
		Path:        "/wallet/timelock",
		Summary:     "Change the timelock delay",
		Description: "Applies to proposals that become ready after the change.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SetTimelockRequest `json:"body"`
	}) (*walletOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SetTimelockDelay(ctx, caller, time.Duration(input.Body.Seconds)*time.Second)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletOutput{Body: walletResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-admin",
		Method:      http.MethodPut,
		Path:        "/wallet/admin",
		Summary:     "Hand the admin capability to another address",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TransferAdminRequest `json:"body"`
	}) (*walletOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.TransferAdmin(ctx, caller, input.Body.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletOutput{Body: walletResponse(w)}, nil
	})
}

func registerSigners(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-signers",
		Method:      http.MethodGet,
		Path:        "/signers",
		Summary:     "List signers",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		IncludeRemoved bool `query:"include_removed"`
	}) (*struct {
		Body []SignerResponse `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		signers, err := e.ListSigners(ctx, input.IncludeRemoved)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SignerResponse, 0, len(signers))
		for _, s := range signers {
			out = append(out, signerResponse(s))
		}
		return &struct {
			Body []SignerResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signer",
		Method:      http.MethodGet,
		Path:        "/signers/{address}",
		Summary:     "Get a signer",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *addressPath) (*signerOutput, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.GetSigner(ctx, domain.Address(input.Address))
		if err != nil {
			return nil, handleError(err)
		}
		return &signerOutput{Body: signerResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-signer",
		Method:        http.MethodPost,
		Path:          "/signers",
		Summary:       "Add a signer",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body AddSignerRequest `json:"body"`
	}) (*signerOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.AddSigner(ctx, caller, input.Body.Address, input.Body.Weight)
		if err != nil {
			return nil, handleError(err)
		}
		return &signerOutput{Body: signerResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-signer-weight",
		Method:      http.MethodPut,
		Path:        "/signers/{address}/weight",
		Summary:     "Change a signer's weight",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Address string           `path:"address"`
		Body    SetWeightRequest `json:"body"`
	}) (*signerOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSignerWeight(ctx, caller, input.Address, input.Body.Weight)
		if err != nil {
			return nil, handleError(err)
		}
		return &signerOutput{Body: signerResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-signer",
		Method:        http.MethodDelete,
		Path:          "/signers/{address}",
		Summary:       "Remove a signer",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *addressPath) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveSigner(ctx, caller, input.Address); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current caller and its capabilities",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.Address == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		caps, err := e.Capabilities(ctx, principal.Address)
		if err != nil {
			return nil, handleError(err)
		}
		weight, err := e.WeightOf(ctx, principal.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			Address:      string(principal.Address),
			Source:       principal.Source,
			Capabilities: capabilityNames(caps),
			Weight:       weight,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		addr, ok := domain.ParseAddress(input.Body.Address)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "address is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, addr, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
