package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"msigwallet/internal/domain"
	"msigwallet/internal/engine"
	werrors "msigwallet/internal/errors"
	"msigwallet/internal/repo"
)

type proposalPath struct {
	ID int64 `path:"id"`
}

type proposalOutput struct {
	Body ProposalResponse `json:"body"`
}

var proposalErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerProposals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Submit a proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SubmitProposalRequest `json:"body"`
	}) (*proposalOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		value := decimal.Zero
		if raw := strings.TrimSpace(input.Body.Value); raw != "" {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid value", map[string]any{"value": raw})
			}
			value = v
		}
		var payload []byte
		if input.Body.Payload != "" {
			payload = []byte(input.Body.Payload)
		}
		p, err := e.Submit(ctx, caller, engine.SubmitOptions{
			Target:  input.Body.Target,
			Payload: payload,
			Value:   value,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: proposalResponse(p, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:"pending,ready,executed,failed,cancelled"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProposals `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, listErr := e.ListProposals(ctx, repo.ProposalFilters{
			State:  domain.State(input.State),
			Cursor: cursor,
			Limit:  limit + 1,
		})
		if listErr != nil {
			return nil, handleError(listErr)
		}
		resp := paginatedProposals{Items: []ProposalResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		now := e.Now()
		for _, p := range items {
			resp.Items = append(resp.Items, proposalResponse(p, now))
		}
		return &struct {
			Body paginatedProposals `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get a proposal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: proposalResponse(p, e.Now())}, nil
	})

	registerProposalAction(api, e, "confirm-proposal", "confirm", "Confirm a proposal with the caller's weight", e.Confirm)
	registerProposalAction(api, e, "revoke-confirmation", "revoke", "Withdraw the caller's confirmation", e.RevokeConfirmation)
	registerProposalAction(api, e, "cancel-proposal", "cancel", "Cancel a pending or ready proposal", e.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "execute-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/execute",
		Summary:     "Execute a ready proposal",
		Description: "Dispatches the proposal's call once its timelock has elapsed. " +
			"A failed call leaves the proposal failed and answers 502 with the proposal in the error details.",
		Errors: append(proposalErrors, http.StatusTooEarly, http.StatusBadGateway),
	}, func(ctx context.Context, input *proposalPath) (*struct {
		Body ExecuteResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, res, err := e.Execute(ctx, caller, input.ID)
		if err != nil {
			if werrors.ErrExecutionFailed.Is(err) && p.ID != 0 {
				return nil, newAPIError(http.StatusBadGateway, "execution_failed", err.Error(), map[string]any{
					"proposal":      proposalResponse(p, e.Now()),
					"target_status": res.Status,
				})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ExecuteResponse `json:"body"`
		}{Body: ExecuteResponse{Proposal: proposalResponse(p, e.Now()), Status: res.Status}}, nil
	})
}

type proposalAction func(ctx context.Context, actor domain.Address, id int64) (domain.Proposal, error)

func registerProposalAction(api huma.API, e *engine.Engine, opID, verb, summary string, action proposalAction) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/" + verb,
		Summary:     summary,
		Errors:      proposalErrors,
	}, func(ctx context.Context, input *proposalPath) (*proposalOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := action(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &proposalOutput{Body: proposalResponse(p, e.Now())}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"wallet,signer,proposal"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cursor, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		items, listErr := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
			Limit:      limit + 1,
		})
		if listErr != nil {
			return nil, handleError(listErr)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// parseCursor reads an id cursor; results continue below it.
func parseCursor(raw string) (int64, huma.StatusError) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": raw})
	}
	return id, nil
}
