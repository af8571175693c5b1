package msigsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal wallet HTTP API client. BaseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers
	// accept it only in local development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Wallet struct {
	ID              string `json:"id"`
	Admin           string `json:"admin"`
	RequiredWeight  uint64 `json:"required_weight"`
	TotalWeight     uint64 `json:"total_weight"`
	TimelockSeconds int64  `json:"timelock_seconds"`
	CreatedAt       string `json:"created_at"`
}

type Signer struct {
	Address   string `json:"address"`
	Weight    uint64 `json:"weight"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Confirmation struct {
	Signer      string `json:"signer"`
	Weight      uint64 `json:"weight"`
	ConfirmedAt string `json:"confirmed_at"`
}

// Proposal mirrors the API proposal model. Value is a decimal string.
type Proposal struct {
	ID              int64          `json:"id"`
	Proposer        string         `json:"proposer"`
	Target          string         `json:"target"`
	Payload         string         `json:"payload,omitempty"`
	Value           string         `json:"value"`
	State           string         `json:"state"`
	ConfirmedWeight uint64         `json:"confirmed_weight"`
	ConfirmedBy     []Confirmation `json:"confirmed_by"`
	ReadyAt         string         `json:"ready_at,omitempty"`
	ExecutedAt      string         `json:"executed_at,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	Result          string         `json:"result,omitempty"`
	Executable      bool           `json:"executable"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

type Execution struct {
	Proposal Proposal `json:"proposal"`
	Status   int      `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmI struct {
	Address      string   `json:"address"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
	Weight       uint64   `json:"weight"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TooEarly reports whether the call was rejected because the timelock has
// not elapsed yet; retrying later can succeed.
func (e *APIError) TooEarly() bool {
	return e.StatusCode == http.StatusTooEarly
}

type PaginatedProposals struct {
	Items      []Proposal `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) Wallet(ctx context.Context) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodGet, "wallet", nil, &resp)
	return resp, err
}

func (c *Client) WhoAmI(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) SetRequiredWeight(ctx context.Context, weight uint64) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPut, "wallet/threshold", map[string]any{"required_weight": weight}, &resp)
	return resp, err
}

func (c *Client) SetTimelock(ctx context.Context, delay time.Duration) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPut, "wallet/timelock", map[string]any{"seconds": int64(delay / time.Second)}, &resp)
	return resp, err
}

func (c *Client) TransferAdmin(ctx context.Context, address string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPut, "wallet/admin", map[string]any{"address": address}, &resp)
	return resp, err
}

// Signers lists active signers, or every signer ever added when
// includeRemoved is set.
func (c *Client) Signers(ctx context.Context, includeRemoved bool) ([]Signer, error) {
	var resp []Signer
	endpoint := "signers"
	if includeRemoved {
		endpoint += "?include_removed=true"
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) AddSigner(ctx context.Context, address string, weight uint64) (Signer, error) {
	var resp Signer
	err := c.do(ctx, http.MethodPost, "signers", map[string]any{"address": address, "weight": weight}, &resp)
	return resp, err
}

func (c *Client) SetSignerWeight(ctx context.Context, address string, weight uint64) (Signer, error) {
	var resp Signer
	endpoint := fmt.Sprintf("signers/%s/weight", url.PathEscape(address))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"weight": weight}, &resp)
	return resp, err
}

func (c *Client) RemoveSigner(ctx context.Context, address string) error {
	return c.do(ctx, http.MethodDelete, "signers/"+url.PathEscape(address), nil, nil)
}

// Submit creates a proposal. value is a decimal string; empty means zero.
func (c *Client) Submit(ctx context.Context, target, payload, value string) (Proposal, error) {
	body := map[string]any{"target": target}
	if payload != "" {
		body["payload"] = payload
	}
	if value != "" {
		body["value"] = value
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	return resp, err
}

func (c *Client) Proposal(ctx context.Context, id int64) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, proposalPath(id, ""), nil, &resp)
	return resp, err
}

// ProposalsPage lists proposals newest first. state may be empty.
func (c *Client) ProposalsPage(ctx context.Context, state string, limit int, cursor string) (PaginatedProposals, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedProposals
	err := c.do(ctx, http.MethodGet, withQuery("proposals", q), nil, &resp)
	return resp, err
}

func (c *Client) Confirm(ctx context.Context, id int64) (Proposal, error) {
	return c.proposalAction(ctx, id, "confirm")
}

func (c *Client) Revoke(ctx context.Context, id int64) (Proposal, error) {
	return c.proposalAction(ctx, id, "revoke")
}

func (c *Client) Cancel(ctx context.Context, id int64) (Proposal, error) {
	return c.proposalAction(ctx, id, "cancel")
}

// Execute dispatches a ready proposal. A failed target call comes back as an
// *APIError with status 502 whose Details hold the failed proposal.
func (c *Client) Execute(ctx context.Context, id int64) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, proposalPath(id, "execute"), nil, &resp)
	return resp, err
}

func (c *Client) proposalAction(ctx context.Context, id int64, verb string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, proposalPath(id, verb), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func proposalPath(id int64, verb string) string {
	p := "proposals/" + strconv.FormatInt(id, 10)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
