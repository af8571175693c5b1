package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msigwallet/internal/config"
	"msigwallet/internal/db"
	"msigwallet/internal/dispatch"
	"msigwallet/internal/domain"
	"msigwallet/internal/engine"
	"msigwallet/internal/migrate"
	"msigwallet/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, tweaks ...func(*AuthConfig)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	e := engine.New(conn, engine.Options{
		Dispatcher: dispatch.Func(func(context.Context, dispatch.Call) (dispatch.Result, error) {
			return dispatch.Result{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
		}),
		Metrics: engine.NewMetrics(reg),
	})
	_, _, err = e.Bootstrap(ctx, &config.Config{
		Wallet: config.WalletConfig{ID: "treasury", Admin: "admin", RequiredWeight: 2},
		Signers: []config.SignerSpec{
			{Address: "alice", Weight: 1},
			{Address: "bob", Weight: 1},
		},
	})
	require.NoError(t, err)

	authCfg := AuthConfig{JWTSecret: testSecret, AllowActorHeader: true}
	for _, tweak := range tweaks {
		tweak(&authCfg)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     authCfg,
		Gatherer: reg,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL + "/v1", Engine: e, client: srv.Client()}
}

func (s *testServer) do(t *testing.T, method, route string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+route, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return res.StatusCode, out
}

func as(addr string) map[string]string {
	return map[string]string{"X-Actor-Id": addr}
}

func errorCode(body map[string]any) string {
	env, _ := body["error"].(map[string]any)
	code, _ := env["code"].(string)
	return code
}

func proposalPathFor(body map[string]any, verb string) string {
	id := strconv.FormatInt(int64(body["id"].(float64)), 10)
	if verb == "" {
		return "/proposals/" + id
	}
	return "/proposals/" + id + "/" + verb
}

func TestProposalLifecycle(t *testing.T) {
	srv := newTestServer(t)

	status, p := srv.do(t, http.MethodPost, "/proposals", map[string]any{
		"target":  "payouts",
		"payload": `{"to":"acct-1"}`,
		"value":   "12.50",
	}, as("alice"))
	require.Equal(t, http.StatusCreated, status, p)
	assert.Equal(t, "pending", p["state"])
	assert.Equal(t, "12.5", p["value"])

	status, got := srv.do(t, http.MethodPost, proposalPathFor(p, "confirm"), nil, as("alice"))
	require.Equal(t, http.StatusOK, status, got)
	assert.EqualValues(t, 1, got["confirmed_weight"])

	status, got = srv.do(t, http.MethodPost, proposalPathFor(p, "confirm"), nil, as("alice"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_confirmed", errorCode(got))

	status, got = srv.do(t, http.MethodPost, proposalPathFor(p, "confirm"), nil, as("bob"))
	require.Equal(t, http.StatusOK, status, got)
	assert.Equal(t, "ready", got["state"])
	assert.Equal(t, true, got["executable"])

	status, got = srv.do(t, http.MethodPost, proposalPathFor(p, "execute"), nil, as("bob"))
	require.Equal(t, http.StatusOK, status, got)
	executed := got["proposal"].(map[string]any)
	assert.Equal(t, "executed", executed["state"])
	assert.EqualValues(t, http.StatusOK, got["status"])

	status, got = srv.do(t, http.MethodPost, proposalPathFor(p, "execute"), nil, as("bob"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_ready", errorCode(got))

	status, got = srv.do(t, http.MethodGet, "/proposals?state=executed", nil, as("alice"))
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, got["items"], 1)
}

func TestTimelockAnswersTooEarly(t *testing.T) {
	srv := newTestServer(t)
	status, body := srv.do(t, http.MethodPut, "/wallet/timelock", map[string]any{"seconds": 3600}, as("admin"))
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 3600, body["timelock_seconds"])

	_, p := srv.do(t, http.MethodPost, "/proposals", map[string]any{"target": "payouts"}, as("alice"))
	srv.do(t, http.MethodPost, proposalPathFor(p, "confirm"), nil, as("alice"))
	_, ready := srv.do(t, http.MethodPost, proposalPathFor(p, "confirm"), nil, as("bob"))
	assert.Equal(t, false, ready["executable"])

	status, body = srv.do(t, http.MethodPost, proposalPathFor(p, "execute"), nil, as("alice"))
	assert.Equal(t, http.StatusTooEarly, status)
	assert.Equal(t, "timelock_not_elapsed", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, true, details["retryable"])
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodGet, "/wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", errorCode(body))

	status, body = srv.do(t, http.MethodPost, "/signers", map[string]any{"address": "eve", "weight": 1}, as("alice"))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", errorCode(body))

	status, body = srv.do(t, http.MethodDelete, "/signers/bob", nil, as("admin"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "threshold_unreachable", errorCode(body))

	status, body = srv.do(t, http.MethodGet, "/proposals/42", nil, as("alice"))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "unknown_proposal", errorCode(body))

	status, body = srv.do(t, http.MethodPost, "/signers", map[string]any{"address": "alice", "weight": 1}, as("admin"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_signer", errorCode(body))

	status, body = srv.do(t, http.MethodPost, "/proposals", map[string]any{"target": "payouts", "value": "lots"}, as("alice"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", errorCode(body))

	for name, req := range map[string]map[string]any{
		"weight past int64": {"address": "carol", "weight": uint64(1) << 63},
		"total past int64":  {"address": "carol", "weight": uint64(math.MaxInt64)},
	} {
		status, body = srv.do(t, http.MethodPost, "/signers", req, as("admin"))
		assert.Equal(t, http.StatusBadRequest, status, name)
		assert.Equal(t, "bad_request", errorCode(body), name)
	}
	status, _ = srv.do(t, http.MethodGet, "/signers/carol", nil, as("alice"))
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSignerAdministration(t *testing.T) {
	srv := newTestServer(t)

	status, body := srv.do(t, http.MethodPost, "/signers", map[string]any{"address": "carol", "weight": 2}, as("admin"))
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, true, body["active"])

	status, body = srv.do(t, http.MethodPut, "/wallet/threshold", map[string]any{"required_weight": 4}, as("admin"))
	require.Equal(t, http.StatusOK, status, body)
	assert.EqualValues(t, 4, body["total_weight"])

	status, body = srv.do(t, http.MethodPut, "/signers/carol/weight", map[string]any{"weight": 1}, as("admin"))
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = srv.do(t, http.MethodPut, "/wallet/threshold", map[string]any{"required_weight": 2}, as("admin"))
	require.Equal(t, http.StatusOK, status)
	status, _ = srv.do(t, http.MethodDelete, "/signers/carol", nil, as("admin"))
	require.Equal(t, http.StatusNoContent, status)

	status, body = srv.do(t, http.MethodGet, "/signers/carol", nil, as("alice"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["active"])

	status, body = srv.do(t, http.MethodPut, "/wallet/admin", map[string]any{"address": "alice"}, as("admin"))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "alice", body["admin"])
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) { c.AllowActorHeader = false })

	status, body := srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"address": "admin"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Nil(t, body["token"])

	// A valid caller finds no such route.
	token, err := signDevToken(testSecret, "alice", time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}
	status, body = srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"address": "admin"}, bearer)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Nil(t, body["token"])

	status, _ = srv.do(t, http.MethodPost, "/signers", map[string]any{"address": "mallory", "weight": 5}, bearer)
	assert.Equal(t, http.StatusForbidden, status)
	ok, err := srv.Engine.IsSigner(context.Background(), "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) { c.DevLogin = true })

	status, body := srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{"address": "alice"}, nil)
	require.Equal(t, http.StatusOK, status, body)
	token := body["token"].(string)

	status, body = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "alice", body["address"])
	assert.Equal(t, "jwt", body["source"])
	assert.Equal(t, []any{"signer"}, body["capabilities"])
	assert.EqualValues(t, 1, body["weight"])

	status, _ = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, status)

	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        "key-1",
		ActorID:   "admin",
		KeyHash:   repo.HashAPIKey("s3cret"),
		CreatedAt: time.Now(),
	}))
	status, body = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "s3cret"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "admin", body["address"])
	assert.Equal(t, []any{"admin"}, body["capabilities"])
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t)
	status, first := srv.do(t, http.MethodGet, "/events?limit=2", nil, as("alice"))
	require.Equal(t, http.StatusOK, status, first)
	items := first["items"].([]any)
	require.Len(t, items, 2)
	cursor := first["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	status, next := srv.do(t, http.MethodGet, "/events?limit=2&cursor="+cursor, nil, as("alice"))
	require.Equal(t, http.StatusOK, status)
	// wallet.initialized plus two signer.added events
	rest := next["items"].([]any)
	require.Len(t, rest, 1)
	assert.Equal(t, "wallet.initialized", rest[0].(map[string]any)["type"])
	assert.Nil(t, next["next_cursor"])
}

func TestMetricsAndHealth(t *testing.T) {
	srv := newTestServer(t)
	status, body := srv.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	res, err := srv.client.Get(strings.TrimSuffix(srv.URL, "/v1") + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "msig_required_weight 2")
}
