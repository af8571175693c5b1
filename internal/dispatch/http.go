package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"msigwallet/internal/config"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 64 << 10

	HeaderProposal  = "X-Msig-Proposal"
	HeaderValue     = "X-Msig-Value"
	HeaderDelivery  = "X-Msig-Delivery"
	HeaderSignature = "X-Msig-Signature"
)

// HTTP posts a proposal payload to a named target from wallet.yml, or to a
// raw URL when AllowRawURLs is set.
type HTTP struct {
	targets      map[string]config.Target
	allowRawURLs bool
	client       *http.Client
	logger       *slog.Logger
}

func NewHTTP(cfg config.DispatchConfig, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	targets := make(map[string]config.Target, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if !t.IsEnabled() || strings.TrimSpace(t.URL) == "" {
			continue
		}
		targets[t.Name] = t
	}
	return &HTTP{
		targets:      targets,
		allowRawURLs: cfg.AllowRawURLs,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

func (d *HTTP) resolve(target string) (config.Target, error) {
	if t, ok := d.targets[target]; ok {
		return t, nil
	}
	if d.allowRawURLs && config.ValidateTargetURL(target) == nil {
		return config.Target{Name: target, URL: target}, nil
	}
	return config.Target{}, fmt.Errorf("%w %q", ErrUnknownTarget, target)
}

func (d *HTTP) ValidateTarget(target string) error {
	_, err := d.resolve(target)
	return err
}

func (d *HTTP) Dispatch(ctx context.Context, call Call) (Result, error) {
	target, err := d.resolve(call.Target)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(call.Payload))
	if err != nil {
		return Result{}, err
	}
	contentType := "application/octet-stream"
	if len(call.Payload) > 0 && json.Valid(call.Payload) {
		contentType = "application/json"
	}
	delivery := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderProposal, strconv.FormatInt(call.ProposalID, 10))
	req.Header.Set(HeaderValue, call.Value.String())
	req.Header.Set(HeaderDelivery, delivery)
	if secret := strings.TrimSpace(target.Secret); secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+Sign(secret, call.Payload))
	}

	log := d.logger.With("proposal", call.ProposalID, "target", target.Name, "delivery", delivery)
	start := time.Now()
	res, err := d.client.Do(req)
	if err != nil {
		log.Warn("dispatch failed", "error", err)
		return Result{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	result := Result{Status: res.StatusCode, Body: body}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		log.Warn("target rejected call", "status", res.StatusCode, "elapsed", time.Since(start))
		return result, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	log.Info("dispatched", "status", res.StatusCode, "elapsed", time.Since(start))
	return result, nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret. Targets verify
// the X-Msig-Signature header against it.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Close drops idle keep-alive connections to targets.
func (d *HTTP) Close() {
	d.client.CloseIdleConnections()
}
