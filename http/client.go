package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	x402 "github.com/x402-foundation/paidfetch"
	"github.com/x402-foundation/paidfetch/pkg/config"
	"github.com/x402-foundation/paidfetch/pkg/logger"
	"github.com/x402-foundation/paidfetch/pkg/metrics"
)

// ============================================================================
// Client - retrying x402 request orchestrator
// ============================================================================

// Client sends requests that may be answered with 402 Payment Required,
// settles the challenge and retries with the payment proof.
//
// A Client holds no per-call state and is safe for concurrent use.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	settlement *SettlementClient
	telemetry  *TelemetryReporter
	selector   x402.RequirementSelector
	logger     logger.Logger
	metrics    metrics.Recorder
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithHTTPClient sets the client used for requests to the target
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSettlementClient replaces the settlement client
func WithSettlementClient(sc *SettlementClient) ClientOption {
	return func(c *Client) {
		c.settlement = sc
	}
}

// WithTelemetryReporter replaces the registration reporter
func WithTelemetryReporter(r *TelemetryReporter) ClientOption {
	return func(c *Client) {
		c.telemetry = r
	}
}

// WithSelector sets a custom requirement selection policy
func WithSelector(selector x402.RequirementSelector) ClientOption {
	return func(c *Client) {
		c.selector = selector
	}
}

func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

func WithMetrics(r metrics.Recorder) ClientOption {
	return func(c *Client) {
		c.metrics = r
	}
}

// NewClient creates a client from the process configuration. A nil cfg uses
// config.Default().
func NewClient(cfg *config.Config, opts ...ClientOption) *Client {
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Client{
		config:   cfg,
		selector: x402.DefaultSelector,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if c.settlement == nil {
		c.settlement = NewSettlementClient(&http.Client{Timeout: cfg.HTTPTimeout})
	}
	if c.telemetry == nil {
		c.telemetry = NewTelemetryReporter(TelemetryConfig{
			Enabled:      cfg.RegisterEnabled,
			BaseURL:      cfg.APIBaseURL,
			RegisterPath: cfg.RegisterPath,
			Token:        cfg.RegisterToken,
			Timeout:      cfg.RegisterTimeout,
		}, nil, c.logger, c.metrics)
	}

	return c
}

// Telemetry returns the registration reporter, e.g. to Wait on shutdown
func (c *Client) Telemetry() *TelemetryReporter {
	return c.telemetry
}

// SendOptions are per-call overrides. Zero values fall back to the client
// configuration.
type SendOptions struct {
	MaxAttempts       int
	SettlementPath    string
	Enabled           *bool
	PreferredNetworks []string
	// AuthHeaders override identity headers found on the request
	AuthHeaders    http.Header
	Metadata       map[string]interface{}
	PayTo          string
	FacilitatorURL string
	// MaxAmount caps maxAmountRequired, in atomic units; empty means no cap
	MaxAmount string
}

// SendResult is the outcome of Send
type SendResult struct {
	Response *http.Response
	// PaymentReceipt is the settlement that produced Response, or nil
	PaymentReceipt *x402.PaymentResult
}

type resolvedOptions struct {
	maxAttempts       int
	settlementPath    string
	enabled           bool
	preferredNetworks []string
	authHeaders       http.Header
	metadata          map[string]interface{}
	payTo             string
	facilitatorURL    string
	maxAmount         string
}

func (c *Client) resolve(opts SendOptions) resolvedOptions {
	r := resolvedOptions{
		maxAttempts:       opts.MaxAttempts,
		settlementPath:    opts.SettlementPath,
		enabled:           c.config.Enabled,
		preferredNetworks: opts.PreferredNetworks,
		authHeaders:       opts.AuthHeaders,
		metadata:          opts.Metadata,
		payTo:             opts.PayTo,
		facilitatorURL:    opts.FacilitatorURL,
		maxAmount:         opts.MaxAmount,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = c.config.MaxAttempts
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = config.DefaultMaxAttempts
	}
	if r.settlementPath == "" {
		r.settlementPath = c.config.SettlementPath
	}
	if r.settlementPath == "" {
		r.settlementPath = config.DefaultSettlementPath
	}
	if opts.Enabled != nil {
		r.enabled = *opts.Enabled
	}
	if len(r.preferredNetworks) == 0 {
		r.preferredNetworks = c.config.PreferredNetworks
	}
	if len(r.preferredNetworks) == 0 {
		r.preferredNetworks = x402.DefaultPreferredNetworks
	}
	if r.payTo == "" {
		r.payTo = c.config.PayTo
	} else if normalized, err := x402.NormalizePayTo(r.payTo); err == nil {
		r.payTo = normalized
	}
	if r.facilitatorURL == "" {
		r.facilitatorURL = c.config.FacilitatorURL
	}
	return r
}

// requestSnapshot is the caller's request, copied once per Send. Every
// attempt is built from it, so the body bytes are identical on each try.
type requestSnapshot struct {
	url    string
	method string
	header http.Header
	body   []byte
}

func newRequestSnapshot(url string, init RequestInit) requestSnapshot {
	cloned := CloneRequestInit(init)
	return requestSnapshot{
		url:    url,
		method: cloned.Method,
		header: cloned.Header,
		body:   cloned.Body,
	}
}

// newRequest builds one attempt, decorated with the proof from receipt
func (s requestSnapshot) newRequest(ctx context.Context, receipt *x402.PaymentResult) (*http.Request, error) {
	var body io.Reader
	if s.body != nil {
		body = bytes.NewReader(s.body)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, body)
	if err != nil {
		return nil, err
	}
	req.Header = s.header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if receipt != nil {
		setWireHeader(req.Header, x402.HeaderPayment, receipt.Header)
		if receipt.AttemptID != "" {
			setWireHeader(req.Header, x402.HeaderPaymentAttemptID, receipt.AttemptID)
		}
	}
	return req, nil
}

// setWireHeader replaces every casing of name with a single value keyed
// exactly as name.
func setWireHeader(h http.Header, name, value string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
	h[name] = []string{value}
}

// Send performs the request, paying for it when the target answers with a
// payment challenge.
//
// A response other than 402, or any response when payment is disabled, is
// returned unchanged together with the last settlement (nil if none). A 402
// on the final permitted attempt fails with ErrRetryLimitExceeded carrying
// that response. At most one settlement is made per attempt.
func (c *Client) Send(ctx context.Context, url string, init RequestInit, opts SendOptions) (*SendResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	options := c.resolve(opts)
	snapshot := newRequestSnapshot(url, init)
	log := logger.With(c.logger, map[string]any{
		"call_id": uuid.NewString(),
		"url":     url,
		"method":  snapshot.method,
	})

	var lastSettlement *x402.PaymentResult

	for attempt := 0; attempt < options.maxAttempts; attempt++ {
		req, err := snapshot.newRequest(ctx, lastSettlement)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired || !options.enabled {
			c.metrics.IncCounter(metrics.EventPassThrough, nil)
			log.Debug("x402 request completed", map[string]any{
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
				"paid":    lastSettlement != nil,
			})
			return &SendResult{Response: resp, PaymentReceipt: lastSettlement}, nil
		}

		c.metrics.IncCounter(metrics.EventChallenge, nil)

		if attempt == options.maxAttempts-1 {
			c.metrics.IncCounter(metrics.EventRetryLimitExceeded, nil)
			log.Warn("x402 retry limit exceeded", map[string]any{
				"attempts": options.maxAttempts,
			})
			return nil, x402.NewPaymentError(x402.ErrCodeRetryLimitExceeded,
				fmt.Sprintf("still payment-challenged after %d attempts", options.maxAttempts),
				map[string]interface{}{"maxAttempts": options.maxAttempts},
			).WithResponse(resp).WithChallengeResponse(resp)
		}

		result, err := c.handleChallenge(ctx, resp, challengeParams{
			snapshot: snapshot,
			attempt:  attempt + 1,
			options:  options,
			log:      log,
		})
		if err != nil {
			var pe *x402.PaymentError
			if errors.As(err, &pe) {
				pe.WithResponse(resp).WithChallengeResponse(resp)
				return nil, pe
			}
			return nil, err
		}

		log.Info("x402 payment settled", map[string]any{
			"attempt":    attempt + 1,
			"network":    string(result.Requirement.Network),
			"attempt_id": result.AttemptID,
		})
		lastSettlement = result
	}

	return nil, x402.NewPaymentError(x402.ErrCodeUnexpectedTermination, "payment loop ended without an outcome", map[string]interface{}{
		"maxAttempts": options.maxAttempts,
	})
}

// ============================================================================
// http.RoundTripper adapter
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client with x402 payment handling
// This allows transparent payment handling for HTTP requests
func WrapHTTPClientWithPayment(client *http.Client, x402Client *Client, opts SendOptions) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{
		Transport: originalTransport,
		Client:    x402Client,
		Options:   opts,
	}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Client    *Client
	Options   SendOptions
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
	}

	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	// Attempts go straight to the underlying transport; the outer
	// http.Client already applies its timeout and redirect policy.
	inner := *t.Client
	inner.httpClient = &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	result, err := inner.Send(req.Context(), req.URL.String(), RequestInit{
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	}, t.Options)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}
