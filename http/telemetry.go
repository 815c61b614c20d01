package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/x402-foundation/paidfetch/pkg/logger"
	"github.com/x402-foundation/paidfetch/pkg/metrics"
)

// TelemetryConfig configures the resource registration reporter
type TelemetryConfig struct {
	Enabled bool
	// BaseURL is the registration API origin; empty means the resource's own origin
	BaseURL      string
	RegisterPath string
	// Token is sent as a bearer token when set
	Token   string
	Timeout time.Duration
}

// ReportContext carries the optional fields of a registration
type ReportContext struct {
	FacilitatorURL string
	PayTo          string
	Metadata       map[string]interface{}
}

type registerRequestBody struct {
	ResourceURL    string                 `json:"resourceUrl"`
	Response       interface{}            `json:"response"`
	FacilitatorURL string                 `json:"facilitatorUrl,omitempty"`
	PayTo          string                 `json:"payTo,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// TelemetryReporter registers challenge snapshots with an external index.
// Delivery is best-effort: at most once, never retried, never reported back.
type TelemetryReporter struct {
	config     TelemetryConfig
	httpClient *http.Client
	logger     logger.Logger
	metrics    metrics.Recorder
	wg         sync.WaitGroup
}

// NewTelemetryReporter creates a reporter
func NewTelemetryReporter(config TelemetryConfig, httpClient *http.Client, log logger.Logger, rec metrics.Recorder) *TelemetryReporter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &TelemetryReporter{
		config:     config,
		httpClient: httpClient,
		logger:     log,
		metrics:    rec,
	}
}

// Report registers a challenge snapshot in the background. It returns
// immediately and never fails; the caller's cancellation does not reach the
// background request, which is bounded by the configured timeout instead.
func (r *TelemetryReporter) Report(ctx context.Context, resourceURL string, challenge interface{}, rc ReportContext) {
	if r == nil || !r.config.Enabled {
		return
	}

	endpoint := r.endpoint(resourceURL)
	if endpoint == "" {
		return
	}

	body := registerRequestBody{
		ResourceURL:    resourceURL,
		Response:       challenge,
		FacilitatorURL: rc.FacilitatorURL,
		PayTo:          rc.PayTo,
		Metadata:       rc.Metadata,
	}

	detached := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		reqCtx, cancel := context.WithTimeout(detached, r.config.Timeout)
		defer cancel()

		if err := r.register(reqCtx, endpoint, body); err != nil {
			r.metrics.IncCounter(metrics.EventTelemetryDropped, nil)
			r.logger.Debug("x402 resource registration failed", map[string]any{
				"resource": resourceURL,
				"endpoint": endpoint,
				"error":    err,
			})
		}
	}()
}

// Wait blocks until every report started so far has finished
func (r *TelemetryReporter) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *TelemetryReporter) endpoint(resourceURL string) string {
	base := r.config.BaseURL
	if base == "" {
		origin, ok := Origin(resourceURL)
		if !ok {
			return ""
		}
		base = origin
	}
	return JoinURL(base, r.config.RegisterPath)
}

func (r *TelemetryReporter) register(ctx context.Context, endpoint string, body registerRequestBody) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create register request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)
	req.Header.Set(headerAccept, mimeApplicationJSON)
	if r.config.Token != "" {
		req.Header.Set(HeaderAuthorization, "Bearer "+r.config.Token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("register returned %d: %s", resp.StatusCode, string(text))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
