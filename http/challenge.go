package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	x402 "github.com/x402-foundation/paidfetch"
	"github.com/x402-foundation/paidfetch/pkg/logger"
	"github.com/x402-foundation/paidfetch/pkg/metrics"
)

type challengeParams struct {
	snapshot requestSnapshot
	// attempt is 1-based
	attempt int
	options resolvedOptions
	log     logger.Logger
}

// parseChallenge decodes a 402 body. payload is the generic document, kept
// for registration; challenge is its typed view.
func parseChallenge(resp *http.Response) (interface{}, x402.Challenge, error) {
	raw, err := readAndRestoreBody(resp)
	if err != nil {
		return nil, x402.Challenge{}, x402.NewPaymentError(x402.ErrCodeInvalidChallengeBody, "failed to read challenge body", nil).WithCause(err)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, x402.Challenge{}, x402.NewPaymentError(x402.ErrCodeMissingRequirements, "challenge body is empty", map[string]interface{}{
			"payload": nil,
		})
	}

	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, x402.Challenge{}, x402.NewPaymentError(x402.ErrCodeInvalidChallengeBody, "challenge body is not valid JSON", map[string]interface{}{
			"text": string(raw),
		}).WithCause(err)
	}
	if payload == nil {
		return nil, x402.Challenge{}, x402.NewPaymentError(x402.ErrCodeMissingRequirements, "challenge body is null", map[string]interface{}{
			"payload": nil,
		})
	}

	var challenge x402.Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return payload, x402.Challenge{}, x402.NewPaymentError(x402.ErrCodeInvalidChallengeBody, "challenge body has an unexpected shape", map[string]interface{}{
			"payload": payload,
		}).WithCause(err)
	}

	if len(challenge.Accepts) == 0 {
		return payload, challenge, x402.NewPaymentError(x402.ErrCodeMissingRequirements, "challenge offers no payment requirements", map[string]interface{}{
			"payload": payload,
		})
	}

	return payload, challenge, nil
}

// handleChallenge turns one 402 response into a settled payment
func (c *Client) handleChallenge(ctx context.Context, resp *http.Response, p challengeParams) (*x402.PaymentResult, error) {
	payload, challenge, err := parseChallenge(resp)
	if err != nil {
		return nil, err
	}

	requirement := c.selector(challenge.Accepts, p.options.preferredNetworks)

	if err := x402.CheckSpendLimit(requirement, p.options.maxAmount); err != nil {
		return nil, err
	}

	settlementURL := SettlementURL(p.snapshot.url, p.options.settlementPath)
	forwarded := ForwardedHeaders(p.snapshot.header, p.options.authHeaders)

	c.telemetry.Report(ctx, p.snapshot.url, payload, ReportContext{
		FacilitatorURL: p.options.facilitatorURL,
		PayTo:          p.options.payTo,
		Metadata:       p.options.metadata,
	})

	network := string(requirement.Network)
	p.log.Debug("x402 settling payment", map[string]any{
		"attempt":        p.attempt,
		"network":        network,
		"scheme":         requirement.Scheme,
		"amount":         requirement.MaxAmountRequired,
		"settlement_url": settlementURL,
	})

	start := time.Now()
	result, err := c.settlement.Settle(ctx, SettleParams{
		URL:         settlementURL,
		Requirement: requirement,
		X402Version: challenge.Version(),
		Request: RequestDescriptor{
			Method: p.snapshot.method,
			URL:    p.snapshot.url,
		},
		AuthHeaders: forwarded,
		Metadata:    metadataEnvelope(p.options.metadata, p.attempt, challenge.ReasonText()),
	})
	c.metrics.ObserveLatency(metrics.OperationSettle, time.Since(start), map[string]string{"network": network})

	if err != nil {
		c.metrics.IncCounter(metrics.EventSettlementFailure, map[string]string{"network": network})
		var pe *x402.PaymentError
		if errors.As(err, &pe) {
			p.log.Warn("x402 settlement failed", map[string]any{
				"attempt": p.attempt,
				"network": network,
				"code":    pe.Code,
				"status":  pe.StatusCode(),
			})
		}
		return nil, err
	}

	c.metrics.IncCounter(metrics.EventSettlementSuccess, map[string]string{"network": network})
	return result, nil
}

// metadataEnvelope merges the caller's metadata with the x402 attempt block.
// The caller's map is not modified.
func metadataEnvelope(caller map[string]interface{}, attempt int, reason string) map[string]interface{} {
	envelope := make(map[string]interface{}, len(caller)+1)
	for k, v := range caller {
		envelope[k] = v
	}

	block := map[string]interface{}{"attempt": attempt}
	if reason != "" {
		block["reason"] = reason
	}
	envelope["x402"] = block
	return envelope
}
