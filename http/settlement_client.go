package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	x402 "github.com/x402-foundation/paidfetch"
)

const (
	headerAccept        = "Accept"
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"
)

// SettlementClient exchanges a chosen payment requirement for a payment
// proof at the settlement service.
type SettlementClient struct {
	httpClient *http.Client
}

// RequestDescriptor identifies the request being paid for
type RequestDescriptor struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// SettleParams holds the inputs of one settlement call
type SettleParams struct {
	URL         string
	Requirement x402.PaymentRequirement
	X402Version int
	Request     RequestDescriptor
	// AuthHeaders are the forwarded identity headers, in wire casing
	AuthHeaders http.Header
	Metadata    map[string]interface{}
}

type settleRequestBody struct {
	Requirement x402.PaymentRequirement `json:"requirement"`
	X402Version int                     `json:"x402Version"`
	Metadata    map[string]interface{}  `json:"metadata"`
	Request     RequestDescriptor       `json:"request"`
}

// NewSettlementClient creates a settlement client. A nil httpClient gets a
// client with a 30 second timeout.
func NewSettlementClient(httpClient *http.Client) *SettlementClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SettlementClient{httpClient: httpClient}
}

// Settle issues a single POST to the settlement service and returns the
// resulting payment proof.
func (c *SettlementClient) Settle(ctx context.Context, params SettleParams) (*x402.PaymentResult, error) {
	version := params.X402Version
	if version <= 0 {
		version = x402.ProtocolVersion
	}

	body, err := json.Marshal(settleRequestBody{
		Requirement: params.Requirement,
		X402Version: version,
		Metadata:    params.Metadata,
		Request:     params.Request,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, params.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create settle request: %w", err)
	}

	for k, vals := range params.AuthHeaders {
		req.Header[k] = append([]string(nil), vals...)
	}
	req.Header.Set(headerAccept, mimeApplicationJSON)
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementFailed, "settlement request failed", map[string]interface{}{
			"url": params.URL,
		}).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, settlementFailed(resp)
	}

	parsed, err := ReadJSONBody(resp)
	if err != nil {
		return nil, err
	}

	doc, _ := parsed.Value.(map[string]interface{})
	proof, _ := doc["paymentHeader"].(string)
	if proof == "" {
		return nil, x402.NewPaymentError(x402.ErrCodeSettlementMissingProof, "settlement response has no paymentHeader", map[string]interface{}{
			"body": parsed.Value,
		}).WithResponse(resp)
	}

	return &x402.PaymentResult{
		Header:        proof,
		AttemptID:     optionalString(doc["attemptId"]),
		WalletAddress: optionalString(doc["walletAddress"]),
		Requirement:   params.Requirement,
		Raw:           doc,
	}, nil
}

// settlementFailed builds the error for a non-2xx settlement response. The
// details carry the JSON error body, the raw text when it is not JSON, or
// nil when the body is empty.
func settlementFailed(resp *http.Response) error {
	var details interface{}
	if parsed, err := ReadJSONBody(resp); err == nil {
		if parsed.Value != nil {
			details = parsed.Value
		} else if parsed.Text != "" {
			details = parsed.Text
		}
	} else if parsed.Text != "" {
		details = parsed.Text
	}

	return x402.NewPaymentError(x402.ErrCodeSettlementFailed, fmt.Sprintf("settlement service returned %d", resp.StatusCode), map[string]interface{}{
		"status":  resp.StatusCode,
		"details": details,
	}).WithResponse(resp)
}

func optionalString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	}
	return ""
}
