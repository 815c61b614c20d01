package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
)

// HeaderPaymentResponse carries the server's settlement confirmation on a
// paid response
const HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// PaymentResponse is the decoded X-PAYMENT-RESPONSE header
type PaymentResponse struct {
	Success     bool                   `json:"success"`
	Network     string                 `json:"network,omitempty"`
	Payer       string                 `json:"payer,omitempty"`
	Transaction string                 `json:"transaction,omitempty"`
	AttemptID   string                 `json:"attemptId,omitempty"`
	Raw         map[string]interface{} `json:"-"`
}

// DecodePaymentResponseHeader validates and decodes a payment response header.
// It checks the base64 format, the JSON structure and the type of the
// success field.
func DecodePaymentResponseHeader(header string) (*PaymentResponse, error) {
	if header == "" {
		return nil, fmt.Errorf("payment response header is empty")
	}

	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment response format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment response format: base64 decoding failed - %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, fmt.Errorf("invalid payment response format: not valid JSON - %v", err)
	}

	if _, exists := raw["success"]; !exists {
		return nil, fmt.Errorf("missing required field: success")
	}
	if _, ok := raw["success"].(bool); !ok {
		return nil, fmt.Errorf("invalid field type: success must be a boolean")
	}

	var resp PaymentResponse
	if err := json.Unmarshal(decoded, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse payment response: %v", err)
	}
	resp.Raw = raw
	return &resp, nil
}

// PaymentResponseFrom decodes the confirmation on resp. ok is false when the
// server sent none.
func PaymentResponseFrom(resp *http.Response) (*PaymentResponse, bool, error) {
	if resp == nil {
		return nil, false, nil
	}
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, false, nil
	}
	decoded, err := DecodePaymentResponseHeader(header)
	if err != nil {
		return nil, true, err
	}
	return decoded, true, nil
}
