package x402

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ProtocolVersion is the challenge version assumed when a server omits it
const ProtocolVersion = 1

// SchemeExact is the exact-payment scheme preferred by the selector
const SchemeExact = "exact"

// NetworkSolana is the primary supported network
const NetworkSolana = "solana"

// Header names used on retried requests
const (
	HeaderPayment          = "X-PAYMENT"
	HeaderPaymentAttemptID = "X-PAYMENT-ATTEMPT-ID"
)

// DefaultPreferredNetworks is the preference order used when the caller gives none
var DefaultPreferredNetworks = []string{NetworkSolana}

// Network identifies the chain a requirement settles on (e.g. "solana", "base")
type Network string

// IsEVM reports whether the network uses EVM-style hex addresses
func (n Network) IsEVM() bool {
	s := strings.ToLower(string(n))
	switch {
	case strings.HasPrefix(s, "eip155:"):
		return true
	case s == "base", s == "base-sepolia", s == "ethereum", s == "polygon", s == "polygon-amoy",
		s == "arbitrum", s == "optimism", s == "avalanche", s == "bsc":
		return true
	}
	return false
}

// IsSolana reports whether the network is a Solana cluster
func (n Network) IsSolana() bool {
	s := strings.ToLower(string(n))
	return s == NetworkSolana || strings.HasPrefix(s, "solana-") || strings.HasPrefix(s, "solana:")
}

// PaymentRequirement is one accepted way to pay for a resource.
//
// Fields the client does not interpret are kept verbatim: marshalling a
// parsed requirement reproduces the JSON object it was parsed from.
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	PayTo             string                 `json:"payTo"`
	Asset             string                 `json:"asset"`
	Extra             map[string]interface{} `json:"extra,omitempty"`

	raw json.RawMessage
}

type requirementFields PaymentRequirement

// UnmarshalJSON decodes the known fields and keeps the original object
func (r *PaymentRequirement) UnmarshalJSON(data []byte) error {
	var fields requirementFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = PaymentRequirement(fields)
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the original object when the requirement was parsed
func (r PaymentRequirement) MarshalJSON() ([]byte, error) {
	if len(r.raw) > 0 {
		return r.raw, nil
	}
	return json.Marshal(requirementFields(r))
}

// Field returns a protocol-specific field by its JSON name, including fields
// the struct does not model (outputSchema, resource, maxTimeoutSeconds...).
func (r PaymentRequirement) Field(name string) (interface{}, bool) {
	if len(r.raw) == 0 {
		return nil, false
	}
	var all map[string]interface{}
	if err := json.Unmarshal(r.raw, &all); err != nil {
		return nil, false
	}
	v, ok := all[name]
	return v, ok
}

// Amount parses MaxAmountRequired as a decimal in atomic units
func (r PaymentRequirement) Amount() (decimal.Decimal, error) {
	if r.MaxAmountRequired == "" {
		return decimal.Zero, fmt.Errorf("maxAmountRequired is empty")
	}
	d, err := decimal.NewFromString(r.MaxAmountRequired)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid maxAmountRequired %q: %w", r.MaxAmountRequired, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("maxAmountRequired cannot be negative")
	}
	return d, nil
}

// Challenge is the body a server returns with 402 Payment Required
type Challenge struct {
	Accepts     []PaymentRequirement `json:"accepts"`
	X402Version int                  `json:"x402Version"`
	Reason      string               `json:"reason,omitempty"`

	// Error is the v1 name for Reason
	Error string `json:"error,omitempty"`
}

// Version returns the protocol version, defaulting to 1
func (c Challenge) Version() int {
	if c.X402Version <= 0 {
		return ProtocolVersion
	}
	return c.X402Version
}

// ReasonText returns the reason the server gave for the challenge, if any
func (c Challenge) ReasonText() string {
	if c.Reason != "" {
		return c.Reason
	}
	return c.Error
}

// PaymentResult is the outcome of one successful settlement call
type PaymentResult struct {
	// Header is the opaque proof sent back as X-PAYMENT
	Header        string                 `json:"paymentHeader"`
	AttemptID     string                 `json:"attemptId,omitempty"`
	WalletAddress string                 `json:"walletAddress,omitempty"`
	Requirement   PaymentRequirement     `json:"requirement"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}
