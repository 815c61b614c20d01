package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentRequirementRoundTripKeepsOpaqueFields(t *testing.T) {
	raw := `{"scheme":"exact","network":"solana","maxAmountRequired":"1000","payTo":"p","asset":"USDC","resource":"https://r","outputSchema":{"input":{"type":"http"}}}`

	var req PaymentRequirement
	require.NoError(t, json.Unmarshal([]byte(raw), &req))
	assert.Equal(t, Network("solana"), req.Network)
	assert.Equal(t, "1000", req.MaxAmountRequired)

	resource, ok := req.Field("resource")
	assert.True(t, ok)
	assert.Equal(t, "https://r", resource)

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))

	built := PaymentRequirement{Scheme: "exact", Network: "base", MaxAmountRequired: "1", PayTo: "p", Asset: "a"}
	out, err = json.Marshal(built)
	require.NoError(t, err)
	assert.JSONEq(t, `{"scheme":"exact","network":"base","maxAmountRequired":"1","payTo":"p","asset":"a"}`, string(out))
	_, ok = built.Field("scheme")
	assert.False(t, ok)
}

func TestChallengeDefaults(t *testing.T) {
	var c Challenge
	require.NoError(t, json.Unmarshal([]byte(`{"accepts":[],"error":"X-PAYMENT header is required"}`), &c))
	assert.Equal(t, ProtocolVersion, c.Version())
	assert.Equal(t, "X-PAYMENT header is required", c.ReasonText())

	c = Challenge{X402Version: 2, Reason: "r", Error: "e"}
	assert.Equal(t, 2, c.Version())
	assert.Equal(t, "r", c.ReasonText())
}

func TestNetworkKinds(t *testing.T) {
	assert.True(t, Network("solana").IsSolana())
	assert.True(t, Network("solana-devnet").IsSolana())
	assert.True(t, Network("base-sepolia").IsEVM())
	assert.True(t, Network("eip155:8453").IsEVM())
	assert.False(t, Network("solana").IsEVM())
	assert.False(t, Network("base").IsSolana())
}

func TestPaymentErrorMatching(t *testing.T) {
	cause := errors.New("boom")
	resp := &http.Response{StatusCode: http.StatusBadGateway}

	err := NewPaymentError(ErrCodeSettlementFailed, "settlement service returned 502", nil).
		WithResponse(resp).
		WithCause(cause)

	wrapped := fmt.Errorf("calling paid api: %w", err)
	assert.True(t, errors.Is(wrapped, ErrSettlementFailed))
	assert.False(t, errors.Is(wrapped, ErrSettlementMissingProof))
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, http.StatusBadGateway, err.StatusCode())
	assert.Contains(t, err.Error(), "settlement_failed")
	assert.Contains(t, err.Error(), "boom")

	other := &http.Response{StatusCode: http.StatusPaymentRequired}
	err.WithResponse(other)
	assert.Same(t, resp, err.Response, "first response wins")

	assert.Equal(t, 0, NewPaymentError(ErrCodeUnexpectedTermination, "x", nil).StatusCode())
}

func TestNormalizePayTo(t *testing.T) {
	got, err := NormalizePayTo("0x52908400098527886e0f7030069857d2e4169ee7")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", got)

	got, err = NormalizePayTo(" 11111111111111111111111111111111 ")
	require.NoError(t, err)
	assert.Equal(t, "11111111111111111111111111111111", got)

	for _, bad := range []string{"", "0x1234", "not-base58-0OIl"} {
		_, err := NormalizePayTo(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckSpendLimit(t *testing.T) {
	req := PaymentRequirement{Network: "solana", MaxAmountRequired: "1000"}

	assert.NoError(t, CheckSpendLimit(req, ""))
	assert.NoError(t, CheckSpendLimit(req, "1000"))
	assert.NoError(t, CheckSpendLimit(req, "1000.5"))

	err := CheckSpendLimit(req, "999")
	assert.True(t, errors.Is(err, ErrAmountExceedsLimit))

	err = CheckSpendLimit(PaymentRequirement{MaxAmountRequired: "lots"}, "10")
	assert.True(t, errors.Is(err, ErrAmountExceedsLimit))

	err = CheckSpendLimit(req, "ten")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAmountExceedsLimit))
}

func TestValidatePaymentRequirement(t *testing.T) {
	valid := PaymentRequirement{Scheme: "exact", Network: "solana", PayTo: "p", MaxAmountRequired: "1"}
	assert.NoError(t, ValidatePaymentRequirement(valid))

	missingScheme := valid
	missingScheme.Scheme = ""
	assert.Error(t, ValidatePaymentRequirement(missingScheme))

	negative := valid
	negative.MaxAmountRequired = "-1"
	assert.Error(t, ValidatePaymentRequirement(negative))
}
