package x402

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ValidatePaymentRequirement performs basic validation on a payment requirement
func ValidatePaymentRequirement(r PaymentRequirement) error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if _, err := r.Amount(); err != nil {
		return err
	}
	return nil
}

// NormalizePayTo validates a payee address and returns its canonical form.
// EVM addresses come back EIP-55 checksummed; Solana keys are returned as
// parsed base58.
func NormalizePayTo(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("address cannot be empty")
	}

	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		if !common.IsHexAddress(address) {
			return "", fmt.Errorf("invalid EVM address: %s", address)
		}
		return common.HexToAddress(address).Hex(), nil
	}

	key, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return "", fmt.Errorf("invalid Solana address %s: %w", address, err)
	}
	return key.String(), nil
}

// CheckSpendLimit returns ErrAmountExceedsLimit when the requirement asks for
// more than limit. An empty limit disables the check.
func CheckSpendLimit(r PaymentRequirement, limit string) error {
	if limit == "" {
		return nil
	}
	ceiling, err := decimal.NewFromString(limit)
	if err != nil {
		return fmt.Errorf("invalid spend limit %q: %w", limit, err)
	}
	amount, err := r.Amount()
	if err != nil {
		return NewPaymentError(ErrCodeAmountExceedsLimit, "requirement amount cannot be checked against spend limit", map[string]interface{}{
			"maxAmountRequired": r.MaxAmountRequired,
			"limit":             limit,
		}).WithCause(err)
	}
	if amount.GreaterThan(ceiling) {
		return NewPaymentError(ErrCodeAmountExceedsLimit, fmt.Sprintf("requirement asks for %s, limit is %s", amount, ceiling), map[string]interface{}{
			"maxAmountRequired": r.MaxAmountRequired,
			"limit":             limit,
			"network":           string(r.Network),
		})
	}
	return nil
}
