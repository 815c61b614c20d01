package x402

import (
	"fmt"
	"net/http"
)

// PaymentError represents a payment-specific error
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	// Response is the HTTP response the failure relates to, when there is one
	Response *http.Response `json:"-"`
	// ChallengeResponse is the 402 response being negotiated when the failure occurred
	ChallengeResponse *http.Response `json:"-"`
	Cause             error          `json:"-"`
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Is matches any PaymentError carrying the same code, so the sentinels below
// work with errors.Is.
func (e *PaymentError) Is(target error) bool {
	t, ok := target.(*PaymentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// StatusCode returns the status of the attached response, or 0
func (e *PaymentError) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// Error codes
const (
	ErrCodeInvalidChallengeBody   = "invalid_challenge_body"
	ErrCodeMissingRequirements    = "missing_requirements"
	ErrCodeSettlementFailed       = "settlement_failed"
	ErrCodeSettlementMissingProof = "settlement_missing_proof"
	ErrCodeRetryLimitExceeded     = "retry_limit_exceeded"
	ErrCodeUnexpectedTermination  = "unexpected_termination"
	ErrCodeJSONBodyParseFailed    = "json_body_parse_failed"
	ErrCodeAmountExceedsLimit     = "amount_exceeds_limit"
)

// Sentinels for errors.Is
var (
	ErrInvalidChallengeBody   = &PaymentError{Code: ErrCodeInvalidChallengeBody, Message: "challenge body is not valid JSON"}
	ErrMissingRequirements    = &PaymentError{Code: ErrCodeMissingRequirements, Message: "challenge offers no payment requirements"}
	ErrSettlementFailed       = &PaymentError{Code: ErrCodeSettlementFailed, Message: "settlement request failed"}
	ErrSettlementMissingProof = &PaymentError{Code: ErrCodeSettlementMissingProof, Message: "settlement response has no paymentHeader"}
	ErrRetryLimitExceeded     = &PaymentError{Code: ErrCodeRetryLimitExceeded, Message: "payment retry limit exceeded"}
	ErrUnexpectedTermination  = &PaymentError{Code: ErrCodeUnexpectedTermination, Message: "payment loop ended without an outcome"}
	ErrJSONBodyParseFailed    = &PaymentError{Code: ErrCodeJSONBodyParseFailed, Message: "response declared JSON but body did not parse"}
	ErrAmountExceedsLimit     = &PaymentError{Code: ErrCodeAmountExceedsLimit, Message: "payment requirement exceeds spend limit"}
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// WithResponse attaches resp unless a response is already present
func (e *PaymentError) WithResponse(resp *http.Response) *PaymentError {
	if e.Response == nil {
		e.Response = resp
	}
	return e
}

// WithChallengeResponse attaches the 402 response under negotiation
func (e *PaymentError) WithChallengeResponse(resp *http.Response) *PaymentError {
	if e.ChallengeResponse == nil {
		e.ChallengeResponse = resp
	}
	return e
}

// WithCause sets the underlying error
func (e *PaymentError) WithCause(err error) *PaymentError {
	e.Cause = err
	return e
}
