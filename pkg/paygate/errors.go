package paygate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable classification of a payment failure.
// The set is closed: every failure the gate or the codec can produce
// maps onto exactly one of these values.
type Kind string

const (
	// KindPaymentRequired is the initial challenge state: no credential
	// was presented for a gated resource.
	KindPaymentRequired Kind = "payment_required"

	// KindPaymentInsufficient marks a confirmed settlement whose amount
	// is below the required amount or whose token differs.
	KindPaymentInsufficient Kind = "payment_insufficient"

	// KindPaymentExpired marks a settlement older than the gate's
	// configured maximum age.
	KindPaymentExpired Kind = "payment_expired"

	// KindVerificationFailed covers unconfirmable transactions, failed
	// cryptographic validation, and replayed settlement identifiers.
	KindVerificationFailed Kind = "payment_verification_failed"

	// KindMethodUnsupported marks a credential for a settlement method
	// the gate has no verifier for.
	KindMethodUnsupported Kind = "payment_method_unsupported"

	// KindMalformedProof covers every header that fails to decode.
	KindMalformedProof Kind = "malformed_proof"
)

// HTTPStatus returns the fixed HTTP status for this failure kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindPaymentRequired, KindPaymentInsufficient, KindPaymentExpired:
		return http.StatusPaymentRequired
	case KindVerificationFailed:
		return http.StatusUnauthorized
	case KindMethodUnsupported, KindMalformedProof:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// PaymentError classifies failures encountered while challenging,
// decoding, or verifying a payment.
type PaymentError struct {
	Kind    Kind   // Machine-readable failure kind
	Message string // Human-readable diagnostic
	Err     error  // Underlying technical error, kept for logging
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError wraps err under the given kind with a diagnostic message.
func NewPaymentError(kind Kind, message string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: err}
}

// Errorf builds a PaymentError from a format string.
func Errorf(kind Kind, format string, args ...any) *PaymentError {
	return &PaymentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind from err. Errors outside the payment
// taxonomy are reported as verification failures: an unclassifiable
// verifier error must never admit the request.
func KindOf(err error) Kind {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindVerificationFailed
}

// ErrorBody is the JSON error shape returned to clients.
type ErrorBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

// WriteError renders err as the standard JSON error body with the
// status fixed by its kind.
func WriteError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	json.NewEncoder(w).Encode(ErrorBody{Error: kind, Message: err.Error()})
}
