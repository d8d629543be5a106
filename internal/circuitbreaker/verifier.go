package circuitbreaker

import (
	"context"
	"errors"

	"github.com/tollgatepay/server/pkg/paygate"
)

// verifier wraps a paygate.Verifier with a circuit breaker. Protocol
// outcomes (insufficient, expired, malformed) do not count against the
// backend; only errors carrying an underlying RPC failure do.
type verifier struct {
	manager *Manager
	service ServiceType
	next    paygate.Verifier
}

// WrapVerifier protects a verifier's chain backend with the manager's
// breaker for the given service. An open breaker surfaces as a
// verification failure: a request must not be admitted on trust while
// the backend is unreachable.
func WrapVerifier(m *Manager, service ServiceType, next paygate.Verifier) paygate.Verifier {
	return &verifier{manager: m, service: service, next: next}
}

func (v *verifier) Verify(ctx context.Context, credential paygate.PaymentCredential, expected paygate.Expected) (paygate.PaymentReceipt, error) {
	out, err := v.manager.Execute(v.service, func() (interface{}, error) {
		receipt, err := v.next.Verify(ctx, credential, expected)
		if err != nil {
			return paygate.PaymentReceipt{}, breakerError(err)
		}
		return receipt, nil
	})
	if err != nil {
		if errors.Is(err, ErrOpen) {
			return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "verification backend unavailable", err)
		}
		var be *backendError
		if errors.As(err, &be) {
			return paygate.PaymentReceipt{}, be.err
		}
		return paygate.PaymentReceipt{}, err
	}
	return out.(paygate.PaymentReceipt), nil
}

// backendError marks an error that should count against the breaker
// while still unwrapping to the original verification error.
type backendError struct {
	err error
}

func (e *backendError) Error() string { return e.err.Error() }
func (e *backendError) Unwrap() error { return e.err }

// breakerError decides whether err represents backend trouble. A
// PaymentError without an underlying cause is a clean protocol verdict
// and is returned as-is so gobreaker records the call as a success.
func breakerError(err error) error {
	var pe *paygate.PaymentError
	if errors.As(err, &pe) && pe.Err == nil {
		return err
	}
	return &backendError{err: err}
}
