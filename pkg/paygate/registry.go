package paygate

import (
	"context"
	"encoding/json"
)

// Registry dispatches verification to method-specific verifiers. The
// built-in credential payloads carry a "method" field; payloads without
// one fall back to the registry's default method. A credential for a
// method with no registered verifier fails with
// payment_method_unsupported.
type Registry struct {
	defaultMethod string
	verifiers     map[string]Verifier
}

// NewRegistry creates a verifier registry with the given fallback method.
func NewRegistry(defaultMethod string) *Registry {
	return &Registry{
		defaultMethod: defaultMethod,
		verifiers:     make(map[string]Verifier),
	}
}

// Register binds a settlement method to its verifier. Registration
// happens at wiring time, before the registry serves requests.
func (r *Registry) Register(method string, v Verifier) *Registry {
	r.verifiers[method] = v
	return r
}

// Verify implements Verifier by routing on the credential payload's method.
func (r *Registry) Verify(ctx context.Context, credential PaymentCredential, expected Expected) (PaymentReceipt, error) {
	var envelope struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(credential.Payload, &envelope); err != nil {
		return PaymentReceipt{}, NewPaymentError(KindMalformedProof, "credential payload does not decode", err)
	}

	method := envelope.Method
	if method == "" {
		method = r.defaultMethod
	}

	verifier, ok := r.verifiers[method]
	if !ok {
		return PaymentReceipt{}, Errorf(KindMethodUnsupported, "settlement method %q is not supported", method)
	}
	return verifier.Verify(ctx, credential, expected)
}
