package paygate

import (
	"context"
	"encoding/json"
	"time"
)

// Intent describes what a challenge's payment buys.
type Intent string

const (
	IntentCharge       Intent = "charge"
	IntentSubscription Intent = "subscription"
	IntentAuthorize    Intent = "authorize"
)

// Valid reports whether the intent is one of the known values.
func (i Intent) Valid() bool {
	switch i {
	case IntentCharge, IntentSubscription, IntentAuthorize:
		return true
	}
	return false
}

// PaymentRequest is the payload carried inside a challenge: the terms
// the client must settle on-chain. Amount is a non-negative integer
// string in the token's base units.
type PaymentRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
}

// PaymentChallenge describes a required payment, carried in the
// WWW-Authenticate header of a 402 response. Request is an opaque
// JSON payload; for the built-in verifiers it is a PaymentRequest.
type PaymentChallenge struct {
	ID          string          `json:"id"`
	Realm       string          `json:"realm"`
	Method      string          `json:"method"`
	Intent      Intent          `json:"intent"`
	Request     json.RawMessage `json:"request"`
	Expires     string          `json:"expires,omitempty"`
	Description string          `json:"description,omitempty"`
}

// PaymentRequest decodes the challenge's opaque payload into the
// built-in payment terms shape.
func (c PaymentChallenge) PaymentRequest() (PaymentRequest, error) {
	var req PaymentRequest
	if err := json.Unmarshal(c.Request, &req); err != nil {
		return PaymentRequest{}, NewPaymentError(KindMalformedProof, "challenge request payload does not decode", err)
	}
	return req, nil
}

// PaymentCredential is the client's proof of an attempted settlement,
// carried in the Authorization header. It references the challenge it
// answers and carries a method-specific opaque payload. Credentials
// live for a single settlement attempt and are never persisted.
type PaymentCredential struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// PaymentReceipt is the server-confirmed record of an accepted
// settlement, carried in the Payment-Receipt header of the admitted
// response. Receipts are only ever produced by a Verifier.
type PaymentReceipt struct {
	TxHash    string `json:"txHash"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Payer     string `json:"payer"`
	Recipient string `json:"recipient"`
	Timestamp int64  `json:"timestamp"`
}

// Expected holds the verification constraints a gate hands its verifier.
type Expected struct {
	Recipient string
	Amount    string
	Token     string
	MaxAge    time.Duration
}

// Verifier confirms that a credential corresponds to a genuine,
// sufficient, and timely on-chain settlement. Implementations perform
// blocking chain RPC and must be called without holding any gate lock.
//
// Failure kinds: KindVerificationFailed when the referenced transaction
// cannot be confirmed or the credential fails structural/cryptographic
// validation, KindPaymentInsufficient when the confirmed amount is below
// expected.Amount or the token differs, KindPaymentExpired when the
// transaction is older than expected.MaxAge.
type Verifier interface {
	Verify(ctx context.Context, credential PaymentCredential, expected Expected) (PaymentReceipt, error)
}
