package paygate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// HTTP headers used by the protocol.
const (
	HeaderChallenge  = "WWW-Authenticate"
	HeaderCredential = "Authorization"
	HeaderReceipt    = "Payment-Receipt"
)

// Scheme is the auth-scheme prefix for challenge and credential headers.
const Scheme = "Payment "

// b64 is the wire encoding for every opaque payload: base64url without padding.
var b64 = base64.RawURLEncoding

// GenerateChallengeID returns a fresh random challenge identifier with
// 128 bits of entropy, base64url-encoded. It is never derived from
// timestamps or counters.
func GenerateChallengeID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	return b64.EncodeToString(buf), nil
}

// EncodeChallenge renders a challenge as a WWW-Authenticate header value.
// The opaque request payload is base64url-encoded JSON; optional fields
// are omitted when absent. Values are written verbatim, so a field that
// cannot survive a quoted parameter unchanged fails the encode rather
// than producing a header the decoder would reject or corrupt.
func EncodeChallenge(c PaymentChallenge) (string, error) {
	fields := []struct{ name, value string }{
		{"id", c.ID},
		{"realm", c.Realm},
		{"method", c.Method},
		{"intent", string(c.Intent)},
		{"expires", c.Expires},
		{"description", c.Description},
	}
	for _, f := range fields {
		if !wireSafe(f.value) {
			return "", Errorf(KindMalformedProof, "challenge %s contains quote, backslash, or control characters", f.name)
		}
	}

	var sb strings.Builder
	sb.WriteString(Scheme)
	fmt.Fprintf(&sb, `id="%s", realm="%s", method="%s", intent="%s", request="%s"`,
		c.ID, c.Realm, c.Method, string(c.Intent), b64.EncodeToString(c.Request))
	if c.Expires != "" {
		fmt.Fprintf(&sb, `, expires="%s"`, c.Expires)
	}
	if c.Description != "" {
		fmt.Fprintf(&sb, `, description="%s"`, c.Description)
	}
	return sb.String(), nil
}

// wireSafe reports whether a value can be carried verbatim inside a
// quoted challenge parameter: no quotes, no backslashes, no control
// characters.
func wireSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '"' || c == '\\' || c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}

// DecodeChallenge parses a WWW-Authenticate header value into a
// PaymentChallenge. Every failure is reported as a malformed_proof
// PaymentError with a diagnostic message.
func DecodeChallenge(header string) (PaymentChallenge, error) {
	params, err := parseChallengeParams(header)
	if err != nil {
		return PaymentChallenge{}, err
	}

	for _, key := range []string{"id", "realm", "method", "intent", "request"} {
		if _, ok := params[key]; !ok {
			return PaymentChallenge{}, Errorf(KindMalformedProof, "challenge header missing %q parameter", key)
		}
	}

	request, err := b64.DecodeString(params["request"])
	if err != nil {
		return PaymentChallenge{}, NewPaymentError(KindMalformedProof, "challenge request payload is not base64url", err)
	}
	if !json.Valid(request) {
		return PaymentChallenge{}, Errorf(KindMalformedProof, "challenge request payload is not JSON")
	}

	return PaymentChallenge{
		ID:          params["id"],
		Realm:       params["realm"],
		Method:      params["method"],
		Intent:      Intent(params["intent"]),
		Request:     json.RawMessage(request),
		Expires:     params["expires"],
		Description: params["description"],
	}, nil
}

// parseChallengeParams scans the `key="value"` pairs following the
// Payment scheme prefix. It is a pure function: for any input it
// returns either the full parameter map or a single malformed_proof
// error. Values may not contain quotes; pairs are separated by ", ".
func parseChallengeParams(header string) (map[string]string, error) {
	if !strings.HasPrefix(header, Scheme) {
		return nil, Errorf(KindMalformedProof, "header does not carry the Payment scheme")
	}

	params := make(map[string]string)
	rest := header[len(Scheme):]
	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, Errorf(KindMalformedProof, "challenge parameter missing '=' near %q", clip(rest))
		}
		key := rest[:eq]
		rest = rest[eq+1:]
		if len(rest) == 0 || rest[0] != '"' {
			return nil, Errorf(KindMalformedProof, "challenge parameter %q is not quoted", key)
		}
		rest = rest[1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return nil, Errorf(KindMalformedProof, "challenge parameter %q has an unterminated value", key)
		}
		params[key] = rest[:end]
		rest = rest[end+1:]
		if rest == "" {
			break
		}
		if !strings.HasPrefix(rest, ", ") {
			return nil, Errorf(KindMalformedProof, "challenge parameters must be separated by ', ' near %q", clip(rest))
		}
		rest = rest[2:]
	}
	return params, nil
}

func clip(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}

// encodeJSON marshals v into an opaque payload.
func encodeJSON(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.RawMessage(data), nil
}

// EncodeCredential renders a credential as an Authorization header value:
// the Payment scheme followed by base64url-encoded JSON, no sub-parameters.
func EncodeCredential(c PaymentCredential) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode credential: %w", err)
	}
	return Scheme + b64.EncodeToString(data), nil
}

// DecodeCredential parses an Authorization header value into a
// PaymentCredential, failing with malformed_proof if the Payment
// prefix is absent or the payload does not deserialize.
func DecodeCredential(header string) (PaymentCredential, error) {
	if !strings.HasPrefix(header, Scheme) {
		return PaymentCredential{}, Errorf(KindMalformedProof, "credential header does not carry the Payment scheme")
	}
	data, err := b64.DecodeString(strings.TrimSpace(header[len(Scheme):]))
	if err != nil {
		return PaymentCredential{}, NewPaymentError(KindMalformedProof, "credential payload is not base64url", err)
	}
	var cred PaymentCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return PaymentCredential{}, NewPaymentError(KindMalformedProof, "credential payload does not deserialize", err)
	}
	return cred, nil
}

// EncodeReceipt renders a receipt as a Payment-Receipt header value:
// bare base64url-encoded JSON, no scheme prefix.
func EncodeReceipt(r PaymentReceipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode receipt: %w", err)
	}
	return b64.EncodeToString(data), nil
}

// DecodeReceipt parses a Payment-Receipt header value.
func DecodeReceipt(header string) (PaymentReceipt, error) {
	data, err := b64.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return PaymentReceipt{}, NewPaymentError(KindMalformedProof, "receipt payload is not base64url", err)
	}
	var receipt PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return PaymentReceipt{}, NewPaymentError(KindMalformedProof, "receipt payload does not deserialize", err)
	}
	return receipt, nil
}
