package paygate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestChallengeRoundTrip(t *testing.T) {
	request, err := encodeJSON(PaymentRequest{
		Recipient: "0x1111111111111111111111111111111111111111",
		Amount:    "250000",
		Token:     "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	original := PaymentChallenge{
		ID:          "abc123",
		Realm:       "premium-api",
		Method:      "evm",
		Intent:      IntentCharge,
		Request:     request,
		Expires:     "2026-08-30T12:00:00Z",
		Description: "one article",
	}

	header, err := EncodeChallenge(original)
	if err != nil {
		t.Fatalf("encode challenge: %v", err)
	}
	if !strings.HasPrefix(header, Scheme) {
		t.Fatalf("encoded challenge missing scheme prefix: %q", header)
	}

	decoded, err := DecodeChallenge(header)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	if decoded.ID != original.ID || decoded.Realm != original.Realm ||
		decoded.Method != original.Method || decoded.Intent != original.Intent ||
		decoded.Expires != original.Expires || decoded.Description != original.Description {
		t.Errorf("decoded challenge differs: got %+v want %+v", decoded, original)
	}

	req, err := decoded.PaymentRequest()
	if err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	if req.Amount != "250000" {
		t.Errorf("request amount = %q, want 250000", req.Amount)
	}
}

func TestChallengeOptionalFieldsOmitted(t *testing.T) {
	header, err := EncodeChallenge(PaymentChallenge{
		ID:      "id1",
		Realm:   "r",
		Method:  "evm",
		Intent:  IntentCharge,
		Request: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("encode challenge: %v", err)
	}

	if strings.Contains(header, "expires=") {
		t.Errorf("empty expires should be omitted: %q", header)
	}
	if strings.Contains(header, "description=") {
		t.Errorf("empty description should be omitted: %q", header)
	}

	decoded, err := DecodeChallenge(header)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if decoded.Expires != "" || decoded.Description != "" {
		t.Errorf("optional fields should decode empty, got %+v", decoded)
	}
}

func TestChallengeRoundTripPreservesAwkwardValues(t *testing.T) {
	original := PaymentChallenge{
		ID:          "id1",
		Realm:       "premium api, tier 2 (beta)",
		Method:      "evm",
		Intent:      IntentCharge,
		Request:     json.RawMessage(`{}`),
		Description: "one article = one payment; 50% off",
	}

	header, err := EncodeChallenge(original)
	if err != nil {
		t.Fatalf("encode challenge: %v", err)
	}
	decoded, err := DecodeChallenge(header)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if decoded.Realm != original.Realm {
		t.Errorf("realm = %q, want %q", decoded.Realm, original.Realm)
	}
	if decoded.Description != original.Description {
		t.Errorf("description = %q, want %q", decoded.Description, original.Description)
	}
}

func TestEncodeChallengeRejectsUnsafeValues(t *testing.T) {
	base := PaymentChallenge{
		ID:      "id1",
		Realm:   "r",
		Method:  "evm",
		Intent:  IntentCharge,
		Request: json.RawMessage(`{}`),
	}

	tests := []struct {
		name   string
		mutate func(*PaymentChallenge)
	}{
		{"quote in realm", func(c *PaymentChallenge) { c.Realm = `pre"mium` }},
		{"backslash in realm", func(c *PaymentChallenge) { c.Realm = `back\slash` }},
		{"tab in description", func(c *PaymentChallenge) { c.Description = "tab\there" }},
		{"newline in description", func(c *PaymentChallenge) { c.Description = "line\nbreak" }},
		{"control in id", func(c *PaymentChallenge) { c.ID = "id\x01" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			_, err := EncodeChallenge(c)
			if err == nil {
				t.Fatal("expected encode error")
			}
			if KindOf(err) != KindMalformedProof {
				t.Errorf("kind = %s, want %s", KindOf(err), KindMalformedProof)
			}
		})
	}
}

func TestDecodeChallengeMalformed(t *testing.T) {
	valid, err := EncodeChallenge(PaymentChallenge{
		ID:      "id1",
		Realm:   "r",
		Method:  "evm",
		Intent:  IntentCharge,
		Request: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("encode challenge: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"wrong scheme", strings.Replace(valid, "Payment ", "Bearer ", 1)},
		{"missing id", `Payment realm="r", method="evm", intent="charge", request="e30"`},
		{"missing realm", `Payment id="x", method="evm", intent="charge", request="e30"`},
		{"missing method", `Payment id="x", realm="r", intent="charge", request="e30"`},
		{"missing intent", `Payment id="x", realm="r", method="evm", request="e30"`},
		{"missing request", `Payment id="x", realm="r", method="evm", intent="charge"`},
		{"unquoted value", `Payment id=x, realm="r", method="evm", intent="charge", request="e30"`},
		{"unterminated value", `Payment id="x, realm="r"`},
		{"bad separator", `Payment id="x",realm="r", method="evm", intent="charge", request="e30"`},
		{"request not base64url", `Payment id="x", realm="r", method="evm", intent="charge", request="%%%"`},
		{"request not json", `Payment id="x", realm="r", method="evm", intent="charge", request="` + base64.RawURLEncoding.EncodeToString([]byte("not json")) + `"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeChallenge(tc.header)
			if err == nil {
				t.Fatalf("expected error for %q", tc.header)
			}
			if KindOf(err) != KindMalformedProof {
				t.Errorf("kind = %s, want %s", KindOf(err), KindMalformedProof)
			}
		})
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	original := PaymentCredential{
		ID:      "challenge-7",
		Payload: json.RawMessage(`{"method":"evm","txHash":"0xabc"}`),
	}

	header, err := EncodeCredential(original)
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	if !strings.HasPrefix(header, Scheme) {
		t.Fatalf("credential header missing scheme: %q", header)
	}

	decoded, err := DecodeCredential(header)
	if err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	if decoded.ID != original.ID {
		t.Errorf("id = %q, want %q", decoded.ID, original.ID)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Errorf("payload = %s, want %s", decoded.Payload, original.Payload)
	}
}

func TestDecodeCredentialMalformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no scheme", "e30"},
		{"wrong scheme", "Bearer e30"},
		{"not base64url", "Payment !!!"},
		{"not json", "Payment " + base64.RawURLEncoding.EncodeToString([]byte("plain"))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCredential(tc.header)
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *PaymentError
			if !errors.As(err, &pe) || pe.Kind != KindMalformedProof {
				t.Errorf("expected malformed_proof PaymentError, got %v", err)
			}
		})
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	original := PaymentReceipt{
		TxHash:    "0xdeadbeef",
		Amount:    "1000000",
		Token:     "0x2222222222222222222222222222222222222222",
		Payer:     "0x3333333333333333333333333333333333333333",
		Recipient: "0x1111111111111111111111111111111111111111",
		Timestamp: 1767225600,
	}

	header, err := EncodeReceipt(original)
	if err != nil {
		t.Fatalf("encode receipt: %v", err)
	}
	if strings.Contains(header, "=") {
		t.Errorf("receipt encoding must be unpadded base64url: %q", header)
	}

	decoded, err := DecodeReceipt(header)
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if decoded != original {
		t.Errorf("decoded receipt = %+v, want %+v", decoded, original)
	}
}

func TestGenerateChallengeIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateChallengeID()
		if err != nil {
			t.Fatalf("generate id: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate challenge id %q", id)
		}
		seen[id] = true
		if _, err := base64.RawURLEncoding.DecodeString(id); err != nil {
			t.Errorf("id %q is not base64url: %v", id, err)
		}
	}
}
