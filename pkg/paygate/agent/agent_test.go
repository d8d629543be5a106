package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tollgatepay/server/pkg/paygate"
)

type fakeWallet struct {
	payload json.RawMessage
	err     error
	calls   int
	lastReq paygate.PaymentRequest
}

func (f *fakeWallet) Pay(ctx context.Context, request paygate.PaymentRequest) (json.RawMessage, error) {
	f.calls++
	f.lastReq = request
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func TestNewValidation(t *testing.T) {
	validKey := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"non-hex key", Config{PrivateKey: "invalid"}, "invalid privateKey format"},
		{"short key", Config{PrivateKey: "0x123"}, "invalid privateKey format"},
		{"key too long", Config{PrivateKey: validKey + "ff"}, "invalid privateKey format"},
		{"no key no wallet", Config{}, "either privateKey or walletClient is required"},
		{"key without rpc", Config{PrivateKey: validKey}, "invalid rpcUrl format"},
		{"malformed rpc url", Config{PrivateKey: validKey, RPCURL: "not a url"}, "invalid rpcUrl format"},
		{"rpc without host", Config{PrivateKey: validKey, RPCURL: "http://"}, "invalid rpcUrl format"},
		{"bad fee token", Config{WalletClient: &fakeWallet{}, FeeToken: "USDC"}, "invalid feeToken address"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			if err == nil {
				t.Fatal("expected construction error")
			}
			if err.Error() != tc.wantErr {
				t.Errorf("error = %q, want %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestNewWithWalletClient(t *testing.T) {
	agent, err := New(Config{
		WalletClient: &fakeWallet{},
		FeeToken:     "0x2222222222222222222222222222222222222222",
	})
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if agent.settleTimeout != 60*time.Second {
		t.Errorf("default settle timeout = %v, want 60s", agent.settleTimeout)
	}
}

func TestNewPrefersWalletClientOverKey(t *testing.T) {
	wallet := &fakeWallet{payload: json.RawMessage(`{"method":"evm","txHash":"0x1"}`)}
	agent, err := New(Config{
		PrivateKey:   strings.Repeat("ab", 32),
		WalletClient: wallet,
	})
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if agent.wallet != wallet {
		t.Error("explicit wallet client must win over the private key path")
	}
}

func encodeChallenge(t *testing.T, c paygate.PaymentChallenge) string {
	t.Helper()
	header, err := paygate.EncodeChallenge(c)
	if err != nil {
		t.Fatalf("encode challenge: %v", err)
	}
	return header
}

// gateServer is a minimal challenge-then-admit server: the first request
// without credentials gets a 402, a request carrying the expected
// credential gets the content.
func gateServer(t *testing.T, challenge paygate.PaymentChallenge, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		auth := r.Header.Get(paygate.HeaderCredential)
		if !strings.HasPrefix(auth, paygate.Scheme) {
			w.Header().Set(paygate.HeaderChallenge, encodeChallenge(t, challenge))
			paygate.WriteError(w, paygate.Errorf(paygate.KindPaymentRequired, "payment required"))
			return
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "the content")
	}))
}

func testChallenge(t *testing.T) paygate.PaymentChallenge {
	t.Helper()
	return paygate.PaymentChallenge{
		ID:     "ch-42",
		Realm:  "premium",
		Method: "evm",
		Intent: paygate.IntentCharge,
		Request: json.RawMessage(`{
			"recipient": "0x1111111111111111111111111111111111111111",
			"amount": "250000",
			"token": "0x2222222222222222222222222222222222222222"
		}`),
	}
}

func TestDoSettlesChallengeAndRetriesOnce(t *testing.T) {
	wallet := &fakeWallet{payload: json.RawMessage(`{"method":"evm","txHash":"0xsettled"}`)}

	var requests int
	var credentialSeen paygate.PaymentCredential
	srv := gateServer(t, testChallenge(t), func(r *http.Request) {
		requests++
		if auth := r.Header.Get(paygate.HeaderCredential); auth != "" {
			cred, err := paygate.DecodeCredential(auth)
			if err != nil {
				t.Errorf("server received undecodable credential: %v", err)
				return
			}
			credentialSeen = cred
		}
	})
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := agent.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "the content" {
		t.Errorf("body = %q", body)
	}

	if requests != 2 {
		t.Errorf("server saw %d requests, want 2 (challenge + retry)", requests)
	}
	if wallet.calls != 1 {
		t.Errorf("wallet.Pay called %d times, want 1", wallet.calls)
	}
	if wallet.lastReq.Amount != "250000" || wallet.lastReq.Recipient != "0x1111111111111111111111111111111111111111" {
		t.Errorf("wallet received wrong terms: %+v", wallet.lastReq)
	}
	if credentialSeen.ID != "ch-42" {
		t.Errorf("credential id = %q, want the challenge id", credentialSeen.ID)
	}
	if string(credentialSeen.Payload) != string(wallet.payload) {
		t.Errorf("credential payload = %s, want the wallet's payload", credentialSeen.Payload)
	}
}

func TestDoPassesThroughNonChallengeResponses(t *testing.T) {
	wallet := &fakeWallet{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := agent.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want passthrough 418", resp.StatusCode)
	}
	if wallet.calls != 0 {
		t.Error("wallet must not run without a challenge")
	}
}

func TestDoSecondChallengeIsTerminal(t *testing.T) {
	wallet := &fakeWallet{payload: json.RawMessage(`{"method":"evm","txHash":"0x1"}`)}

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set(paygate.HeaderChallenge, encodeChallenge(t, testChallenge(t)))
		paygate.WriteError(w, paygate.Errorf(paygate.KindPaymentRequired, "payment required"))
	}))
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = agent.Do(req)
	if err == nil {
		t.Fatal("expected terminal failure on second 402")
	}

	var failure *PaymentFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *PaymentFailureError", err)
	}
	if requests != 2 {
		t.Errorf("server saw %d requests, want exactly 2", requests)
	}
	if wallet.calls != 1 {
		t.Errorf("wallet.Pay called %d times, want exactly 1", wallet.calls)
	}
}

func TestDoRejectsForeignFeeToken(t *testing.T) {
	wallet := &fakeWallet{payload: json.RawMessage(`{}`)}
	srv := gateServer(t, testChallenge(t), nil)
	defer srv.Close()

	agent, err := New(Config{
		WalletClient: wallet,
		FeeToken:     "0x9999999999999999999999999999999999999999",
	})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = agent.Do(req)
	if err == nil {
		t.Fatal("expected failure for challenge in a foreign token")
	}
	var failure *PaymentFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *PaymentFailureError", err)
	}
	if wallet.calls != 0 {
		t.Error("wallet must not pay a challenge in a foreign token")
	}
}

func TestDoWalletFailurePreservesCause(t *testing.T) {
	cause := errors.New("insufficient funds")
	wallet := &fakeWallet{err: cause}
	srv := gateServer(t, testChallenge(t), nil)
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = agent.Do(req)
	if err == nil {
		t.Fatal("expected settlement failure")
	}
	if !errors.Is(err, cause) {
		t.Errorf("failure must preserve the wallet error in its chain, got %v", err)
	}
}

func TestDoMalformedChallengeFails(t *testing.T) {
	wallet := &fakeWallet{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(paygate.HeaderChallenge, "Payment id=garbage")
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err = agent.Do(req)
	if err == nil {
		t.Fatal("expected failure for undecodable challenge")
	}
	var failure *PaymentFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("error type = %T, want *PaymentFailureError", err)
	}
	if wallet.calls != 0 {
		t.Error("wallet must not run on an undecodable challenge")
	}
}

func TestDoResendsBodyOnRetry(t *testing.T) {
	wallet := &fakeWallet{payload: json.RawMessage(`{"method":"evm","txHash":"0x1"}`)}

	var bodies []string
	srv := gateServer(t, testChallenge(t), func(r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
	})
	defer srv.Close()

	agent, err := New(Config{WalletClient: wallet})
	if err != nil {
		t.Fatalf("build agent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"query":"q"}`))
	resp, err := agent.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("server saw %d bodies, want 2", len(bodies))
	}
	if bodies[0] != bodies[1] || bodies[1] != `{"query":"q"}` {
		t.Errorf("retry must resend the original body, got %q then %q", bodies[0], bodies[1])
	}
}
