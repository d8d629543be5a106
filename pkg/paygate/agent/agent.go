// Package agent implements the client side of the payment gate
// protocol: it issues requests, detects 402 challenges, settles them
// on-chain through a wallet collaborator, and retries the original
// request exactly once with the resulting credential.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tollgatepay/server/internal/httputil"
	"github.com/tollgatepay/server/pkg/paygate"
	"github.com/tollgatepay/server/pkg/paygate/evm"
)

// Wallet is the external signer/chain collaborator used to settle a
// challenge. Pay submits and confirms an on-chain transaction covering
// the request and returns the method-specific credential payload
// referencing it.
type Wallet interface {
	Pay(ctx context.Context, request paygate.PaymentRequest) (json.RawMessage, error)
}

// PaymentFailureError wraps any failure of the settlement flow: a
// malformed challenge, a submission error, or a confirmation timeout.
// The underlying cause is preserved for diagnostics.
type PaymentFailureError struct {
	Message string
	Err     error
}

func (e *PaymentFailureError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *PaymentFailureError) Unwrap() error {
	return e.Err
}

func failure(message string, err error) *PaymentFailureError {
	return &PaymentFailureError{Message: message, Err: err}
}

// Config configures an Agent. Either PrivateKey (with RPCURL) or
// WalletClient must be provided; WalletClient wins when both are set.
type Config struct {
	PrivateKey    string        // hex-encoded 32-byte key, 0x prefix optional
	RPCURL        string        // chain RPC endpoint, required when PrivateKey is used
	WalletClient  Wallet        // externally supplied signer, alternative to PrivateKey
	FeeToken      string        // optional: refuse challenges denominated in any other token
	SettleTimeout time.Duration // bound on settlement submission + confirmation
	HTTPClient    *http.Client
}

var privateKeyPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

// Agent settles payment challenges autonomously. Construction is
// fail-fast and performs no network access: a misconfigured agent is
// never returned partially built.
type Agent struct {
	httpClient    *http.Client
	wallet        Wallet
	feeToken      string
	settleTimeout time.Duration
}

// New validates the configuration and builds an agent.
func New(cfg Config) (*Agent, error) {
	if cfg.PrivateKey != "" && !privateKeyPattern.MatchString(cfg.PrivateKey) {
		return nil, errors.New("invalid privateKey format")
	}
	if cfg.PrivateKey == "" && cfg.WalletClient == nil {
		return nil, errors.New("either privateKey or walletClient is required")
	}
	if cfg.RPCURL != "" {
		parsed, err := url.Parse(cfg.RPCURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, errors.New("invalid rpcUrl format")
		}
	}
	if cfg.FeeToken != "" && !common.IsHexAddress(cfg.FeeToken) {
		return nil, errors.New("invalid feeToken address")
	}

	wallet := cfg.WalletClient
	if wallet == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("invalid rpcUrl format")
		}
		w, err := evm.NewWallet(cfg.PrivateKey, cfg.RPCURL)
		if err != nil {
			return nil, err
		}
		wallet = w
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httputil.NewClient()
	}
	settleTimeout := cfg.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = 60 * time.Second
	}

	return &Agent{
		httpClient:    httpClient,
		wallet:        wallet,
		feeToken:      cfg.FeeToken,
		settleTimeout: settleTimeout,
	}, nil
}

// Do issues the request and, if the server answers with a payment
// challenge, settles it and retries the original request exactly once.
// Any response other than the first 402 is returned unchanged; a 402 on
// the retried request is a terminal failure, never a further retry.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, failure("read request body", err)
		}
		body = data
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challengeHeader := resp.Header.Get(paygate.HeaderChallenge)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	credential, err := a.settle(req.Context(), challengeHeader)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
	}
	retry.Header.Set(paygate.HeaderCredential, credential)

	resp, err = a.httpClient.Do(retry)
	if err != nil {
		return nil, failure("retry after settlement", err)
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, failure("server demanded payment again after settlement", nil)
	}
	return resp, nil
}

// settle decodes the challenge, executes the payment through the wallet
// collaborator, and returns the encoded credential header value.
func (a *Agent) settle(ctx context.Context, challengeHeader string) (string, error) {
	challenge, err := paygate.DecodeChallenge(challengeHeader)
	if err != nil {
		return "", failure("decode payment challenge", err)
	}

	request, err := challenge.PaymentRequest()
	if err != nil {
		return "", failure("decode challenge payment terms", err)
	}
	if a.feeToken != "" && request.Token != a.feeToken {
		return "", failure(fmt.Sprintf("challenge demands token %s but agent only pays %s", request.Token, a.feeToken), nil)
	}

	settleCtx, cancel := context.WithTimeout(ctx, a.settleTimeout)
	defer cancel()

	payload, err := a.wallet.Pay(settleCtx, request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", failure("settlement timed out", err)
		}
		return "", failure("settle payment", err)
	}

	encoded, err := paygate.EncodeCredential(paygate.PaymentCredential{
		ID:      challenge.ID,
		Payload: payload,
	})
	if err != nil {
		return "", failure("encode payment credential", err)
	}
	return encoded, nil
}
