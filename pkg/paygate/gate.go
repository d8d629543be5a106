package paygate

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/internal/replay"
)

type contextKey string

const contextKeyReceipt contextKey = "paygate.receipt"

// Config describes the payment a gate demands for its protected resources.
type Config struct {
	Realm        string
	Method       string
	Intent       Intent
	Recipient    string
	Amount       string // base units
	Token        string
	Description  string
	MaxAge       time.Duration // maximum settlement age accepted by the verifier
	ChallengeTTL time.Duration // advisory expiry stamped on issued challenges
}

// Gate admits or denies requests to a protected resource based on
// payment credentials. It owns its replay store and verifier handle for
// its lifetime; all other state is per-request.
type Gate struct {
	cfg      Config
	verifier Verifier
	replay   replay.Store
	metrics  *metrics.Metrics
	clock    func() time.Time
}

// New builds a gate over the given verifier and replay store. The
// configuration is validated up front: a misconfigured gate is a
// deployment error, not something to discover per-request.
func New(cfg Config, verifier Verifier, replayStore replay.Store) (*Gate, error) {
	if verifier == nil {
		return nil, errors.New("paygate: verifier is required")
	}
	if replayStore == nil {
		return nil, errors.New("paygate: replay store is required")
	}
	if cfg.Realm == "" {
		return nil, errors.New("paygate: realm is required")
	}
	if cfg.Method == "" {
		return nil, errors.New("paygate: method is required")
	}
	// These fields travel verbatim inside quoted challenge parameters.
	if !wireSafe(cfg.Realm) || !wireSafe(cfg.Method) || !wireSafe(cfg.Description) {
		return nil, errors.New("paygate: realm, method, and description must not contain quote, backslash, or control characters")
	}
	if cfg.Recipient == "" {
		return nil, errors.New("paygate: recipient is required")
	}
	if _, err := ParseAmount(cfg.Amount); err != nil {
		return nil, errors.New("paygate: amount must be a non-negative base-unit integer")
	}
	if cfg.Token == "" {
		return nil, errors.New("paygate: token is required")
	}
	if cfg.Intent == "" {
		cfg.Intent = IntentCharge
	}
	if !cfg.Intent.Valid() {
		return nil, errors.New("paygate: unknown intent")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}

	return &Gate{
		cfg:      cfg,
		verifier: verifier,
		replay:   replayStore,
		clock:    time.Now,
	}, nil
}

// WithMetrics adds metrics collection to the gate.
func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

// NewChallenge issues a fresh challenge for the gate's payment terms.
// Each challenge carries a random identifier; identifiers are never
// reused within their lifetime window.
func (g *Gate) NewChallenge() (PaymentChallenge, error) {
	id, err := GenerateChallengeID()
	if err != nil {
		return PaymentChallenge{}, err
	}

	request, err := encodeJSON(PaymentRequest{
		Recipient: g.cfg.Recipient,
		Amount:    g.cfg.Amount,
		Token:     g.cfg.Token,
	})
	if err != nil {
		return PaymentChallenge{}, err
	}

	return PaymentChallenge{
		ID:          id,
		Realm:       g.cfg.Realm,
		Method:      g.cfg.Method,
		Intent:      g.cfg.Intent,
		Request:     request,
		Expires:     g.clock().Add(g.cfg.ChallengeTTL).UTC().Format(time.RFC3339),
		Description: g.cfg.Description,
	}, nil
}

// Middleware enforces the payment gate before calling the downstream
// handler. The state machine per request: no credential issues a 402
// challenge; a present credential is decoded, verified, and checked
// against the replay store; only then does the protected handler run,
// with the receipt attached to the request context and the
// Payment-Receipt header set.
func (g *Gate) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			auth := strings.TrimSpace(r.Header.Get(HeaderCredential))
			if !strings.HasPrefix(auth, Scheme) {
				g.issueChallenge(w, r)
				return
			}

			credential, err := DecodeCredential(auth)
			if err != nil {
				log.Debug().Err(err).Msg("gate.credential_malformed")
				WriteError(w, err)
				return
			}

			// Blocking chain RPC; no gate lock is held here.
			verifyStart := g.clock()
			receipt, err := g.verifier.Verify(r.Context(), credential, Expected{
				Recipient: g.cfg.Recipient,
				Amount:    g.cfg.Amount,
				Token:     g.cfg.Token,
				MaxAge:    g.cfg.MaxAge,
			})
			if g.metrics != nil {
				outcome := "success"
				if err != nil {
					outcome = string(KindOf(err))
				}
				g.metrics.ObserveVerification(g.cfg.Method, outcome, time.Since(verifyStart))
			}
			if err != nil {
				log.Info().
					Err(err).
					Str("kind", string(KindOf(err))).
					Str("credential_id", credential.ID).
					Msg("gate.verification_failed")
				WriteError(w, err)
				return
			}

			if !g.replay.MarkUsed(r.Context(), receipt.TxHash) {
				// A spent settlement is indistinguishable from forgery at
				// this layer; replay takes precedence over the validity
				// checks that already passed.
				if g.metrics != nil {
					g.metrics.ObserveReplayDenied()
				}
				log.Warn().
					Str("tx_hash", logger.Truncate(receipt.TxHash)).
					Msg("gate.replay_denied")
				WriteError(w, Errorf(KindVerificationFailed, "settlement already used"))
				return
			}

			encoded, err := EncodeReceipt(receipt)
			if err != nil {
				log.Error().Err(err).Msg("gate.receipt_encode_failed")
				WriteError(w, NewPaymentError(KindVerificationFailed, "receipt could not be issued", err))
				return
			}

			log.Info().
				Str("tx_hash", logger.Truncate(receipt.TxHash)).
				Str("payer", logger.Truncate(receipt.Payer)).
				Str("amount", receipt.Amount).
				Msg("gate.payment_admitted")

			w.Header().Set(HeaderReceipt, encoded)
			ctx := ContextWithReceipt(r.Context(), receipt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// issueChallenge responds with 402 and a fresh WWW-Authenticate challenge.
func (g *Gate) issueChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := g.NewChallenge()
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("gate.challenge_failed")
		http.Error(w, "challenge generation failed", http.StatusInternalServerError)
		return
	}

	encoded, err := EncodeChallenge(challenge)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("gate.challenge_failed")
		http.Error(w, "challenge generation failed", http.StatusInternalServerError)
		return
	}

	if g.metrics != nil {
		g.metrics.ObserveChallenge(g.cfg.Realm)
	}

	w.Header().Set(HeaderChallenge, encoded)
	WriteError(w, Errorf(KindPaymentRequired, "payment required for realm %q", g.cfg.Realm))
}

// ContextWithReceipt attaches a receipt to the context the way the
// gate does for admitted requests.
func ContextWithReceipt(ctx context.Context, receipt PaymentReceipt) context.Context {
	return context.WithValue(ctx, contextKeyReceipt, receipt)
}

// ReceiptFromContext retrieves the receipt attached by the gate, for
// protected handlers that need the settlement details.
func ReceiptFromContext(ctx context.Context) (PaymentReceipt, bool) {
	receipt, ok := ctx.Value(contextKeyReceipt).(PaymentReceipt)
	return receipt, ok
}
