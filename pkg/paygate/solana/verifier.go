package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/internal/rpcutil"
	"github.com/tollgatepay/server/pkg/paygate"
)

// Method is the settlement method identifier for Solana SPL transfers.
const Method = "solana"

// credentialPayload is the method-specific payload carried inside a
// Solana credential: the signature of the settling transaction.
type credentialPayload struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// txFetcher is the slice of the Solana RPC surface the verifier needs.
// *rpc.Client satisfies it.
type txFetcher interface {
	GetParsedTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetParsedTransactionOpts) (*rpc.GetParsedTransactionResult, error)
}

// Verifier confirms payment credentials against the Solana blockchain:
// the referenced transaction must be confirmed and contain an SPL
// transfer of the expected mint to the recipient's associated token
// account. The verifier only reads chain state; settlement submission
// is the payer's concern.
type Verifier struct {
	client     txFetcher
	rpc        *rpc.Client
	commitment rpc.CommitmentType
	clock      func() time.Time
	metrics    *metrics.Metrics
	chain      string
}

// NewVerifier creates a verifier backed by a Solana RPC endpoint.
func NewVerifier(rpcURL string) (*Verifier, error) {
	if rpcURL == "" {
		return nil, errors.New("paygate solana: rpc url required")
	}
	client := rpc.New(rpcURL)
	return &Verifier{
		client:     client,
		rpc:        client,
		commitment: rpc.CommitmentFinalized,
		clock:      time.Now,
		chain:      "solana",
	}, nil
}

// Close releases the underlying RPC connection when the verifier owns one.
func (v *Verifier) Close() error {
	if v.rpc != nil {
		return v.rpc.Close()
	}
	return nil
}

// WithCommitment overrides the confirmation commitment level.
func (v *Verifier) WithCommitment(commitment rpc.CommitmentType) *Verifier {
	if commitment != "" {
		v.commitment = commitment
	}
	return v
}

// WithMetrics adds metrics collection to the verifier.
func (v *Verifier) WithMetrics(m *metrics.Metrics, chain string) *Verifier {
	v.metrics = m
	if chain != "" {
		v.chain = chain
	}
	return v
}

// Verify implements paygate.Verifier.
func (v *Verifier) Verify(ctx context.Context, credential paygate.PaymentCredential, expected paygate.Expected) (paygate.PaymentReceipt, error) {
	var payload credentialPayload
	if err := json.Unmarshal(credential.Payload, &payload); err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindMalformedProof, "credential payload does not decode", err)
	}
	if payload.Signature == "" {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindMalformedProof, "credential payload missing signature")
	}
	signature, err := solana.SignatureFromBase58(payload.Signature)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindMalformedProof, "signature is not base58", err)
	}

	owner, err := solana.PublicKeyFromBase58(expected.Recipient)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "recipient is not a Solana address", err)
	}
	mint, err := solana.PublicKeyFromBase58(expected.Token)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "token is not a Solana mint", err)
	}
	wantAmount, err := paygate.ParseAmount(expected.Amount)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "expected amount is malformed", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "derive recipient token account", err)
	}

	rpcStart := time.Now()
	result, err := rpcutil.WithRetry(ctx, func() (*rpc.GetParsedTransactionResult, error) {
		return v.client.GetParsedTransaction(ctx, signature, &rpc.GetParsedTransactionOpts{
			Commitment: v.commitment,
		})
	})
	if v.metrics != nil {
		v.metrics.ObserveRPCCall("GetParsedTransaction", v.chain, time.Since(rpcStart), err)
	}
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "transaction lookup failed", err)
	}
	if result == nil || result.Transaction == nil || result.Meta == nil {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "transaction %s not found on chain", logger.Truncate(payload.Signature))
	}
	if result.Meta.Err != nil {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "transaction failed on chain: %v", result.Meta.Err)
	}
	if result.BlockTime == nil {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "transaction has no confirmed block time")
	}
	minedAt := result.BlockTime.Time()
	if expected.MaxAge > 0 && v.clock().Sub(minedAt) > expected.MaxAge {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindPaymentExpired, "settlement from %s is older than %s", minedAt.UTC().Format(time.RFC3339), expected.MaxAge)
	}

	amount, err := extractTokenTransfer(result, destination, mint)
	if err != nil {
		return paygate.PaymentReceipt{}, err
	}
	if amount.Cmp(wantAmount) < 0 {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindPaymentInsufficient, "transferred %s of %s, need %s", amount.String(), expected.Token, expected.Amount)
	}

	payer := findParsedPayer(result.Transaction)

	log := logger.FromContext(ctx)
	log.Debug().
		Str("signature", logger.Truncate(payload.Signature)).
		Str("payer", logger.Truncate(payer)).
		Str("amount", amount.String()).
		Msg("solana.transfer_verified")

	return paygate.PaymentReceipt{
		TxHash:    payload.Signature,
		Amount:    amount.String(),
		Token:     expected.Token,
		Payer:     payer,
		Recipient: expected.Recipient,
		Timestamp: minedAt.Unix(),
	}, nil
}

// extractTokenTransfer finds the SPL transfer to the destination token
// account, checking outer and inner instructions. A wrong-mint payment
// lands in a different associated token account, so "no transfer found"
// covers both missing and mis-denominated settlements.
func extractTokenTransfer(tx *rpc.GetParsedTransactionResult, destination, mint solana.PublicKey) (*big.Int, error) {
	if amount, ok := scanParsedInstructions(tx.Transaction.Message.Instructions, tx.Meta, &tx.Transaction.Message, destination, mint); ok {
		return amount, nil
	}
	for _, inner := range tx.Meta.InnerInstructions {
		if amount, ok := scanParsedInstructions(inner.Instructions, tx.Meta, &tx.Transaction.Message, destination, mint); ok {
			return amount, nil
		}
	}
	return nil, paygate.Errorf(paygate.KindVerificationFailed, "no token transfer to %s found in transaction", destination.String())
}

// scanParsedInstructions scans an instruction list for a matching transfer.
func scanParsedInstructions(instructions []*rpc.ParsedInstruction, meta *rpc.ParsedTransactionMeta, message *rpc.ParsedMessage, destination, mint solana.PublicKey) (*big.Int, bool) {
	for _, inst := range instructions {
		if amount, ok := parseTokenTransfer(inst, meta, message, destination, mint); ok {
			return amount, true
		}
	}
	return nil, false
}

// parseTokenTransfer inspects a single parsed instruction for an SPL
// transfer to the destination account, returning its base-unit amount.
func parseTokenTransfer(inst *rpc.ParsedInstruction, meta *rpc.ParsedTransactionMeta, message *rpc.ParsedMessage, destination, mint solana.PublicKey) (*big.Int, bool) {
	if inst == nil || inst.Parsed == nil {
		return nil, false
	}
	if inst.Program != "spl-token" {
		return nil, false
	}

	info, instructionType, err := extractInstructionInfo(inst)
	if err != nil {
		return nil, false
	}
	if instructionType != "transfer" && instructionType != "transferChecked" {
		return nil, false
	}

	destStr := stringValue(info["destination"])
	if destStr == "" {
		return nil, false
	}
	destKey, err := solana.PublicKeyFromBase58(destStr)
	if err != nil || !destKey.Equals(destination) {
		return nil, false
	}

	if !postBalanceMatches(meta, message, destination, mint) {
		return nil, false
	}

	if mintHint := stringValue(info["mint"]); mintHint != "" {
		hintKey, err := solana.PublicKeyFromBase58(mintHint)
		if err != nil || !hintKey.Equals(mint) {
			return nil, false
		}
	}

	amount, err := parseRawAmount(info)
	if err != nil {
		return nil, false
	}
	return amount, true
}

// parseRawAmount extracts the base-unit token amount from parsed
// instruction info. transferChecked carries a tokenAmount structure;
// plain transfer carries a bare amount string.
func parseRawAmount(info map[string]interface{}) (*big.Int, error) {
	if tokenAmount, ok := info["tokenAmount"].(map[string]interface{}); ok {
		if raw := stringValue(tokenAmount["amount"]); raw != "" {
			return paygate.ParseAmount(raw)
		}
	}
	if raw := stringValue(info["amount"]); raw != "" {
		return paygate.ParseAmount(raw)
	}
	return nil, errors.New("token amount missing")
}

// extractInstructionInfo extracts the info map and type from a parsed instruction.
func extractInstructionInfo(inst *rpc.ParsedInstruction) (map[string]interface{}, string, error) {
	payload, err := inst.Parsed.MarshalJSON()
	if err != nil {
		return nil, "", err
	}
	var decoded struct {
		Info map[string]interface{} `json:"info"`
		Type string                 `json:"type"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, "", err
	}
	if decoded.Info == nil {
		return nil, decoded.Type, errors.New("instruction info missing")
	}
	return decoded.Info, decoded.Type, nil
}

// postBalanceMatches checks that the destination account holds a
// post-balance for the expected mint, guarding against spoofed
// instruction programs.
func postBalanceMatches(meta *rpc.ParsedTransactionMeta, message *rpc.ParsedMessage, destination, mint solana.PublicKey) bool {
	if meta == nil || message == nil {
		return false
	}
	for _, balance := range meta.PostTokenBalances {
		idx := int(balance.AccountIndex)
		if idx >= len(message.AccountKeys) {
			continue
		}
		account := message.AccountKeys[idx].PublicKey
		if account.Equals(destination) && balance.Mint.Equals(mint) {
			return true
		}
	}
	return false
}

// findParsedPayer extracts the first signer from a parsed transaction.
func findParsedPayer(tx *rpc.ParsedTransaction) string {
	if tx == nil {
		return ""
	}
	for _, account := range tx.Message.AccountKeys {
		if account.Signer {
			return account.PublicKey.String()
		}
	}
	return ""
}

// stringValue safely extracts a string from an interface{}.
func stringValue(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
