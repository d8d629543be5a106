package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/internal/rpcutil"
	"github.com/tollgatepay/server/pkg/paygate"
)

// Method is the settlement method identifier for EVM chains.
const Method = "evm"

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// credentialPayload is the method-specific payload carried inside an
// EVM credential: a reference to the settling transaction.
type credentialPayload struct {
	Method string `json:"method"`
	TxHash string `json:"txHash"`
}

// chainReader is the slice of the EVM RPC surface the verifier needs.
// *ethclient.Client satisfies it.
type chainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Verifier confirms payment credentials against an EVM chain: the
// referenced transaction must be mined, successful, and contain an
// ERC-20 transfer of the expected token to the expected recipient.
type Verifier struct {
	client  chainReader
	rpc     *ethclient.Client
	clock   func() time.Time
	metrics *metrics.Metrics
	chain   string
}

// NewVerifier creates a verifier backed by an EVM JSON-RPC endpoint.
func NewVerifier(rpcURL string) (*Verifier, error) {
	if rpcURL == "" {
		return nil, errors.New("paygate evm: rpc url required")
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: dial rpc: %w", err)
	}
	return &Verifier{
		client: client,
		rpc:    client,
		clock:  time.Now,
		chain:  "evm",
	}, nil
}

// Close releases the underlying RPC connection when the verifier owns one.
func (v *Verifier) Close() {
	if v.rpc != nil {
		v.rpc.Close()
	}
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
	if payload.TxHash == "" {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindMalformedProof, "credential payload missing txHash")
	}
	if len(payload.TxHash) != 66 || payload.TxHash[:2] != "0x" {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindMalformedProof, "txHash %q is not a 32-byte hex hash", payload.TxHash)
	}
	if !common.IsHexAddress(expected.Recipient) {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "recipient %q is not an EVM address", expected.Recipient)
	}
	if !common.IsHexAddress(expected.Token) {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "token %q is not an EVM address", expected.Token)
	}
	wantAmount, err := paygate.ParseAmount(expected.Amount)
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "expected amount is malformed", err)
	}

	txHash := common.HexToHash(payload.TxHash)
	recipient := common.HexToAddress(expected.Recipient)
	token := common.HexToAddress(expected.Token)

	rpcStart := time.Now()
	receipt, err := rpcutil.WithRetry(ctx, func() (*types.Receipt, error) {
		return v.client.TransactionReceipt(ctx, txHash)
	})
	if v.metrics != nil {
		v.metrics.ObserveRPCCall("TransactionReceipt", v.chain, time.Since(rpcStart), err)
	}
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "transaction %s not found on chain", payload.TxHash)
		}
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "transaction receipt lookup failed", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindVerificationFailed, "transaction %s reverted", payload.TxHash)
	}

	// Timeliness gates before value checks: a stale settlement is
	// rejected even if its amount would cover the charge.
	headerStart := time.Now()
	header, err := rpcutil.WithRetry(ctx, func() (*types.Header, error) {
		return v.client.HeaderByNumber(ctx, receipt.BlockNumber)
	})
	if v.metrics != nil {
		v.metrics.ObserveRPCCall("HeaderByNumber", v.chain, time.Since(headerStart), err)
	}
	if err != nil {
		return paygate.PaymentReceipt{}, paygate.NewPaymentError(paygate.KindVerificationFailed, "block header lookup failed", err)
	}
	minedAt := time.Unix(int64(header.Time), 0)
	if expected.MaxAge > 0 && v.clock().Sub(minedAt) > expected.MaxAge {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindPaymentExpired, "settlement from %s is older than %s", minedAt.UTC().Format(time.RFC3339), expected.MaxAge)
	}

	amount, payer, err := extractTransfer(receipt.Logs, token, recipient)
	if err != nil {
		return paygate.PaymentReceipt{}, err
	}
	if amount.Cmp(wantAmount) < 0 {
		return paygate.PaymentReceipt{}, paygate.Errorf(paygate.KindPaymentInsufficient, "transferred %s of %s, need %s", amount.String(), expected.Token, expected.Amount)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("tx_hash", logger.Truncate(payload.TxHash)).
		Str("payer", logger.Truncate(payer.Hex())).
		Str("amount", amount.String()).
		Msg("evm.transfer_verified")

	return paygate.PaymentReceipt{
		TxHash:    payload.TxHash,
		Amount:    amount.String(),
		Token:     expected.Token,
		Payer:     payer.Hex(),
		Recipient: expected.Recipient,
		Timestamp: minedAt.Unix(),
	}, nil
}

// extractTransfer scans receipt logs for ERC-20 Transfer events to the
// recipient. Transfers of the expected token are summed; a transfer to
// the recipient in a different token is reported as insufficient, and
// no transfer at all as unverifiable.
func extractTransfer(logs []*types.Log, token, recipient common.Address) (*big.Int, common.Address, error) {
	total := new(big.Int)
	var payer common.Address
	sawRecipient := false

	for _, entry := range logs {
		if len(entry.Topics) != 3 || entry.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(entry.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		sawRecipient = true
		if entry.Address != token {
			continue
		}
		payer = common.BytesToAddress(entry.Topics[1].Bytes())
		total.Add(total, new(big.Int).SetBytes(entry.Data))
	}

	if total.Sign() > 0 {
		return total, payer, nil
	}
	if sawRecipient {
		return nil, common.Address{}, paygate.Errorf(paygate.KindPaymentInsufficient, "transfer to recipient used a different token than %s", token.Hex())
	}
	return nil, common.Address{}, paygate.Errorf(paygate.KindVerificationFailed, "no token transfer to %s found in transaction", recipient.Hex())
}
