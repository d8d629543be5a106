package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/pkg/paygate"
)

// erc20TransferSelector is the 4-byte selector of transfer(address,uint256).
var erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// fallbackGasLimit is used when gas estimation fails; generous enough
// for any plain ERC-20 transfer.
const fallbackGasLimit = 120_000

// chainWriter is the slice of the EVM RPC surface the wallet needs.
// *ethclient.Client satisfies it.
type chainWriter interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Wallet settles payment requests by submitting ERC-20 transfers from
// a locally held key. It is the agent's chain collaborator for the evm
// settlement method.
type Wallet struct {
	client chainWriter
	key    *ecdsa.PrivateKey
	from   common.Address
}

// NewWallet creates a wallet from a hex private key and an RPC endpoint.
func NewWallet(privateKeyHex, rpcURL string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("paygate evm: parse private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: dial rpc: %w", err)
	}
	return &Wallet{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the wallet's sending address.
func (w *Wallet) Address() string {
	return w.from.Hex()
}

// Pay submits an ERC-20 transfer satisfying the payment request, waits
// for it to be mined, and returns the credential payload referencing
// the confirmed transaction. Confirmation waits until ctx is done.
func (w *Wallet) Pay(ctx context.Context, request paygate.PaymentRequest) (json.RawMessage, error) {
	if !common.IsHexAddress(request.Recipient) {
		return nil, fmt.Errorf("paygate evm: recipient %q is not an address", request.Recipient)
	}
	if !common.IsHexAddress(request.Token) {
		return nil, fmt.Errorf("paygate evm: token %q is not an address", request.Token)
	}
	amount, err := paygate.ParseAmount(request.Amount)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: %w", err)
	}

	recipient := common.HexToAddress(request.Recipient)
	token := common.HexToAddress(request.Token)

	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	chainID, err := w.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: chain id: %w", err)
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: gas price: %w", err)
	}
	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From: w.from,
		To:   &token,
		Data: data,
	})
	if err != nil {
		gasLimit = fallbackGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: sign transaction: %w", err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("paygate evm: send transaction: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("tx_hash", logger.Truncate(signed.Hash().Hex())).
		Str("token", logger.Truncate(request.Token)).
		Str("amount", request.Amount).
		Msg("evm.settlement_submitted")

	start := time.Now()
	receipt, err := bind.WaitMined(ctx, w.client, signed)
	if err != nil {
		return nil, fmt.Errorf("paygate evm: wait for confirmation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errors.New("paygate evm: settlement transaction reverted")
	}

	log.Info().
		Str("tx_hash", logger.Truncate(signed.Hash().Hex())).
		Dur("confirmation_time_ms", time.Since(start)).
		Msg("evm.settlement_confirmed")

	return json.Marshal(credentialPayload{
		Method: Method,
		TxHash: signed.Hash().Hex(),
	})
}
