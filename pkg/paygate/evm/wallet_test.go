package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tollgatepay/server/pkg/paygate"
)

type fakeWriter struct {
	sent       *types.Transaction
	estimateEr error
	sendEr     error
	status     uint64
}

func (f *fakeWriter) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeWriter) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeWriter) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeWriter) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateEr != nil {
		return 0, f.estimateEr
	}
	return 60_000, nil
}

func (f *fakeWriter) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendEr != nil {
		return f.sendEr
	}
	f.sent = tx
	return nil
}

func (f *fakeWriter) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.sent == nil || txHash != f.sent.Hash() {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, BlockNumber: big.NewInt(1)}, nil
}

func (f *fakeWriter) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{1}, nil
}

func testWallet(t *testing.T, client chainWriter) *Wallet {
	t.Helper()
	key, err := crypto.HexToECDSA(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return &Wallet{
		client: client,
		key:    key,
		from:   crypto.PubkeyToAddress(key.PublicKey),
	}
}

func testRequest() paygate.PaymentRequest {
	return paygate.PaymentRequest{
		Recipient: testRecipient.Hex(),
		Amount:    "250000",
		Token:     testToken.Hex(),
	}
}

func TestPaySubmitsTransferAndReturnsCredential(t *testing.T) {
	writer := &fakeWriter{status: types.ReceiptStatusSuccessful}
	wallet := testWallet(t, writer)

	payload, err := wallet.Pay(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}

	var cred credentialPayload
	if err := json.Unmarshal(payload, &cred); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if cred.Method != Method {
		t.Errorf("method = %q, want evm", cred.Method)
	}
	if writer.sent == nil {
		t.Fatal("no transaction submitted")
	}
	if cred.TxHash != writer.sent.Hash().Hex() {
		t.Errorf("payload references %q, submitted %q", cred.TxHash, writer.sent.Hash().Hex())
	}

	// The transfer targets the token contract with zero native value.
	if *writer.sent.To() != testToken {
		t.Errorf("tx to = %s, want token contract", writer.sent.To().Hex())
	}
	if writer.sent.Value().Sign() != 0 {
		t.Errorf("tx value = %s, want 0", writer.sent.Value())
	}
	data := writer.sent.Data()
	if len(data) != 4+32+32 {
		t.Fatalf("calldata length = %d", len(data))
	}
	if common.BytesToAddress(data[4:36]) != testRecipient {
		t.Errorf("calldata recipient = %s", common.BytesToAddress(data[4:36]).Hex())
	}
	if new(big.Int).SetBytes(data[36:68]).String() != "250000" {
		t.Errorf("calldata amount = %s", new(big.Int).SetBytes(data[36:68]))
	}
	if writer.sent.Nonce() != 7 {
		t.Errorf("nonce = %d, want pending nonce", writer.sent.Nonce())
	}
}

func TestPayFallsBackWhenEstimationFails(t *testing.T) {
	writer := &fakeWriter{
		status:     types.ReceiptStatusSuccessful,
		estimateEr: ethereum.NotFound,
	}
	wallet := testWallet(t, writer)

	if _, err := wallet.Pay(context.Background(), testRequest()); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if writer.sent.Gas() != fallbackGasLimit {
		t.Errorf("gas = %d, want fallback %d", writer.sent.Gas(), fallbackGasLimit)
	}
}

func TestPayRejectsBadRequests(t *testing.T) {
	wallet := testWallet(t, &fakeWriter{status: types.ReceiptStatusSuccessful})

	tests := []struct {
		name    string
		request paygate.PaymentRequest
	}{
		{"bad recipient", paygate.PaymentRequest{Recipient: "nope", Amount: "1", Token: testToken.Hex()}},
		{"bad token", paygate.PaymentRequest{Recipient: testRecipient.Hex(), Amount: "1", Token: "nope"}},
		{"bad amount", paygate.PaymentRequest{Recipient: testRecipient.Hex(), Amount: "1.5", Token: testToken.Hex()}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := wallet.Pay(context.Background(), tc.request); err == nil {
				t.Error("expected request validation error")
			}
		})
	}
}

func TestPayRevertedSettlementFails(t *testing.T) {
	writer := &fakeWriter{status: types.ReceiptStatusFailed}
	wallet := testWallet(t, writer)

	if _, err := wallet.Pay(context.Background(), testRequest()); err == nil {
		t.Error("expected error for reverted settlement")
	}
}
