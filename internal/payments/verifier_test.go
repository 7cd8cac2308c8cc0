package payments

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/relay/internal/chain"
	"github.com/mbd888/relay/internal/config"
)

var (
	testUSDC   = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testEscrow = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testPayer  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testPayee  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

const testTxHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakeBackend struct {
	receipts     map[common.Hash]*types.Receipt
	txs          map[common.Hash]*types.Transaction
	latest       uint64
	receiptCalls int
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	f.receiptCalls++
	if r, ok := f.receipts[h]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, h common.Hash) (*types.Transaction, bool, error) {
	if tx, ok := f.txs[h]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.latest, nil
}

func testChainConfig() *config.Config {
	return &config.Config{
		DefaultChain: "base-sepolia",
		Chains: map[string]config.ChainConfig{
			"base-sepolia": {
				RPCURL:         "http://unused",
				ChainID:        84532,
				USDCContract:   testUSDC.Hex(),
				EscrowContract: testEscrow.Hex(),
			},
		},
		MinConfirmations: map[string]int{"USDC": 2, "ETH": 2},
	}
}

func newTestVerifier(backend chain.Backend) (*Verifier, *MemoryStore) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clients := chain.NewClients(testChainConfig(), logger).
		WithDialer(func(string) (chain.Backend, error) { return backend, nil })
	store := NewMemoryStore()
	return NewVerifier(clients, store, logger), store
}

// transferLog builds an ERC-20 Transfer event log.
func transferLog(token, from, to common.Address, value *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSig,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.BigToHash(value).Bytes(),
	}
}

func successReceipt(block uint64, logs ...*types.Log) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
}

func TestVerifyTransfer_Synthetic(t *testing.T) {
	v, store := newTestVerifier(&fakeBackend{})

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash:    "relay:settled-offline",
		RequestID: "req-1",
		Amount:    "5",
	})
	if err != nil {
		t.Fatalf("VerifyTransfer: %v", err)
	}
	if !result.Verified {
		t.Fatalf("result not verified: %+v", result)
	}
	if result.Status != StatusSynthetic {
		t.Errorf("status = %q, want %q", result.Status, StatusSynthetic)
	}
	if result.Confirmations != 0 {
		t.Errorf("confirmations = %d, want 0", result.Confirmations)
	}

	record, err := store.GetRecord(context.Background(), "req-1", "relay:settled-offline")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if record.Status != StatusSynthetic {
		t.Errorf("record status = %q, want %q", record.Status, StatusSynthetic)
	}
}

func TestVerifyTransfer_InvalidTxHash(t *testing.T) {
	v, _ := newTestVerifier(&fakeBackend{})

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: "0xnothex"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified || result.Code != CodeInvalidTxHash {
		t.Errorf("result = %+v, want %s", result, CodeInvalidTxHash)
	}
}

func TestVerifyTransfer_RejectsBadAmountBeforeRPC(t *testing.T) {
	backend := &fakeBackend{}
	v, _ := newTestVerifier(backend)

	for _, amount := range []string{"0", "-1", "abc"} {
		result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
			TxHash: testTxHash,
			Amount: amount,
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.Code != CodeInvalidAmount {
			t.Errorf("amount %q: code = %s, want %s", amount, result.Code, CodeInvalidAmount)
		}
	}
	if backend.receiptCalls != 0 {
		t.Errorf("receiptCalls = %d, want 0 (amount rejected before RPC)", backend.receiptCalls)
	}
}

func TestVerifyTransfer_UnsupportedChain(t *testing.T) {
	v, _ := newTestVerifier(&fakeBackend{})

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: testTxHash,
		Chain:  "dogechain",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeUnsupportedChain {
		t.Errorf("code = %s, want %s", result.Code, CodeUnsupportedChain)
	}
}

func TestVerifyTransfer_ReceiptNotFoundIsPending(t *testing.T) {
	v, _ := newTestVerifier(&fakeBackend{latest: 100})

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: testTxHash})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeTxNotFound || !result.Pending {
		t.Errorf("result = %+v, want pending %s", result, CodeTxNotFound)
	}
}

func TestVerifyTransfer_Reverted(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 100,
		receipts: map[common.Hash]*types.Receipt{
			hash: {Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(90)},
		},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: testTxHash})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeTxReverted || result.Pending {
		t.Errorf("result = %+v, want terminal %s", result, CodeTxReverted)
	}
}

func TestVerifyTransfer_BelowConfirmationThresholdIsPending(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 100, // same block as receipt: 1 confirmation, threshold 2
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, transferLog(testUSDC, testPayer, testPayee, big.NewInt(1500000))),
		},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: testTxHash})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeTxUnconfirmed || !result.Pending {
		t.Errorf("result = %+v, want pending %s", result, CodeTxUnconfirmed)
	}
	if result.Confirmations != 1 {
		t.Errorf("confirmations = %d, want 1", result.Confirmations)
	}
}

func TestVerifyTransfer_TokenTransferMatch(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, transferLog(testUSDC, testPayer, testPayee, big.NewInt(1500000))),
		},
	}
	v, store := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash:    testTxHash,
		RequestID: "req-1",
		Payer:     testPayer.Hex(),
		Payee:     testPayee.Hex(),
		Amount:    "1.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}
	if result.Status != StatusVerified {
		t.Errorf("status = %q, want %q", result.Status, StatusVerified)
	}
	if result.Confirmations != 11 {
		t.Errorf("confirmations = %d, want 11", result.Confirmations)
	}
	if result.AmountUnits != "1500000" {
		t.Errorf("amountUnits = %q, want 1500000", result.AmountUnits)
	}

	record, err := store.GetRecord(context.Background(), "req-1", testTxHash)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if record.BlockNumber != 100 {
		t.Errorf("blockNumber = %d, want 100", record.BlockNumber)
	}
}

func TestVerifyTransfer_ReverifyIsIdempotent(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, transferLog(testUSDC, testPayer, testPayee, big.NewInt(1000000))),
		},
	}
	v, _ := newTestVerifier(backend)
	req := VerifyRequest{TxHash: testTxHash, RequestID: "req-1", Amount: "1"}

	first, err := v.VerifyTransfer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := v.VerifyTransfer(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Verified || !second.Verified {
		t.Fatalf("both verifications should pass: %+v / %+v", first, second)
	}
	if second.Record == nil || second.Record.VerifiedAt != first.Record.VerifiedAt {
		t.Error("second verification should return the original record")
	}
}

func TestVerifyTransfer_TxReuseRejected(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, transferLog(testUSDC, testPayer, testPayee, big.NewInt(1000000))),
		},
	}
	v, _ := newTestVerifier(backend)

	if _, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: testTxHash, RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}
	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{TxHash: testTxHash, RequestID: "req-2"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Verified || result.Code != CodeTxReused {
		t.Errorf("result = %+v, want %s", result, CodeTxReused)
	}
}

func TestVerifyTransfer_AmountMismatchDoesNotMatch(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, transferLog(testUSDC, testPayer, testPayee, big.NewInt(1000000))),
		},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: testTxHash,
		Amount: "2", // transfer carried 1 USDC
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeTransferNotMatched {
		t.Errorf("code = %s, want %s", result.Code, CodeTransferNotMatched)
	}
}

func TestVerifyTransfer_IgnoresOtherTokensAndEvents(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	otherToken := common.HexToAddress("0x4444444444444444444444444444444444444444")
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100,
				transferLog(otherToken, testPayer, testPayee, big.NewInt(1000000)),
				transferLog(testUSDC, testPayer, testPayee, big.NewInt(1000000)),
			),
		},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: testTxHash,
		Amount: "1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}
}

func TestVerifyTransfer_EscrowDeposit(t *testing.T) {
	hash := common.HexToHash(testTxHash)
	amount := big.NewInt(2000000)
	data := append(common.BytesToHash(testUSDC.Bytes()).Bytes(), common.BigToHash(amount).Bytes()...)
	depositLog := &types.Log{
		Address: testEscrow,
		Topics: []common.Hash{
			depositedEventSig,
			crypto.Keccak256Hash([]byte("req-1")),
			common.BytesToHash(testPayer.Bytes()),
			common.BytesToHash(testPayee.Bytes()),
		},
		Data: data,
	}
	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			hash: successReceipt(100, depositLog),
		},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash:    testTxHash,
		RequestID: "req-1",
		Mode:      ModeEscrow,
		Payer:     testPayer.Hex(),
		Payee:     testPayee.Hex(),
		Amount:    "2",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}
	if result.Mode != ModeEscrow {
		t.Errorf("mode = %q, want %q", result.Mode, ModeEscrow)
	}

	// Wrong request id must not match the deposit.
	miss, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash:    testTxHash,
		RequestID: "req-other",
		Mode:      ModeEscrow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if miss.Verified || miss.Code != CodeDepositNotMatched {
		t.Errorf("result = %+v, want %s", miss, CodeDepositNotMatched)
	}
}

func TestVerifyTransfer_EscrowRequiresRequestID(t *testing.T) {
	v, _ := newTestVerifier(&fakeBackend{})

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: testTxHash,
		Mode:   ModeEscrow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Code != CodeMissingRequestID {
		t.Errorf("code = %s, want %s", result.Code, CodeMissingRequestID)
	}
}

func TestVerifyTransfer_NativeTransfer(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := testPayee
	chainID := big.NewInt(84532)
	tx := types.MustSignNewTx(key, types.LatestSignerForChainID(chainID), &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(1),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(500000000000000000), // 0.5 ETH
	})

	backend := &fakeBackend{
		latest: 110,
		receipts: map[common.Hash]*types.Receipt{
			tx.Hash(): successReceipt(100),
		},
		txs: map[common.Hash]*types.Transaction{tx.Hash(): tx},
	}
	v, _ := newTestVerifier(backend)

	result, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: tx.Hash().Hex(),
		Token:  "ETH",
		Payer:  from.Hex(),
		Payee:  to.Hex(),
		Amount: "0.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Verified {
		t.Fatalf("not verified: %+v", result)
	}
	if result.Mode != ModeNative {
		t.Errorf("mode = %q, want %q", result.Mode, ModeNative)
	}

	// Wrong payer must be rejected.
	mismatch, err := v.VerifyTransfer(context.Background(), VerifyRequest{
		TxHash: tx.Hash().Hex(),
		Token:  "ETH",
		Payer:  testPayer.Hex(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if mismatch.Verified || mismatch.Code != CodeSenderMismatch {
		t.Errorf("result = %+v, want %s", mismatch, CodeSenderMismatch)
	}
}

func TestHashRequestID(t *testing.T) {
	// Already a 32-byte hex value: passed through.
	raw := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	if got := hashRequestID(raw); got != common.HexToHash(raw) {
		t.Errorf("hashRequestID(%s) = %s", raw, got.Hex())
	}
	// Anything else: keccak256.
	if got := hashRequestID("req-1"); got != crypto.Keccak256Hash([]byte("req-1")) {
		t.Errorf("hashRequestID(req-1) = %s", got.Hex())
	}
}

func TestParseWei(t *testing.T) {
	units, err := parseWei("0.5")
	if err != nil {
		t.Fatal(err)
	}
	if units.String() != "500000000000000000" {
		t.Errorf("parseWei(0.5) = %s", units)
	}
	if _, err := parseWei("0"); err == nil {
		t.Error("parseWei(0) should fail")
	}
	if _, err := parseWei("-1"); err == nil {
		t.Error("parseWei(-1) should fail")
	}
}
