package payments

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/relay/internal/chain"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/traces"
	"github.com/mbd888/relay/internal/usdc"
	"github.com/mbd888/relay/internal/validation"
)

// SyntheticPrefix marks off-chain settlement markers that are accepted
// as verified by convention (test/demo escape hatch, never a real
// verification).
const SyntheticPrefix = "relay:"

// ERC-20 Transfer(address,address,uint256) event signature.
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Escrow contract Deposited(bytes32 indexed requestId, address indexed
// buyer, address indexed seller, address token, uint256 amount).
var depositedEventSig = crypto.Keccak256Hash([]byte("Deposited(bytes32,address,address,address,uint256)"))

// VerifyRequest describes a claimed on-chain payment.
type VerifyRequest struct {
	TxHash    string `json:"txHash" binding:"required"`
	Chain     string `json:"chain"`     // empty = default chain
	Token     string `json:"token"`     // "USDC" (default) or "ETH"
	Payer     string `json:"payer"`     // expected sender, optional
	Payee     string `json:"payee"`     // expected recipient, optional
	Amount    string `json:"amount"`    // expected decimal amount, optional
	RequestID string `json:"requestId"` // required for escrow mode; enables record persistence
	Mode      string `json:"mode"`      // token (default), native, escrow
}

// Result is the structured outcome of a verification attempt.
type Result struct {
	Verified      bool           `json:"verified"`
	Status        string         `json:"status,omitempty"` // VERIFIED or VERIFIED_SYNTHETIC
	Code          string         `json:"code,omitempty"`   // failure/pending code
	Message       string         `json:"message,omitempty"`
	Pending       bool           `json:"pending,omitempty"` // retry later, not a hard failure
	Confirmations uint64         `json:"confirmations"`
	Chain         string         `json:"chain,omitempty"`
	Token         string         `json:"token,omitempty"`
	TxHash        string         `json:"txHash,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	Payer         string         `json:"payer,omitempty"`
	Payee         string         `json:"payee,omitempty"`
	Amount        string         `json:"amount,omitempty"`
	AmountUnits   string         `json:"amountUnits,omitempty"`
	BlockNumber   uint64         `json:"blockNumber,omitempty"`
	Record        *PaymentRecord `json:"record,omitempty"`
}

// EventSink receives verified payments for fan-out to live
// subscribers.
type EventSink interface {
	PaymentVerified(requestID, txHash, payer, payee, amount string)
}

// Verifier checks claimed transfers against chain state.
type Verifier struct {
	clients *chain.Clients
	store   Store
	events  EventSink
	logger  *slog.Logger
}

// NewVerifier creates a payment verifier.
func NewVerifier(clients *chain.Clients, store Store, logger *slog.Logger) *Verifier {
	return &Verifier{clients: clients, store: store, logger: logger}
}

// SetEvents attaches a live event sink. A nil sink disables fan-out.
func (v *Verifier) SetEvents(sink EventSink) { v.events = sink }

func failure(code, message string) *Result {
	return &Result{Code: code, Message: message}
}

func pendingResult(code, message string, confirmations uint64) *Result {
	return &Result{Code: code, Message: message, Pending: true, Confirmations: confirmations}
}

// VerifyTransfer runs the full verification pipeline. It never returns a
// Go error for verification outcomes; the Result carries the taxonomy.
// An error return means the verifier itself could not operate (storage
// failure while persisting a verified record).
func (v *Verifier) VerifyTransfer(ctx context.Context, req VerifyRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.verify",
		traces.Chain(req.Chain), traces.TxHash(req.TxHash))
	defer span.End()

	token := strings.ToUpper(req.Token)
	if token == "" {
		token = "USDC"
	}
	mode := req.Mode
	if mode == "" {
		if token == "ETH" {
			mode = ModeNative
		} else {
			mode = ModeToken
		}
	}

	// Synthetic escape hatch: accepted by convention, zero confirmations,
	// no RPC involved.
	if strings.HasPrefix(req.TxHash, SyntheticPrefix) {
		result := &Result{
			Verified: true,
			Status:   StatusSynthetic,
			Chain:    req.Chain,
			Token:    token,
			TxHash:   req.TxHash,
			Mode:     mode,
			Payer:    req.Payer,
			Payee:    req.Payee,
			Amount:   req.Amount,
		}
		metrics.PaymentVerificationsTotal.WithLabelValues("synthetic").Inc()
		return v.persist(ctx, req, result)
	}

	if !validation.IsValidTxHash(req.TxHash) {
		metrics.PaymentVerificationsTotal.WithLabelValues("invalid").Inc()
		return failure(CodeInvalidTxHash, "txHash must be a 0x-prefixed 32-byte hex string"), nil
	}

	// Parse the expected amount before any RPC round trip.
	var expectUnits *big.Int
	if req.Amount != "" {
		units, err := parseTokenUnits(token, req.Amount)
		if err != nil {
			metrics.PaymentVerificationsTotal.WithLabelValues("invalid").Inc()
			return failure(CodeInvalidAmount, "amount must be a positive decimal"), nil
		}
		expectUnits = units
	}

	if mode == ModeEscrow && req.RequestID == "" {
		metrics.PaymentVerificationsTotal.WithLabelValues("invalid").Inc()
		return failure(CodeMissingRequestID, "escrow verification requires requestId"), nil
	}

	client, err := v.clients.For(req.Chain)
	if err != nil {
		if errors.Is(err, chain.ErrUnsupportedChain) {
			metrics.PaymentVerificationsTotal.WithLabelValues("invalid").Inc()
			return failure(CodeUnsupportedChain, err.Error()), nil
		}
		metrics.PaymentVerificationsTotal.WithLabelValues("rpc_error").Inc()
		return failure(CodeRPCError, err.Error()), nil
	}

	txHash := common.HexToHash(req.TxHash)
	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			metrics.PaymentVerificationsTotal.WithLabelValues("pending").Inc()
			return pendingResult(CodeTxNotFound, "transaction not yet indexed", 0), nil
		}
		metrics.PaymentVerificationsTotal.WithLabelValues("rpc_error").Inc()
		return failure(CodeRPCError, err.Error()), nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		metrics.PaymentVerificationsTotal.WithLabelValues("reverted").Inc()
		return failure(CodeTxReverted, "transaction reverted on chain"), nil
	}

	latest, err := client.BlockNumber(ctx)
	if err != nil {
		metrics.PaymentVerificationsTotal.WithLabelValues("rpc_error").Inc()
		return failure(CodeRPCError, err.Error()), nil
	}

	receiptBlock := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if latest >= receiptBlock {
		confirmations = latest - receiptBlock + 1
	}

	minConf := uint64(v.clients.MinConfirmations(token))
	if confirmations < minConf {
		metrics.PaymentVerificationsTotal.WithLabelValues("pending").Inc()
		return pendingResult(CodeTxUnconfirmed, "below confirmation threshold", confirmations), nil
	}

	var result *Result
	switch mode {
	case ModeNative:
		result = v.verifyNative(ctx, client, txHash, req, expectUnits)
	case ModeEscrow:
		result = v.verifyEscrowDeposit(client, receipt, req, expectUnits)
	default:
		result = v.verifyTokenTransfer(client, receipt, req, expectUnits)
	}

	if !result.Verified {
		metrics.PaymentVerificationsTotal.WithLabelValues("rejected").Inc()
		return result, nil
	}

	result.Status = StatusVerified
	result.Chain = client.Name()
	result.Token = token
	result.TxHash = req.TxHash
	result.Mode = mode
	result.Confirmations = confirmations
	result.BlockNumber = receiptBlock

	metrics.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	return v.persist(ctx, req, result)
}

// verifyNative checks a direct value transfer. Only explicitly provided
// expectations are enforced.
func (v *Verifier) verifyNative(ctx context.Context, client *chain.Client, txHash common.Hash, req VerifyRequest, expectUnits *big.Int) *Result {
	tx, isPending, err := client.TransactionByHash(ctx, txHash)
	if err != nil || isPending {
		return pendingResult(CodeTxNotFound, "transaction not yet available", 0)
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return failure(CodeRPCError, "cannot recover transaction sender")
	}

	if req.Payer != "" && !strings.EqualFold(from.Hex(), req.Payer) {
		return failure(CodeSenderMismatch, "transaction sender does not match expected payer")
	}
	if req.Payee != "" {
		if tx.To() == nil || !strings.EqualFold(tx.To().Hex(), req.Payee) {
			return failure(CodeRecipientMismatch, "transaction recipient does not match expected payee")
		}
	}
	if expectUnits != nil && tx.Value().Cmp(expectUnits) != 0 {
		return failure(CodeAmountMismatch, "transaction value does not match expected amount")
	}

	payee := ""
	if tx.To() != nil {
		payee = strings.ToLower(tx.To().Hex())
	}
	return &Result{
		Verified:    true,
		Payer:       strings.ToLower(from.Hex()),
		Payee:       payee,
		Amount:      req.Amount,
		AmountUnits: tx.Value().String(),
	}
}

// verifyTokenTransfer scans receipt logs for a Transfer from the chain's
// USDC contract satisfying every provided expectation.
func (v *Verifier) verifyTokenTransfer(client *chain.Client, receipt *types.Receipt, req VerifyRequest, expectUnits *big.Int) *Result {
	tokenAddr := client.USDCAddress()

	for _, vLog := range receipt.Logs {
		if vLog.Address != tokenAddr {
			continue
		}
		if len(vLog.Topics) < 3 || vLog.Topics[0] != transferEventSig {
			continue
		}

		from := common.HexToAddress(vLog.Topics[1].Hex())
		to := common.HexToAddress(vLog.Topics[2].Hex())
		value := new(big.Int).SetBytes(vLog.Data)

		if req.Payer != "" && !strings.EqualFold(from.Hex(), req.Payer) {
			continue
		}
		if req.Payee != "" && !strings.EqualFold(to.Hex(), req.Payee) {
			continue
		}
		if expectUnits != nil && value.Cmp(expectUnits) != 0 {
			continue
		}

		return &Result{
			Verified:    true,
			Payer:       strings.ToLower(from.Hex()),
			Payee:       strings.ToLower(to.Hex()),
			Amount:      usdc.Format(value),
			AmountUnits: value.String(),
		}
	}

	return failure(CodeTransferNotMatched, "no matching Transfer event in receipt")
}

// verifyEscrowDeposit locates a Deposited event from the configured
// escrow contract and matches requestId, buyer, seller, token and amount.
func (v *Verifier) verifyEscrowDeposit(client *chain.Client, receipt *types.Receipt, req VerifyRequest, expectUnits *big.Int) *Result {
	if !client.HasEscrowContract() {
		return failure(CodeDepositNotMatched, "no escrow contract configured for chain "+client.Name())
	}
	escrowAddr := client.EscrowAddress()
	wantRequestID := hashRequestID(req.RequestID)

	for _, vLog := range receipt.Logs {
		if vLog.Address != escrowAddr {
			continue
		}
		if len(vLog.Topics) < 4 || vLog.Topics[0] != depositedEventSig {
			continue
		}

		if vLog.Topics[1] != wantRequestID {
			continue
		}
		buyer := common.HexToAddress(vLog.Topics[2].Hex())
		seller := common.HexToAddress(vLog.Topics[3].Hex())
		if len(vLog.Data) < 64 {
			continue
		}
		tokenAddr := common.BytesToAddress(vLog.Data[12:32])
		amount := new(big.Int).SetBytes(vLog.Data[32:64])

		if req.Payer != "" && !strings.EqualFold(buyer.Hex(), req.Payer) {
			return failure(CodeSenderMismatch, "deposit buyer does not match expected payer")
		}
		if req.Payee != "" && !strings.EqualFold(seller.Hex(), req.Payee) {
			return failure(CodeRecipientMismatch, "deposit seller does not match expected payee")
		}
		if strings.ToUpper(req.Token) == "USDC" && tokenAddr != client.USDCAddress() {
			return failure(CodeDepositNotMatched, "deposit token is not the chain's USDC contract")
		}
		if expectUnits != nil && amount.Cmp(expectUnits) != 0 {
			return failure(CodeAmountMismatch, "deposit amount does not match expected amount")
		}

		return &Result{
			Verified:    true,
			Payer:       strings.ToLower(buyer.Hex()),
			Payee:       strings.ToLower(seller.Hex()),
			Amount:      usdc.Format(amount),
			AmountUnits: amount.String(),
		}
	}

	return failure(CodeDepositNotMatched, "no matching Deposited event in receipt")
}

// persist records a verified result when a request id ties it to a
// request. The conflict-safe insert makes re-verification idempotent;
// reusing a transaction for a different request is rejected.
func (v *Verifier) persist(ctx context.Context, req VerifyRequest, result *Result) (*Result, error) {
	if req.RequestID == "" || v.store == nil {
		return result, nil
	}

	record := &PaymentRecord{
		RequestID:     req.RequestID,
		TxHash:        req.TxHash,
		Chain:         result.Chain,
		Token:         result.Token,
		Status:        result.Status,
		Mode:          result.Mode,
		Confirmations: result.Confirmations,
		Amount:        result.Amount,
		AmountUnits:   result.AmountUnits,
		Payer:         result.Payer,
		Payee:         result.Payee,
		BlockNumber:   result.BlockNumber,
		VerifiedAt:    time.Now().UTC(),
	}

	insert, err := v.store.CreateRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	if insert.OK {
		result.Record = record
		if v.events != nil {
			v.events.PaymentVerified(req.RequestID, req.TxHash, result.Payer, result.Payee, result.Amount)
		}
		return result, nil
	}

	switch insert.Conflict {
	case ConflictRequestTx:
		// Same payment verified before; return the original record.
		result.Record = insert.Existing
		return result, nil
	default:
		v.logger.Warn("transaction reuse rejected",
			"tx", req.TxHash,
			"request", req.RequestID,
			"existing_request", insert.Existing.RequestID,
		)
		metrics.PaymentVerificationsTotal.WithLabelValues("reused").Inc()
		return failure(CodeTxReused, "transaction already used for request "+insert.Existing.RequestID), nil
	}
}

// hashRequestID maps a request id to the escrow contract's bytes32
// representation: pass through when already a 32-byte hex value,
// keccak256 otherwise.
func hashRequestID(requestID string) common.Hash {
	if len(requestID) == 66 && strings.HasPrefix(requestID, "0x") && validation.IsValidHex(requestID) {
		return common.HexToHash(requestID)
	}
	return crypto.Keccak256Hash([]byte(requestID))
}

// parseTokenUnits converts a decimal amount to integer base units:
// 6 decimals for USDC, 18 (wei) for ETH.
func parseTokenUnits(token, amount string) (*big.Int, error) {
	if token == "ETH" {
		return parseWei(amount)
	}
	return usdc.ParsePositive(amount)
}

func parseWei(s string) (*big.Int, error) {
	if s == "" || strings.HasPrefix(s, "-") {
		return nil, usdc.ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, usdc.ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < 18 {
		frac += "0"
	}
	frac = frac[:18]
	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, usdc.ErrInvalidAmount
	}
	if units.Sign() <= 0 {
		return nil, usdc.ErrNonPositiveAmount
	}
	return units, nil
}
