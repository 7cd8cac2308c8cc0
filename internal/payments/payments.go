// Package payments verifies on-chain transfers and records verified
// payments.
//
// A payment record is keyed by (request_id, tx_hash) and additionally
// unique on tx_hash alone, so one transaction can never satisfy two
// requests. Inserts are idempotent: a duplicate returns the existing
// record instead of failing or overwriting.
package payments

import (
	"context"
	"errors"
	"time"
)

var ErrRecordNotFound = errors.New("payments: record not found")

// Verification statuses.
const (
	StatusVerified  = "VERIFIED"
	StatusSynthetic = "VERIFIED_SYNTHETIC"
)

// Verification modes.
const (
	ModeToken  = "token"  // ERC-20 Transfer log match
	ModeNative = "native" // direct value transfer
	ModeEscrow = "escrow" // escrow contract Deposited event
)

// Error codes surfaced in verification results. Pending codes mean the
// caller should retry later; the rest are terminal.
const (
	CodeInvalidTxHash      = "INVALID_TX_HASH"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeMissingRequestID   = "MISSING_REQUEST_ID"
	CodeUnsupportedChain   = "UNSUPPORTED_CHAIN"
	CodeTxNotFound         = "TX_NOT_FOUND"
	CodeTxReverted         = "TX_REVERTED"
	CodeTxUnconfirmed      = "TX_UNCONFIRMED"
	CodeTransferNotMatched = "TRANSFER_NOT_MATCHED"
	CodeSenderMismatch     = "SENDER_MISMATCH"
	CodeRecipientMismatch  = "RECIPIENT_MISMATCH"
	CodeAmountMismatch     = "AMOUNT_MISMATCH"
	CodeDepositNotMatched  = "DEPOSIT_NOT_MATCHED"
	CodeTxReused           = "TX_REUSED"
	CodeRPCError           = "RPC_ERROR"
)

// Conflict axes reported by CreateRecord.
const (
	ConflictRequestTx = "request_tx" // same (request_id, tx_hash) pair
	ConflictTxHash    = "tx_hash"    // tx_hash already used for another request
)

// PaymentRecord is a verified on-chain payment tied to a request.
type PaymentRecord struct {
	RequestID      string    `json:"requestId"`
	TxHash         string    `json:"txHash"`
	Chain          string    `json:"chain"`
	Token          string    `json:"token"`
	Status         string    `json:"status"` // VERIFIED or VERIFIED_SYNTHETIC
	Mode           string    `json:"mode,omitempty"`
	Confirmations  uint64    `json:"confirmations"`
	Amount         string    `json:"amount"`      // decimal string
	AmountUnits    string    `json:"amountUnits"` // integer base units
	Payer          string    `json:"payer,omitempty"`
	Payee          string    `json:"payee,omitempty"`
	BlockNumber    uint64    `json:"blockNumber,omitempty"`
	EscrowContract string    `json:"escrowContract,omitempty"`
	VerifiedAt     time.Time `json:"verifiedAt"`
}

// InsertResult reports the outcome of a conflict-safe record insert.
// On conflict, OK is false and Existing holds the stored record; no
// error is returned because a duplicate is an expected outcome, not a
// failure.
type InsertResult struct {
	OK       bool           `json:"ok"`
	Conflict string         `json:"conflict,omitempty"` // request_tx or tx_hash
	Existing *PaymentRecord `json:"existing,omitempty"`
}

// ListFilter narrows record listings.
type ListFilter struct {
	RequestID string
	Status    string
	Since     time.Time
	Limit     int
}

// Store persists payment records.
type Store interface {
	// CreateRecord inserts a record unless either uniqueness axis is
	// violated, in which case it returns the existing record.
	CreateRecord(ctx context.Context, record *PaymentRecord) (*InsertResult, error)
	GetRecord(ctx context.Context, requestID, txHash string) (*PaymentRecord, error)
	GetByTxHash(ctx context.Context, txHash string) (*PaymentRecord, error)
	ListRecords(ctx context.Context, filter ListFilter) ([]*PaymentRecord, error)
}
