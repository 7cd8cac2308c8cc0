// Package escrow holds verified payments until the paid-for work
// resolves.
//
// Flow:
//  1. Payment verified → Hold locks the amount against the request id
//  2. Work delivered → Release credits payee (minus fee) and platform
//  3. Work failed/disputed → Release with resolution "refund" credits
//     the payer back in full
//
// Transitions are single-shot: a released or refunded escrow never
// moves again. Ledger credits that fail are parked as compensation jobs
// and retried by a background timer.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/relay/internal/idgen"
	"github.com/mbd888/relay/internal/ledger"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/syncutil"
	"github.com/mbd888/relay/internal/usdc"
)

var (
	ErrEscrowNotFound = errors.New("escrow: not found")
	ErrInvalidState   = errors.New("escrow: invalid state for this operation")
	ErrInvalidRequest = errors.New("escrow: missing required fields")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
)

// ResolutionRefund releases the held amount back to the payer.
const ResolutionRefund = "refund"

// Escrow is a held payment keyed by the request it pays for.
type Escrow struct {
	RequestID  string     `json:"requestId"`
	Payer      string     `json:"payer"`
	Payee      string     `json:"payee"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	FeeBps     int64      `json:"feeBps"`
	Status     Status     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	Fee        float64    `json:"fee,omitempty"`
	Payout     float64    `json:"payout,omitempty"`
	HeldAt     time.Time  `json:"heldAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Settlement is the immutable record of a terminal transition.
type Settlement struct {
	ID        string    `json:"id"`
	RequestID string    `json:"requestId"`
	Kind      string    `json:"kind"` // release or refund
	Payer     string    `json:"payer"`
	Payee     string    `json:"payee"`
	Amount    float64   `json:"amount"`
	Fee       float64   `json:"fee"`
	Payout    float64   `json:"payout"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompensationJob is a ledger credit that failed during settlement and
// must be retried until it lands.
type CompensationJob struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"requestId"`
	AccountID   string     `json:"accountId"`
	Delta       float64    `json:"delta"`
	Currency    string     `json:"currency"`
	Reason      string     `json:"reason"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store persists escrows, settlements and compensation jobs.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, requestID string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	List(ctx context.Context, status Status, limit int) ([]*Escrow, error)

	AppendSettlement(ctx context.Context, s *Settlement) error
	ListSettlements(ctx context.Context, requestID string) ([]*Settlement, error)

	CreateJob(ctx context.Context, job *CompensationJob) error
	ListPendingJobs(ctx context.Context, limit int) ([]*CompensationJob, error)
	UpdateJob(ctx context.Context, job *CompensationJob) error
}

// BalanceAdjuster abstracts the ledger so tests can inject failures.
// *ledger.Ledger satisfies it.
type BalanceAdjuster interface {
	AdjustBalance(ctx context.Context, accountID string, delta float64, currency, reference string) (*ledger.Account, error)
}

// HoldRequest contains the parameters for holding a payment.
type HoldRequest struct {
	RequestID string  `json:"requestId" binding:"required"`
	Payer     string  `json:"payer" binding:"required"`
	Payee     string  `json:"payee" binding:"required"`
	Amount    float64 `json:"amount" binding:"required"`
	Currency  string  `json:"currency"`
	FeeBps    *int64  `json:"feeBps,omitempty"` // nil = service default
}

// Service implements escrow business logic.
// EventSink receives settled escrows for fan-out to live subscribers.
type EventSink interface {
	EscrowSettled(e *Escrow)
}

type Service struct {
	store         Store
	ledger        BalanceAdjuster
	events        EventSink
	logger        *slog.Logger
	defaultFeeBps int64
	locks         *syncutil.ContextShardedMutex // per-request locks serialize state transitions
}

// NewService creates a new escrow service.
func NewService(store Store, l BalanceAdjuster, defaultFeeBps int64, logger *slog.Logger) *Service {
	return &Service{
		store:         store,
		ledger:        l,
		logger:        logger,
		defaultFeeBps: defaultFeeBps,
		locks:         syncutil.NewContextShardedMutex(),
	}
}

// SetEvents attaches a live event sink. A nil sink disables fan-out.
func (s *Service) SetEvents(sink EventSink) { s.events = sink }

// Hold creates a HELD escrow for a request. A request id can only ever
// hold once.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Escrow, error) {
	if req.RequestID == "" || req.Payer == "" || req.Payee == "" || req.Amount <= 0 {
		return nil, ErrInvalidRequest
	}

	// Per-request lock prevents concurrent transitions (e.g. two
	// releases racing).
	unlock, err := s.locks.LockContext(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.store.Get(ctx, req.RequestID); err == nil {
		return nil, ErrInvalidState
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = "USDC"
	}
	feeBps := s.defaultFeeBps
	if req.FeeBps != nil && *req.FeeBps >= 0 {
		feeBps = *req.FeeBps
	}

	now := time.Now().UTC()
	escrow := &Escrow{
		RequestID: req.RequestID,
		Payer:     strings.ToLower(req.Payer),
		Payee:     strings.ToLower(req.Payee),
		Amount:    usdc.Round6(req.Amount),
		Currency:  currency,
		FeeBps:    feeBps,
		Status:    StatusHeld,
		HeldAt:    now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues("hold", "ok").Inc()
	return escrow, nil
}

// Release resolves a HELD escrow. An empty or any non-"refund"
// resolution releases to the payee minus the platform fee;
// resolution "refund" returns the full amount to the payer.
func (s *Service) Release(ctx context.Context, requestID, resolution string) (*Escrow, error) {
	unlock, err := s.locks.LockContext(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	escrow, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if escrow.Status != StatusHeld {
		metrics.EscrowOperationsTotal.WithLabelValues("release", "invalid_state").Inc()
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	kind := "release"

	if resolution == ResolutionRefund {
		kind = "refund"
		s.credit(ctx, requestID, escrow.Payer, escrow.Amount, escrow.Currency, "refund")

		escrow.Status = StatusRefunded
		escrow.Resolution = resolution
	} else {
		fee := usdc.Round6(escrow.Amount * float64(escrow.FeeBps) / 10000)
		payout := usdc.Round6(escrow.Amount - fee)

		s.credit(ctx, requestID, escrow.Payee, payout, escrow.Currency, "payout")
		if fee != 0 {
			s.credit(ctx, requestID, ledger.PlatformAccount, fee, escrow.Currency, "fee")
		}

		escrow.Status = StatusReleased
		escrow.Resolution = resolution
		escrow.Fee = fee
		escrow.Payout = payout
	}

	escrow.ReleasedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Update(ctx, escrow); err != nil {
		// Funds already moved; the state change must land.
		if retryErr := s.store.Update(ctx, escrow); retryErr != nil {
			s.logger.Error("escrow settled but status update failed",
				"requestId", requestID, "error", retryErr)
			return nil, fmt.Errorf("update escrow after settlement: %w", retryErr)
		}
	}

	settlement := &Settlement{
		ID:        idgen.WithPrefix("stl_"),
		RequestID: requestID,
		Kind:      kind,
		Payer:     escrow.Payer,
		Payee:     escrow.Payee,
		Amount:    escrow.Amount,
		Fee:       escrow.Fee,
		Payout:    escrow.Payout,
		Currency:  escrow.Currency,
		CreatedAt: now,
	}
	if err := s.store.AppendSettlement(ctx, settlement); err != nil {
		s.logger.Warn("settlement record not appended", "requestId", requestID, "error", err)
	}

	metrics.EscrowOperationsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.EscrowHeldDuration.Observe(now.Sub(escrow.HeldAt).Seconds())
	if s.events != nil {
		s.events.EscrowSettled(escrow)
	}
	return escrow, nil
}

// credit applies a ledger credit, falling back to a compensation job
// when the ledger is unavailable. Settlement never rolls back: the job
// carries the movement until it lands.
func (s *Service) credit(ctx context.Context, requestID, accountID string, delta float64, currency, reason string) {
	if delta == 0 {
		return
	}
	_, err := s.ledger.AdjustBalance(ctx, accountID, delta, currency, requestID)
	if err == nil {
		return
	}
	if errors.Is(err, ledger.ErrPostingLost) {
		// The balance moved; a compensation job would credit twice. The
		// settlement record still carries the movement.
		s.logger.Warn("ledger credit applied but journal line missing",
			"requestId", requestID, "account", accountID, "error", err)
		return
	}

	job := &CompensationJob{
		ID:        idgen.WithPrefix("cmp_"),
		RequestID: requestID,
		AccountID: accountID,
		Delta:     delta,
		Currency:  currency,
		Reason:    reason,
		LastError: err.Error(),
		CreatedAt: time.Now().UTC(),
	}
	if jobErr := s.store.CreateJob(ctx, job); jobErr != nil {
		s.logger.Error("ledger credit lost, compensation job not recorded",
			"requestId", requestID, "account", accountID, "delta", delta,
			"creditError", err, "jobError", jobErr)
		return
	}
	s.logger.Warn("ledger credit deferred to compensation job",
		"requestId", requestID, "account", accountID, "delta", delta, "job", job.ID)
}

// Get returns an escrow by request id.
func (s *Service) Get(ctx context.Context, requestID string) (*Escrow, error) {
	return s.store.Get(ctx, requestID)
}

// List returns escrows filtered by status ("" = all).
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// Settlements returns settlement records for a request.
func (s *Service) Settlements(ctx context.Context, requestID string) ([]*Settlement, error) {
	return s.store.ListSettlements(ctx, requestID)
}
