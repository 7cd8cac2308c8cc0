package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/relay/internal/config"
	"github.com/mbd888/relay/internal/metrics"
	"github.com/mbd888/relay/internal/payments"
	"github.com/mbd888/relay/internal/reputation"
	"github.com/mbd888/relay/pkg/x402"
)

// PaymentVerifier gates ACCEPT envelopes. *payments.Verifier satisfies
// it.
type PaymentVerifier interface {
	VerifyTransfer(ctx context.Context, req payments.VerifyRequest) (*payments.Result, error)
}

// ReputationSink receives order outcomes from RESULT envelopes.
// *reputation.Service satisfies it.
type ReputationSink interface {
	Submit(ctx context.Context, sub reputation.Submission) (*reputation.Record, error)
}

// InteractionRecorder receives requester->provider history entries.
// *registry.Registry satisfies it.
type InteractionRecorder interface {
	RecordInteraction(requester, provider, intent string, success bool, responseMs float64)
}

// PaymentRequiredError reports a failed or pending ACCEPT payment
// verification. Requirement is the x402 body the caller should return
// with the 402.
type PaymentRequiredError struct {
	Result      *payments.Result
	Requirement *x402.PaymentRequirement
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("relay: payment required: %s", e.Result.Code)
}

// EventSink receives admitted envelopes for fan-out to live
// subscribers.
type EventSink interface {
	EnvelopeAdmitted(e *Envelope)
}

// Service validates and admits envelopes, running the ingestion-time
// side effects around the bus.
type Service struct {
	bus            *Bus
	verifier       PaymentVerifier
	reputation     ReputationSink
	interactions   InteractionRecorder
	events         EventSink
	cfg            *config.Config
	requirePayment bool
	logger         *slog.Logger
}

// NewService wires the bus with its side-effect hooks. verifier,
// reputation and interactions may be nil; the matching hook is then
// skipped.
func NewService(bus *Bus, verifier PaymentVerifier, rep ReputationSink, interactions InteractionRecorder, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{
		bus:            bus,
		verifier:       verifier,
		reputation:     rep,
		interactions:   interactions,
		cfg:            cfg,
		requirePayment: cfg != nil && cfg.RequirePaymentOnAccept,
		logger:         logger,
	}
}

// SetEvents attaches a live event sink. A nil sink disables fan-out.
func (s *Service) SetEvents(sink EventSink) { s.events = sink }

// Bus exposes the underlying ring for polling.
func (s *Service) Bus() *Bus { return s.bus }

// MaxWait is the long-poll cap.
func (s *Service) MaxWait() time.Duration {
	if s.cfg != nil && s.cfg.LongPollMax > 0 {
		return s.cfg.LongPollMax
	}
	return config.DefaultLongPollMax
}

// Publish validates, stamps, gates and appends one envelope. On
// success the returned envelope is the stored one (ts and version
// filled in). A PaymentRequiredError means the ACCEPT was rejected and
// nothing was appended.
func (s *Service) Publish(ctx context.Context, e *Envelope) (*Envelope, error) {
	e.Type = strings.ToUpper(e.Type)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Version == "" {
		e.Version = Version
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	if e.Type == TypeAccept && s.requirePayment && s.verifier != nil {
		if err := s.gateAccept(ctx, e); err != nil {
			return nil, err
		}
	}

	s.bus.Append(e)
	metrics.MessagesTotal.WithLabelValues(e.Type).Inc()
	if s.events != nil {
		s.events.EnvelopeAdmitted(e)
	}

	if e.Type == TypeResult {
		s.recordResult(ctx, e)
	}
	return e, nil
}

// gateAccept runs the payment verifier synchronously; the envelope is
// only admitted on a verified result.
func (s *Service) gateAccept(ctx context.Context, e *Envelope) error {
	p, err := e.DecodeAccept()
	if err != nil {
		return err
	}
	if p.PaymentTx == "" || p.Payer == "" || p.Payee == "" || p.Amount == "" {
		return fmt.Errorf("%w: ACCEPT requires payment_tx, payer, payee and amount", ErrInvalidEnvelope)
	}

	result, err := s.verifier.VerifyTransfer(ctx, payments.VerifyRequest{
		TxHash:    p.PaymentTx,
		Chain:     p.Chain,
		Token:     p.Token,
		Payer:     p.Payer,
		Payee:     p.Payee,
		Amount:    p.Amount,
		RequestID: p.RequestID,
	})
	if err != nil {
		return fmt.Errorf("relay: payment verification: %w", err)
	}
	if !result.Verified {
		s.logger.Warn("accept rejected, payment not verified",
			"sender", e.Sender.ID,
			"txHash", p.PaymentTx,
			"code", result.Code,
			"pending", result.Pending)
		return &PaymentRequiredError{Result: result, Requirement: s.requirementFor(p)}
	}
	return nil
}

// requirementFor builds the x402 payment requirement advertised with a
// 402 rejection.
func (s *Service) requirementFor(p *AcceptPayload) *x402.PaymentRequirement {
	req := &x402.PaymentRequirement{
		Price:       p.Amount,
		Currency:    p.Token,
		Chain:       p.Chain,
		Recipient:   p.Payee,
		Description: "verified on-chain payment required to accept this request",
	}
	if req.Currency == "" {
		req.Currency = "USDC"
	}
	if s.cfg != nil {
		if req.Chain == "" {
			req.Chain = s.cfg.DefaultChain
		}
		if cc, ok := s.cfg.Chain(req.Chain); ok {
			req.ChainID = cc.ChainID
			req.Contract = cc.USDCContract
		}
	}
	return req
}

// recordResult folds a RESULT into the sender's reputation and the
// recipient's interaction history. An undecodable payload skips the
// hooks; the envelope itself stays admitted.
func (s *Service) recordResult(ctx context.Context, e *Envelope) {
	p, err := e.DecodeResult()
	if err != nil {
		s.logger.Warn("result payload undecodable, skipping hooks", "id", e.ID, "error", err)
		return
	}

	if s.reputation != nil {
		onTime := p.Success
		if p.OnTime != nil {
			onTime = *p.OnTime
		}
		sub := reputation.Submission{
			DID:     e.Sender.ID,
			Success: p.Success,
			OnTime:  onTime,
			Rating:  p.Rating,
		}
		if p.ResponseMs > 0 {
			sub.ResponseMs = &p.ResponseMs
		}
		if _, err := s.reputation.Submit(ctx, sub); err != nil {
			s.logger.Warn("reputation update failed", "did", e.Sender.ID, "error", err)
		}
	}

	if s.interactions != nil && e.Recipient != nil && e.Recipient.ID != "" {
		s.interactions.RecordInteraction(e.Recipient.ID, e.Sender.ID, p.Intent, p.Success, p.ResponseMs)
	}
}
