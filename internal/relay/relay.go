// Package relay implements the agent-to-agent message bus.
//
// Envelopes are appended once to a bounded in-memory ring and never
// mutated. The relay does not enforce the REQUEST -> OFFER -> ACCEPT ->
// RESULT ordering; it is an event log with side-effect hooks at
// ingestion time (payment gating on ACCEPT, reputation tracking on
// RESULT).
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Envelope types. The set is closed; unknown types are rejected at
// ingestion.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeStatus  = "STATUS"
	TypeRequest = "REQUEST"
	TypeOffer   = "OFFER"
	TypeAccept  = "ACCEPT"
	TypeResult  = "RESULT"
	TypeDebate  = "DEBATE"
	TypeError   = "ERROR"
	TypeRevoke  = "REVOKE"
)

var envelopeTypes = map[string]bool{
	TypeHello:   true,
	TypeWelcome: true,
	TypeStatus:  true,
	TypeRequest: true,
	TypeOffer:   true,
	TypeAccept:  true,
	TypeResult:  true,
	TypeDebate:  true,
	TypeError:   true,
	TypeRevoke:  true,
}

// Version stamped on envelopes that arrive without one.
const Version = "1.0"

var ErrInvalidEnvelope = errors.New("relay: invalid envelope")

// Party identifies an agent on either end of an envelope.
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Thread links an envelope into a conversation.
type Thread struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

// Meta carries optional routing hints.
type Meta struct {
	TTL  int      `json:"ttl,omitempty"`
	Hop  int      `json:"hop,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

// Envelope is one agent-to-agent message. Payload stays opaque JSON;
// the typed Decode helpers below pull out the shapes the relay itself
// acts on.
type Envelope struct {
	Version   string          `json:"version,omitempty"`
	ID        string          `json:"id"`
	TS        time.Time       `json:"ts,omitempty"`
	Type      string          `json:"type"`
	Sender    Party           `json:"sender"`
	Recipient *Party          `json:"recipient,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Thread    *Thread         `json:"thread,omitempty"`
	Meta      *Meta           `json:"meta,omitempty"`
	Sig       string          `json:"sig,omitempty"`
}

// Validate checks the ingestion invariants: id, a known type, and a
// sender id. ts monotonicity is NOT enforced, ordering is best-effort.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEnvelope)
	}
	if !envelopeTypes[strings.ToUpper(e.Type)] {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.Sender.ID == "" {
		return fmt.Errorf("%w: sender.id is required", ErrInvalidEnvelope)
	}
	return nil
}

// RequestPayload is the shape of a REQUEST envelope payload.
type RequestPayload struct {
	RequestID string          `json:"request_id,omitempty"`
	Intent    string          `json:"intent,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Budget    string          `json:"budget,omitempty"`
	Currency  string          `json:"currency,omitempty"`
}

// OfferPayload is the shape of an OFFER envelope payload.
type OfferPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Price     string `json:"price,omitempty"`
	Currency  string `json:"currency,omitempty"`
	ETASec    int    `json:"eta_sec,omitempty"`
}

// AcceptPayload is the shape of an ACCEPT envelope payload. When
// payment gating is on, PaymentTx/Payer/Payee/Amount are mandatory.
type AcceptPayload struct {
	RequestID string `json:"request_id,omitempty"`
	PaymentTx string `json:"payment_tx,omitempty"`
	Payer     string `json:"payer,omitempty"`
	Payee     string `json:"payee,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Chain     string `json:"chain,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ResultPayload is the shape of a RESULT envelope payload. OnTime nil
// follows Success.
type ResultPayload struct {
	RequestID  string          `json:"request_id,omitempty"`
	Intent     string          `json:"intent,omitempty"`
	Success    bool            `json:"success"`
	OnTime     *bool           `json:"on_time,omitempty"`
	ResponseMs float64         `json:"response_ms,omitempty"`
	Rating     *int            `json:"rating,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
}

// DecodeRequest decodes the payload as a RequestPayload.
func (e *Envelope) DecodeRequest() (*RequestPayload, error) {
	var p RequestPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeOffer decodes the payload as an OfferPayload.
func (e *Envelope) DecodeOffer() (*OfferPayload, error) {
	var p OfferPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeAccept decodes the payload as an AcceptPayload.
func (e *Envelope) DecodeAccept() (*AcceptPayload, error) {
	var p AcceptPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeResult decodes the payload as a ResultPayload.
func (e *Envelope) DecodeResult() (*ResultPayload, error) {
	var p ResultPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (e *Envelope) decodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
