package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/mbd888/relay/internal/config"
	"github.com/mbd888/relay/internal/payments"
	"github.com/mbd888/relay/internal/reputation"
)

func envelope(id, typ, sender string) *Envelope {
	return &Envelope{ID: id, Type: typ, Sender: Party{ID: sender}}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// fakeVerifier returns a canned verification result.
type fakeVerifier struct {
	result *payments.Result
	err    error
	calls  int
	last   payments.VerifyRequest
}

func (f *fakeVerifier) VerifyTransfer(ctx context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	f.calls++
	f.last = req
	return f.result, f.err
}

// fakeReputation records submissions.
type fakeReputation struct {
	subs []reputation.Submission
}

func (f *fakeReputation) Submit(ctx context.Context, sub reputation.Submission) (*reputation.Record, error) {
	f.subs = append(f.subs, sub)
	return &reputation.Record{DID: sub.DID}, nil
}

// fakeInteractions records history entries.
type fakeInteractions struct {
	requester, provider, intent string
	success                     bool
	responseMs                  float64
	calls                       int
}

func (f *fakeInteractions) RecordInteraction(requester, provider, intent string, success bool, responseMs float64) {
	f.calls++
	f.requester, f.provider, f.intent = requester, provider, intent
	f.success, f.responseMs = success, responseMs
}

func testRelayConfig(requirePayment bool) *config.Config {
	return &config.Config{
		DefaultChain: "base-sepolia",
		Chains: map[string]config.ChainConfig{
			"base-sepolia": {
				RPCURL:       "http://unused",
				ChainID:      84532,
				USDCContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			},
		},
		RequirePaymentOnAccept: requirePayment,
		RingCapacity:           100,
		LongPollMax:            config.DefaultLongPollMax,
	}
}

func newTestService(verifier PaymentVerifier, rep ReputationSink, interactions InteractionRecorder, requirePayment bool) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testRelayConfig(requirePayment)
	return NewService(NewBus(cfg.RingCapacity), verifier, rep, interactions, cfg, logger)
}

func TestPublish_StampsVersionAndTS(t *testing.T) {
	s := newTestService(nil, nil, nil, false)

	stored, err := s.Publish(context.Background(), envelope("m1", "hello", "did:relay:a"))
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != Version {
		t.Errorf("version = %q, want %q", stored.Version, Version)
	}
	if stored.TS.IsZero() {
		t.Error("ts should be server-stamped")
	}
	if stored.Type != TypeHello {
		t.Errorf("type = %q, want normalized %q", stored.Type, TypeHello)
	}
	if s.Bus().Len() != 1 {
		t.Errorf("bus len = %d, want 1", s.Bus().Len())
	}
}

func TestPublish_RejectsInvalidEnvelopes(t *testing.T) {
	s := newTestService(nil, nil, nil, false)

	cases := []*Envelope{
		{Type: TypeHello, Sender: Party{ID: "did:relay:a"}},   // no id
		{ID: "m1", Type: "BOGUS", Sender: Party{ID: "x"}},     // unknown type
		{ID: "m1", Type: TypeHello},                           // no sender
	}
	for _, env := range cases {
		if _, err := s.Publish(context.Background(), env); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("Publish(%+v) err = %v, want ErrInvalidEnvelope", env, err)
		}
	}
	if s.Bus().Len() != 0 {
		t.Errorf("bus len = %d, want 0", s.Bus().Len())
	}
}

func TestAcceptGating_MissingPaymentFields(t *testing.T) {
	v := &fakeVerifier{}
	s := newTestService(v, nil, nil, true)

	env := envelope("m1", TypeAccept, "did:relay:buyer")
	env.Payload = payload(t, AcceptPayload{PaymentTx: "0xabc"}) // no payer/payee/amount
	if _, err := s.Publish(context.Background(), env); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("err = %v, want ErrInvalidEnvelope", err)
	}
	if v.calls != 0 {
		t.Errorf("verifier called %d times, want 0", v.calls)
	}
	if s.Bus().Len() != 0 {
		t.Error("rejected envelope must not be appended")
	}
}

func TestAcceptGating_UnverifiedIsPaymentRequired(t *testing.T) {
	v := &fakeVerifier{result: &payments.Result{
		Code:          "TX_UNCONFIRMED",
		Pending:       true,
		Confirmations: 1,
	}}
	s := newTestService(v, nil, nil, true)

	env := envelope("m1", TypeAccept, "did:relay:buyer")
	env.Payload = payload(t, AcceptPayload{
		RequestID: "req1",
		PaymentTx: "0xdeadbeef",
		Payer:     "0xpayer",
		Payee:     "0xpayee",
		Amount:    "1.50",
	})

	_, err := s.Publish(context.Background(), env)
	var payErr *PaymentRequiredError
	if !errors.As(err, &payErr) {
		t.Fatalf("err = %v, want PaymentRequiredError", err)
	}
	if !payErr.Result.Pending {
		t.Error("pending flag should survive to the error")
	}
	req := payErr.Requirement
	if req == nil {
		t.Fatal("requirement missing")
	}
	if req.Price != "1.50" || req.Currency != "USDC" || req.Recipient != "0xpayee" {
		t.Errorf("requirement = %+v", req)
	}
	if req.Chain != "base-sepolia" || req.ChainID != 84532 || req.Contract == "" {
		t.Errorf("requirement chain fields = %+v, want defaults from config", req)
	}
	if s.Bus().Len() != 0 {
		t.Error("unverified ACCEPT must not be appended")
	}
}

func TestAcceptGating_VerifiedIsAdmitted(t *testing.T) {
	v := &fakeVerifier{result: &payments.Result{Verified: true, Status: "VERIFIED"}}
	s := newTestService(v, nil, nil, true)

	env := envelope("m1", TypeAccept, "did:relay:buyer")
	env.Payload = payload(t, AcceptPayload{
		RequestID: "req1",
		PaymentTx: "relay:held:req1",
		Payer:     "0xpayer",
		Payee:     "0xpayee",
		Amount:    "1.50",
	})
	if _, err := s.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if v.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", v.calls)
	}
	if v.last.RequestID != "req1" || v.last.TxHash != "relay:held:req1" {
		t.Errorf("verify request = %+v", v.last)
	}
	if s.Bus().Len() != 1 {
		t.Error("verified ACCEPT should be appended")
	}
}

func TestAcceptGating_OffByDefault(t *testing.T) {
	v := &fakeVerifier{}
	s := newTestService(v, nil, nil, false)

	env := envelope("m1", TypeAccept, "did:relay:buyer")
	env.Payload = payload(t, AcceptPayload{RequestID: "req1"})
	if _, err := s.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if v.calls != 0 {
		t.Errorf("verifier calls = %d, want 0 when gating is off", v.calls)
	}
}

func TestResultHooks(t *testing.T) {
	rep := &fakeReputation{}
	inter := &fakeInteractions{}
	s := newTestService(nil, rep, inter, false)

	env := envelope("m1", TypeResult, "did:relay:provider")
	env.Recipient = &Party{ID: "did:relay:requester"}
	env.Payload = payload(t, ResultPayload{
		RequestID:  "req1",
		Intent:     "translate",
		Success:    true,
		ResponseMs: 1200,
	})
	if _, err := s.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}

	if len(rep.subs) != 1 {
		t.Fatalf("reputation submissions = %d, want 1", len(rep.subs))
	}
	sub := rep.subs[0]
	if sub.DID != "did:relay:provider" || !sub.Success || !sub.OnTime {
		t.Errorf("submission = %+v", sub)
	}
	if sub.ResponseMs == nil || *sub.ResponseMs != 1200 {
		t.Errorf("responseMs = %v, want 1200", sub.ResponseMs)
	}

	if inter.calls != 1 {
		t.Fatalf("interactions = %d, want 1", inter.calls)
	}
	if inter.requester != "did:relay:requester" || inter.provider != "did:relay:provider" {
		t.Errorf("history = %s -> %s", inter.requester, inter.provider)
	}
	if inter.intent != "translate" || !inter.success || inter.responseMs != 1200 {
		t.Errorf("history entry = %+v", inter)
	}
}

func TestResultHooks_ExplicitOnTimeOverridesSuccess(t *testing.T) {
	rep := &fakeReputation{}
	s := newTestService(nil, rep, nil, false)

	late := false
	env := envelope("m1", TypeResult, "did:relay:provider")
	env.Payload = payload(t, ResultPayload{Success: true, OnTime: &late})
	if _, err := s.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if len(rep.subs) != 1 || rep.subs[0].OnTime {
		t.Errorf("subs = %+v, want onTime false", rep.subs)
	}
}

func TestResultHooks_BadPayloadStillAdmitted(t *testing.T) {
	rep := &fakeReputation{}
	s := newTestService(nil, rep, nil, false)

	env := envelope("m1", TypeResult, "did:relay:provider")
	env.Payload = json.RawMessage(`"not an object"`)
	if _, err := s.Publish(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if s.Bus().Len() != 1 {
		t.Error("envelope should be admitted even when hooks are skipped")
	}
	if len(rep.subs) != 0 {
		t.Errorf("submissions = %d, want 0", len(rep.subs))
	}
}

func TestBus_DropsOldestBeyondCapacity(t *testing.T) {
	b := NewBus(3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		e := envelope(id, TypeStatus, "did:relay:s")
		e.TS = time.Unix(int64(i), 0)
		b.Append(e)
	}

	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
	events, _ := b.Poll(context.Background(), Filter{}, 0)
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, want := range []string{"c", "d", "e"} {
		if events[i].ID != want {
			t.Errorf("events[%d] = %s, want %s", i, events[i].ID, want)
		}
	}
}

func TestFilter_Matches(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Envelope{
		ID:        "m1",
		TS:        base,
		Type:      TypeRequest,
		Sender:    Party{ID: "did:relay:s"},
		Recipient: &Party{ID: "did:relay:r"},
		Thread:    &Thread{ID: "t1"},
	}
	broadcast := &Envelope{ID: "m2", TS: base, Type: TypeStatus, Sender: Party{ID: "did:relay:s"}}

	cases := []struct {
		name   string
		filter Filter
		env    *Envelope
		want   bool
	}{
		{"empty matches", Filter{}, e, true},
		{"recipient match", Filter{Recipient: "did:relay:r"}, e, true},
		{"recipient mismatch", Filter{Recipient: "did:relay:x"}, e, false},
		{"recipient matches broadcast", Filter{Recipient: "did:relay:x"}, broadcast, true},
		{"sender match", Filter{Sender: "did:relay:s"}, e, true},
		{"sender mismatch", Filter{Sender: "did:relay:x"}, e, false},
		{"type case-insensitive", Filter{Type: "request"}, e, true},
		{"type mismatch", Filter{Type: TypeResult}, e, false},
		{"thread match", Filter{Thread: "t1"}, e, true},
		{"thread missing", Filter{Thread: "t1"}, broadcast, false},
		{"since excludes older", Filter{Since: base}, e, false},
		{"since includes newer", Filter{Since: base.Add(-time.Second)}, e, true},
	}
	for _, tc := range cases {
		if got := tc.filter.Matches(tc.env); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPoll_ImmediateWhenBuffered(t *testing.T) {
	b := NewBus(10)
	b.Append(envelope("m1", TypeStatus, "did:relay:s"))

	start := time.Now()
	events, hasMore := b.Poll(context.Background(), Filter{}, 5*time.Second)
	if time.Since(start) > time.Second {
		t.Error("poll should return immediately when matches are buffered")
	}
	if len(events) != 1 || hasMore {
		t.Errorf("events = %d hasMore = %v, want 1 false", len(events), hasMore)
	}
}

func TestPoll_TimesOutEmpty(t *testing.T) {
	b := NewBus(10)

	start := time.Now()
	events, hasMore := b.Poll(context.Background(), Filter{}, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, want ~50ms", elapsed)
	}
	if len(events) != 0 || hasMore {
		t.Errorf("events = %d hasMore = %v, want 0 false", len(events), hasMore)
	}
}

func TestPoll_WakesOnMatchingAppend(t *testing.T) {
	b := NewBus(10)

	type result struct {
		events []*Envelope
	}
	done := make(chan result, 1)
	go func() {
		events, _ := b.Poll(context.Background(), Filter{Recipient: "did:relay:r"}, 5*time.Second)
		done <- result{events}
	}()

	time.Sleep(50 * time.Millisecond)
	miss := envelope("miss", TypeStatus, "did:relay:s")
	miss.Recipient = &Party{ID: "did:relay:other"}
	b.Append(miss)

	hit := envelope("hit", TypeStatus, "did:relay:s")
	hit.Recipient = &Party{ID: "did:relay:r"}
	b.Append(hit)

	select {
	case res := <-done:
		if len(res.events) != 1 || res.events[0].ID != "hit" {
			t.Errorf("events = %+v, want just hit", res.events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestPoll_ContextCancel(t *testing.T) {
	b := NewBus(10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Poll(ctx, Filter{}, 5*time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poll did not observe cancellation")
	}
}

func TestPoll_BatchCapSetsHasMore(t *testing.T) {
	b := NewBus(MaxBatch + 50)
	for i := 0; i < MaxBatch+10; i++ {
		b.Append(envelope("m"+strconv.Itoa(i), TypeStatus, "did:relay:s"))
	}

	events, hasMore := b.Poll(context.Background(), Filter{}, 0)
	if len(events) != MaxBatch || !hasMore {
		t.Errorf("events = %d hasMore = %v, want %d true", len(events), hasMore, MaxBatch)
	}
}
