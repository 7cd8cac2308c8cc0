package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore())
}

func TestAdjustBalance_CreatesAccountLazily(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	account, err := l.AdjustBalance(ctx, "did:relay:alice", 90, "USDC", "req1")
	if err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	if account.Balance != 90 {
		t.Errorf("balance = %v, want 90", account.Balance)
	}
	if account.Currency != "USDC" {
		t.Errorf("currency = %q, want USDC", account.Currency)
	}
}

func TestAdjustBalance_Accumulates(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.AdjustBalance(ctx, PlatformAccount, 10, "USDC", "req1"); err != nil {
		t.Fatalf("first adjust: %v", err)
	}
	account, err := l.AdjustBalance(ctx, PlatformAccount, 2.5, "USDC", "req2")
	if err != nil {
		t.Fatalf("second adjust: %v", err)
	}
	if account.Balance != 12.5 {
		t.Errorf("balance = %v, want 12.5", account.Balance)
	}
}

func TestAdjustBalance_RoundsToSixDecimals(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	// 0.1 + 0.2 accumulates float drift without rounding
	if _, err := l.AdjustBalance(ctx, "a", 0.1, "USDC", ""); err != nil {
		t.Fatal(err)
	}
	account, err := l.AdjustBalance(ctx, "a", 0.2, "USDC", "")
	if err != nil {
		t.Fatal(err)
	}
	if account.Balance != 0.3 {
		t.Errorf("balance = %v, want 0.3", account.Balance)
	}
}

func TestAdjustBalance_RejectsZeroDelta(t *testing.T) {
	l := newTestLedger()

	if _, err := l.AdjustBalance(context.Background(), "a", 0, "USDC", ""); err != ErrZeroAdjustment {
		t.Errorf("err = %v, want ErrZeroAdjustment", err)
	}
}

func TestAdjustBalance_AppendsJournalPosting(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.AdjustBalance(ctx, "bob", 90, "USDC", "req1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AdjustBalance(ctx, "bob", -40, "USDC", "req2"); err != nil {
		t.Fatal(err)
	}

	postings, err := l.History(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(postings) != 2 {
		t.Fatalf("postings = %d, want 2", len(postings))
	}
	// Newest first
	if postings[0].Delta != -40 || postings[1].Delta != 90 {
		t.Errorf("postings out of order: %+v", postings)
	}
	if postings[0].Reference != "req2" {
		t.Errorf("reference = %q, want req2", postings[0].Reference)
	}
}

func TestGetAccount_UnknownReadsAsZero(t *testing.T) {
	l := newTestLedger()

	account, err := l.GetAccount(context.Background(), "did:relay:nobody")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Balance != 0 {
		t.Errorf("balance = %v, want 0", account.Balance)
	}
}

func TestAdjustBalance_ConcurrentAdjustmentsDoNotLoseUpdates(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.AdjustBalance(ctx, "hot", 1, "USDC", ""); err != nil {
				t.Errorf("AdjustBalance: %v", err)
			}
		}()
	}
	wg.Wait()

	account, err := l.GetAccount(ctx, "hot")
	if err != nil {
		t.Fatal(err)
	}
	if account.Balance != n {
		t.Errorf("balance = %v, want %d", account.Balance, n)
	}
}

func TestListAccounts(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := l.AdjustBalance(ctx, id, 1, "USDC", ""); err != nil {
			t.Fatal(err)
		}
	}

	accounts, err := l.ListAccounts(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Errorf("len = %d, want 2 (limit applied)", len(accounts))
	}
}

// journalFailingStore accepts account writes but rejects a configurable
// number of journal postings.
type journalFailingStore struct {
	Store
	failures int
}

func (s *journalFailingStore) AppendPosting(ctx context.Context, p *Posting) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("journal unavailable")
	}
	return s.Store.AppendPosting(ctx, p)
}

func TestAdjustBalance_JournalFailureReportsPostingLost(t *testing.T) {
	store := &journalFailingStore{Store: NewMemoryStore(), failures: 1}
	l := New(store)
	ctx := context.Background()

	account, err := l.AdjustBalance(ctx, "did:relay:seller", 90, "USDC", "req1")
	if !errors.Is(err, ErrPostingLost) {
		t.Fatalf("err = %v, want ErrPostingLost", err)
	}
	if account == nil || account.Balance != 90 {
		t.Fatalf("account = %+v, want the moved balance returned with the error", account)
	}

	// The balance moved even though the journal line is missing.
	got, err := l.GetAccount(ctx, "did:relay:seller")
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 90 {
		t.Errorf("balance = %v, want 90", got.Balance)
	}
	postings, err := l.History(ctx, "did:relay:seller", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(postings) != 0 {
		t.Errorf("postings = %d, want 0", len(postings))
	}
}
