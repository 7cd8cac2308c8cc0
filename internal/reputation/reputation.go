// Package reputation scores agents from their order history.
//
// Reputation is calculated from relay outcomes:
// - Success rate (RESULT ok vs failed)
// - On-time delivery rate
// - Counterparty ratings
// - Responsiveness (EMA of response time)
// - Disputes
//
// Agents with no history read as a neutral 50.
package reputation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

var ErrRecordNotFound = errors.New("reputation: record not found")

// Tier represents reputation levels.
type Tier string

const (
	TierBronze  Tier = "bronze"  // below 60
	TierSilver  Tier = "silver"  // 60-74
	TierGold    Tier = "gold"    // 75-89
	TierDiamond Tier = "diamond" // 90+
)

// EMA weighting for response times: old*0.7 + new*0.3.
const (
	emaOldWeight = 0.7
	emaNewWeight = 0.3
)

// Record accumulates an agent's order outcomes and derived score.
type Record struct {
	DID             string    `json:"did"`
	TotalOrders     int       `json:"totalOrders"`
	SuccessOrders   int       `json:"successOrders"`
	OnTimeOrders    int       `json:"onTimeOrders"`
	Ratings         int       `json:"ratings"`
	PositiveRatings int       `json:"positiveRatings"`
	AvgResponseMs   float64   `json:"avgResponseMs"`
	Disputes        int       `json:"disputes"`
	Score           float64   `json:"score"` // 0-100
	Tier            Tier      `json:"tier"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Submission is one order-affecting event.
type Submission struct {
	DID        string   `json:"did" binding:"required"`
	Success    bool     `json:"success"`
	OnTime     bool     `json:"onTime"`
	Rating     *int     `json:"rating,omitempty"`     // 1-5; >=4 counts positive
	ResponseMs *float64 `json:"responseMs,omitempty"` // folded into the EMA
	Dispute    bool     `json:"dispute"`
}

// Store persists reputation records.
type Store interface {
	Get(ctx context.Context, did string) (*Record, error)
	Upsert(ctx context.Context, record *Record) error
	List(ctx context.Context, limit int) ([]*Record, error)
}

// Service applies submissions and recomputes scores.
type Service struct {
	store Store
	mu    sync.Mutex // serializes read-modify-write per process
}

// NewService creates a reputation service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Submit folds one event into an agent's record and recomputes the
// score. The record is created on first submission.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.store.Get(ctx, sub.DID)
	if errors.Is(err, ErrRecordNotFound) {
		record = &Record{DID: sub.DID}
	} else if err != nil {
		return nil, err
	}

	record.TotalOrders++
	if sub.Success {
		record.SuccessOrders++
	}
	if sub.OnTime {
		record.OnTimeOrders++
	}
	if sub.Rating != nil && *sub.Rating >= 1 && *sub.Rating <= 5 {
		record.Ratings++
		if *sub.Rating >= 4 {
			record.PositiveRatings++
		}
	}
	if sub.ResponseMs != nil && *sub.ResponseMs > 0 {
		if record.AvgResponseMs == 0 {
			record.AvgResponseMs = *sub.ResponseMs
		} else {
			record.AvgResponseMs = record.AvgResponseMs*emaOldWeight + *sub.ResponseMs*emaNewWeight
		}
	}
	if sub.Dispute {
		record.Disputes++
	}

	record.Score = computeScore(record)
	record.Tier = tierFor(record.Score)
	record.UpdatedAt = time.Now().UTC()

	if err := s.store.Upsert(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get returns an agent's record. Unknown agents read as a neutral
// record rather than an error.
func (s *Service) Get(ctx context.Context, did string) (*Record, error) {
	record, err := s.store.Get(ctx, did)
	if errors.Is(err, ErrRecordNotFound) {
		return neutralRecord(did), nil
	}
	return record, err
}

// ScoreFor returns an agent's current score, neutral for unknowns.
// Used by discovery ranking.
func (s *Service) ScoreFor(ctx context.Context, did string) float64 {
	record, err := s.Get(ctx, did)
	if err != nil {
		return neutralScore
	}
	return record.Score
}

// List returns up to limit records, highest score first.
func (s *Service) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

const neutralScore = 50.0

func neutralRecord(did string) *Record {
	return &Record{DID: did, Score: neutralScore, Tier: tierFor(neutralScore)}
}

// computeScore builds the 0-100 composite. Each component falls back to
// half credit when it has no data, so an empty record scores 50:
//   - success rate        50 pts
//   - on-time rate        20 pts
//   - positive ratings    20 pts
//   - responsiveness      10 pts (full at <=2s, zero at >=30s)
//   - minus 5 per dispute
func computeScore(r *Record) float64 {
	score := 0.0

	if r.TotalOrders > 0 {
		score += 50 * float64(r.SuccessOrders) / float64(r.TotalOrders)
		score += 20 * float64(r.OnTimeOrders) / float64(r.TotalOrders)
	} else {
		score += 25 + 10
	}

	if r.Ratings > 0 {
		score += 20 * float64(r.PositiveRatings) / float64(r.Ratings)
	} else {
		score += 10
	}

	score += 10 * responsiveness(r.AvgResponseMs)

	score -= 5 * float64(r.Disputes)

	score = math.Max(0, math.Min(100, score))
	return math.Round(score*10) / 10
}

func responsiveness(avgMs float64) float64 {
	switch {
	case avgMs == 0:
		return 0.5 // no data
	case avgMs <= 2000:
		return 1
	case avgMs >= 30000:
		return 0
	default:
		return (30000 - avgMs) / 28000
	}
}

func tierFor(score float64) Tier {
	switch {
	case score >= 90:
		return TierDiamond
	case score >= 75:
		return TierGold
	case score >= 60:
		return TierSilver
	default:
		return TierBronze
	}
}
