// Package registry implements the agent directory and discovery.
//
// The directory is ephemeral by design: agents announce themselves and
// stay "online" only while heartbeats keep arriving within the TTL.
// State lives in memory and rebuilds itself from announcements after a
// restart; reputation and ledger data are the durable records.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/relay/internal/metrics"
)

var (
	ErrAgentNotFound = errors.New("registry: agent not found")
	ErrInvalidAgent  = errors.New("registry: did is required")
)

// OnlineBonus is added to an agent's discovery rank while it is online.
const OnlineBonus = 5.0

// Capability is one advertised intent with optional pricing.
type Capability struct {
	Intent      string `json:"intent"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price,omitempty"` // decimal USDC per call
}

// Agent is a directory entry keyed by DID.
type Agent struct {
	DID          string       `json:"did"`
	Name         string       `json:"name,omitempty"`
	URL          string       `json:"url,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Intents      []string     `json:"intents,omitempty"` // flattened from capabilities + explicit
	Status       string       `json:"status,omitempty"`  // advertised, e.g. "available"
	Online       bool         `json:"online"`            // derived from last_seen vs TTL
	LastSeen     time.Time    `json:"lastSeen"`
	RegisteredAt time.Time    `json:"registeredAt"`
}

// HasIntent reports whether the agent advertises an intent.
func (a *Agent) HasIntent(intent string) bool {
	for _, i := range a.Intents {
		if strings.EqualFold(i, intent) {
			return true
		}
	}
	return false
}

// Interaction accumulates requester→provider order history, used to
// personalize recommendations.
type Interaction struct {
	Requester     string    `json:"requester"`
	Provider      string    `json:"provider"`
	Intent        string    `json:"intent,omitempty"`
	Count         int       `json:"count"`
	Successes     int       `json:"successes"`
	AvgResponseMs float64   `json:"avgResponseMs,omitempty"`
	LastAt        time.Time `json:"lastAt"`
}

// RankedAgent is a discovery result with its computed rank.
type RankedAgent struct {
	*Agent
	Score float64 `json:"score"` // reputation + online bonus
}

// ScoreProvider supplies reputation scores for ranking.
// *reputation.Service satisfies it.
type ScoreProvider interface {
	ScoreFor(ctx context.Context, did string) float64
}

// EventSink receives presence changes for fan-out to live
// subscribers.
type EventSink interface {
	AgentOnline(did, name string)
}

// Registry is the in-memory agent directory.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	history map[string]map[string]*Interaction // requester -> provider
	ttl     time.Duration
	scores  ScoreProvider
	events  EventSink

	now func() time.Time // test hook
}

// New creates a registry with the given online TTL.
func New(ttl time.Duration, scores ScoreProvider) *Registry {
	return &Registry{
		agents:  make(map[string]*Agent),
		history: make(map[string]map[string]*Interaction),
		ttl:     ttl,
		scores:  scores,
		now:     time.Now,
	}
}

// Register announces an agent. Re-registration updates the entry and
// counts as a heartbeat.
func (r *Registry) Register(agent *Agent) (*Agent, error) {
	if agent.DID == "" {
		return nil, ErrInvalidAgent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	existing, ok := r.agents[agent.DID]

	entry := &Agent{
		DID:          agent.DID,
		Name:         agent.Name,
		URL:          agent.URL,
		Capabilities: append([]Capability(nil), agent.Capabilities...),
		Status:       agent.Status,
		LastSeen:     now,
		RegisteredAt: now,
	}
	if ok {
		entry.RegisteredAt = existing.RegisteredAt
	}
	entry.Intents = flattenIntents(agent)

	r.agents[agent.DID] = entry
	r.updateOnlineGauge(now)

	if r.events != nil && !ok {
		r.events.AgentOnline(entry.DID, entry.Name)
	}

	cp := *entry
	cp.Online = true
	return &cp, nil
}

// SetEvents attaches a live event sink. A nil sink disables fan-out.
func (r *Registry) SetEvents(sink EventSink) {
	r.mu.Lock()
	r.events = sink
	r.mu.Unlock()
}

// flattenIntents merges capability intents with any explicitly listed
// intents, deduplicated, original order preserved.
func flattenIntents(agent *Agent) []string {
	seen := make(map[string]bool)
	var intents []string
	add := func(intent string) {
		key := strings.ToLower(intent)
		if intent == "" || seen[key] {
			return
		}
		seen[key] = true
		intents = append(intents, intent)
	}
	for _, c := range agent.Capabilities {
		add(c.Intent)
	}
	for _, i := range agent.Intents {
		add(i)
	}
	return intents
}

// Heartbeat bumps an agent's last_seen.
func (r *Registry) Heartbeat(did string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[did]
	if !ok {
		return nil, ErrAgentNotFound
	}
	now := r.now().UTC()
	agent.LastSeen = now
	r.updateOnlineGauge(now)

	cp := *agent
	cp.Online = true
	return &cp, nil
}

// Get returns an agent with its derived online flag.
func (r *Registry) Get(did string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[did]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	cp.Online = r.isOnline(agent, r.now())
	return &cp, nil
}

// List returns all agents, online first, then most recently seen.
func (r *Registry) List(limit int) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	now := r.now()

	var result []*Agent
	for _, agent := range r.agents {
		cp := *agent
		cp.Online = r.isOnline(agent, now)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Online != result[j].Online {
			return result[i].Online
		}
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Discover ranks agents for an intent ("" = any) by reputation score
// plus an online bonus, descending.
func (r *Registry) Discover(ctx context.Context, intent string, limit int) []*RankedAgent {
	if limit <= 0 {
		limit = 20
	}
	ranked := r.rank(ctx, intent)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// rank scores every matching agent, highest first.
func (r *Registry) rank(ctx context.Context, intent string) []*RankedAgent {
	r.mu.RLock()
	now := r.now()
	var candidates []*Agent
	for _, agent := range r.agents {
		if intent != "" && !agent.HasIntent(intent) {
			continue
		}
		cp := *agent
		cp.Online = r.isOnline(agent, now)
		candidates = append(candidates, &cp)
	}
	r.mu.RUnlock()

	// Reputation lookups happen outside the registry lock.
	ranked := make([]*RankedAgent, 0, len(candidates))
	for _, agent := range candidates {
		score := r.scores.ScoreFor(ctx, agent.DID)
		if agent.Online {
			score += OnlineBonus
		}
		ranked = append(ranked, &RankedAgent{Agent: agent, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].DID < ranked[j].DID
	})
	return ranked
}

// RecordInteraction folds one completed order into requester→provider
// history.
func (r *Registry) RecordInteraction(requester, provider, intent string, success bool, responseMs float64) {
	if requester == "" || provider == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byProvider, ok := r.history[requester]
	if !ok {
		byProvider = make(map[string]*Interaction)
		r.history[requester] = byProvider
	}
	entry, ok := byProvider[provider]
	if !ok {
		entry = &Interaction{Requester: requester, Provider: provider, Intent: intent}
		byProvider[provider] = entry
	}

	entry.Count++
	if success {
		entry.Successes++
	}
	if responseMs > 0 {
		if entry.AvgResponseMs == 0 {
			entry.AvgResponseMs = responseMs
		} else {
			entry.AvgResponseMs = entry.AvgResponseMs*0.7 + responseMs*0.3
		}
	}
	if intent != "" {
		entry.Intent = intent
	}
	entry.LastAt = r.now().UTC()
}

// Recommend ranks providers for a requester and intent: providers the
// requester has successfully worked with come first (by success count),
// the rest fall back to discovery order.
func (r *Registry) Recommend(ctx context.Context, requester, intent string, limit int) []*RankedAgent {
	if limit <= 0 {
		limit = 10
	}

	ranked := r.rank(ctx, intent)

	r.mu.RLock()
	byProvider := r.history[requester]
	successes := make(map[string]int, len(byProvider))
	for provider, entry := range byProvider {
		successes[provider] = entry.Successes
	}
	r.mu.RUnlock()

	sort.SliceStable(ranked, func(i, j int) bool {
		return successes[ranked[i].DID] > successes[ranked[j].DID]
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// History returns the requester's interactions, most recent first.
func (r *Registry) History(requester string) []*Interaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Interaction
	for _, entry := range r.history[requester] {
		cp := *entry
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastAt.After(result[j].LastAt)
	})
	return result
}

func (r *Registry) isOnline(agent *Agent, now time.Time) bool {
	return now.Sub(agent.LastSeen) < r.ttl
}

// updateOnlineGauge recounts online agents. Caller holds the lock.
func (r *Registry) updateOnlineGauge(now time.Time) {
	online := 0
	for _, agent := range r.agents {
		if r.isOnline(agent, now) {
			online++
		}
	}
	metrics.OnlineAgents.Set(float64(online))
}
