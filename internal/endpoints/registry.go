package endpoints

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jackyvictory/stablecoin-watcher/internal/config"
)

const (
	// Endpoints with this many consecutive failures no longer qualify for
	// selection until a bulk stats reset.
	maxErrorCount = 5

	// Failures within this window carry an extra score penalty.
	recentErrorWindow = 5 * time.Minute

	minQualifyingScore = -50
)

// LastError records the most recent failure against an endpoint.
type LastError struct {
	Message   string
	Timestamp time.Time
}

// Endpoint one candidate WebSocket provider with its health counters.
type Endpoint struct {
	URL            string
	Name           string
	Priority       int // lower = preferred
	Timeout        time.Duration
	RequiresAPIKey bool

	ErrorCount int
	LastError  *LastError
}

// Registry holds the ranked endpoint list and is the single owner of
// endpoint health state.
type Registry struct {
	mu               sync.RWMutex
	endpoints        []*Endpoint
	apiKeyConfigured bool
}

// NewRegistry builds a registry from configuration, ordered by priority.
func NewRegistry(cfgs []config.EndpointConfig, apiKeyConfigured bool) *Registry {
	eps := make([]*Endpoint, 0, len(cfgs))
	for _, c := range cfgs {
		eps = append(eps, &Endpoint{
			URL:            c.URL,
			Name:           c.Name,
			Priority:       c.Priority,
			Timeout:        time.Duration(c.Timeout) * time.Second,
			RequiresAPIKey: c.RequiresAPIKey,
		})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })
	return &Registry{endpoints: eps, apiKeyConfigured: apiKeyConfigured}
}

// Score computes the selection score for one endpoint.
func (r *Registry) Score(ep *Endpoint) int {
	score := 100
	score -= ep.Priority * 10
	score -= ep.ErrorCount * 20
	if ep.LastError != nil && time.Since(ep.LastError.Timestamp) < recentErrorWindow {
		score -= 30
	}
	if ep.RequiresAPIKey && !r.apiKeyConfigured {
		score -= 1000
	}
	return score
}

// SelectEndpoint returns the best available endpoint. When every endpoint is
// exhausted, all health counters are reset and the lowest-priority-value
// endpoint is returned so the watcher always makes forward progress, at the
// cost of occasionally thrashing back to a recently bad provider.
func (r *Registry) SelectEndpoint() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.endpoints) == 0 {
		return nil
	}

	ranked := make([]*Endpoint, len(r.endpoints))
	copy(ranked, r.endpoints)
	sort.SliceStable(ranked, func(i, j int) bool {
		return r.Score(ranked[i]) > r.Score(ranked[j])
	})

	for _, ep := range ranked {
		if ep.ErrorCount < maxErrorCount && r.Score(ep) > minQualifyingScore {
			return ep
		}
	}

	log.Printf("⚠️ All %d endpoints exhausted, resetting endpoint stats", len(r.endpoints))
	r.resetStatsLocked()

	best := r.endpoints[0]
	for _, ep := range r.endpoints[1:] {
		if ep.Priority < best.Priority {
			best = ep
		}
	}
	return best
}

// Candidates returns endpoints with fewer than maxErrors failures, in
// priority order. Endpoints requiring an unconfigured API key are skipped.
func (r *Registry) Candidates(maxErrors int) []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, ep := range r.endpoints {
		if ep.RequiresAPIKey && !r.apiKeyConfigured {
			continue
		}
		if ep.ErrorCount < maxErrors {
			out = append(out, ep)
		}
	}
	return out
}

// All returns every usable endpoint in priority order.
func (r *Registry) All() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Endpoint
	for _, ep := range r.endpoints {
		if ep.RequiresAPIKey && !r.apiKeyConfigured {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// Len returns the number of configured endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// RecordFailure increments the endpoint's error counter and stamps the
// failure. This is the only mutator of endpoint health besides the
// exhaustion reset in SelectEndpoint.
func (r *Registry) RecordFailure(ep *Endpoint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep.ErrorCount++
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	ep.LastError = &LastError{Message: msg, Timestamp: time.Now()}
	log.Printf("⚠️ Endpoint %s failure #%d: %s", ep.Name, ep.ErrorCount, msg)
}

func (r *Registry) resetStatsLocked() {
	for _, ep := range r.endpoints {
		ep.ErrorCount = 0
		ep.LastError = nil
	}
}

// ErrorCounts returns a snapshot of per-endpoint error counters keyed by name.
func (r *Registry) ErrorCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.endpoints))
	for _, ep := range r.endpoints {
		out[ep.Name] = ep.ErrorCount
	}
	return out
}
