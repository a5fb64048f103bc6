package selector

import (
	"context"
	"time"

	"github.com/proxy-dispatch-service/internal/ratelimit"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
)

// Scoring weights. Usage and success rate dominate; response time is a
// tiebreaker signal.
const (
	usageWeight       = 0.4
	successWeight     = 0.4
	responseWeight    = 0.2
	responseCeilingMs = 5000.0
)

// Selector picks the best eligible proxy for a (domain, tier, country)
// request. It owns no state; the registry holds the pool and the limiter
// holds the admission windows.
type Selector struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
}

func New(reg *registry.Registry, limiter *ratelimit.Limiter) *Selector {
	return &Selector{registry: reg, limiter: limiter}
}

// ResolveTier applies the tier fallback chain: explicit request tier, then
// the domain rule's preferred tier, then datacenter.
func (s *Selector) ResolveTier(domain string, requested types.Tier) types.Tier {
	if requested.Valid() {
		return requested
	}
	if rule, ok := s.limiter.Rule(domain); ok && rule.PreferredTier.Valid() {
		return rule.PreferredTier
	}
	return types.TierDatacenter
}

// Pick filters the tier's pool, admits the domain, scores the candidates and
// reserves the winner. Eligibility is checked before admission so a request
// waiting out a saturated pool never burns the domain's window; the window
// counts requests that actually go out. The reservation is re-checked
// atomically inside the registry; if a racing caller fills the slot first,
// the next best candidate is tried.
func (s *Selector) Pick(ctx context.Context, domain string, tier types.Tier, country string) (registry.Candidate, error) {
	resolved := s.ResolveTier(domain, tier)

	candidates := s.registry.ListEligible(resolved, country)
	if len(candidates) == 0 {
		return registry.Candidate{}, types.ErrNoProxyAvailable
	}

	if !s.limiter.Admit(ctx, domain) {
		return registry.Candidate{}, types.ErrRateLimitExceeded
	}

	taken := make([]bool, len(candidates))
	for remaining := len(candidates); remaining > 0; remaining-- {
		best := -1
		bestScore := -1.0
		for i, c := range candidates {
			if taken[i] {
				continue
			}
			// Strictly-greater keeps the first candidate in pool
			// order on ties, so selection is deterministic.
			if sc := Score(c); sc > bestScore {
				best = i
				bestScore = sc
			}
		}

		if err := s.registry.Reserve(candidates[best].Proxy.ID); err == nil {
			log.WithFields(log.Fields{
				"proxy":  candidates[best].Proxy.ID,
				"tier":   resolved,
				"domain": domain,
				"score":  bestScore,
			}).Debug("Proxy selected")
			return candidates[best], nil
		}
		taken[best] = true
	}

	return registry.Candidate{}, types.ErrNoProxyAvailable
}

// Score rates a candidate in [0,1]. A proxy with no history scores 1.0 on
// both the success-rate and response-time components.
func Score(c registry.Candidate) float64 {
	usageScore := 1.0
	if c.Proxy.Limits.MaxConcurrent > 0 {
		usageScore = 1.0 - float64(c.Usage)/float64(c.Proxy.Limits.MaxConcurrent)
		if usageScore < 0 {
			usageScore = 0
		}
	}

	successScore := 1.0
	if c.TotalRequests > 0 {
		successScore = c.SuccessRate
	}

	responseScore := 1.0
	if c.AvgResponseTime > 0 {
		responseScore = 1.0 - float64(c.AvgResponseTime/time.Millisecond)/responseCeilingMs
		if responseScore < 0 {
			responseScore = 0
		}
	}

	return usageWeight*usageScore + successWeight*successScore + responseWeight*responseScore
}
