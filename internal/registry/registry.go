package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Proxies transition active -> failed automatically once failures exceed
// failureThreshold and the success rate drops below failureSuccessRate.
// Only a successful health probe moves them back.
const (
	failureThreshold   = 5
	failureSuccessRate = 0.5
)

// proxyState is the single point of truth for one proxy's mutable stats.
// All fields are guarded by mu.
type proxyState struct {
	mu sync.Mutex

	proxy  types.Proxy
	status types.Status

	usage           int
	failures        int64
	totalRequests   int64
	successRate     float64
	avgResponseTime time.Duration
	lastUsed        time.Time
	dataUsedToday   int64
	totalBytes      int64
	day             string

	// Token bucket for the per-minute ceiling. Tokens are inspected
	// non-consumingly during eligibility and consumed at reservation.
	minute *rate.Limiter
}

// Candidate is a read-only view of a proxy and its current stats, safe to
// hand to the selector and the API.
type Candidate struct {
	Proxy           types.Proxy
	Status          types.Status
	Usage           int
	Failures        int64
	TotalRequests   int64
	SuccessRate     float64
	AvgResponseTime time.Duration
	LastUsed        time.Time
	DataUsedToday   int64
	TotalBytes      int64
}

// Registry owns the proxy pool, partitioned by tier. Construction is the only
// time proxies are added; afterwards only stats and status mutate.
type Registry struct {
	byID   map[string]*proxyState
	byTier map[types.Tier][]*proxyState
	now    func() time.Time
}

// New builds a registry from startup configuration. A tier with zero proxies
// is logged and left empty rather than failing startup.
func New(proxies []types.Proxy) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*proxyState, len(proxies)),
		byTier: make(map[types.Tier][]*proxyState),
		now:    time.Now,
	}

	for _, p := range proxies {
		if p.ID == "" {
			return nil, fmt.Errorf("proxy with empty id (host %s)", p.Host)
		}
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("proxy %s: unknown tier %q", p.ID, p.Tier)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate proxy id %q", p.ID)
		}

		st := &proxyState{
			proxy:       p,
			status:      types.StatusActive,
			successRate: 1.0,
			day:         r.now().Format("2006-01-02"),
			minute:      newMinuteLimiter(p.Limits.RequestsPerMinute),
		}
		r.byID[p.ID] = st
		r.byTier[p.Tier] = append(r.byTier[p.Tier], st)
	}

	for _, tier := range types.Tiers {
		if len(r.byTier[tier]) == 0 {
			log.Warnf("No proxies configured for tier %s", tier)
		}
	}

	return r, nil
}

func newMinuteLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

// ListEligible returns candidates in stable pool order: status active, below
// the concurrency ceiling, within the daily byte budget and with per-minute
// tokens left. An empty country matches everything.
func (r *Registry) ListEligible(tier types.Tier, country string) []Candidate {
	pool := r.byTier[tier]
	out := make([]Candidate, 0, len(pool))
	for _, st := range pool {
		st.mu.Lock()
		if st.eligibleLocked(country, r.now()) {
			out = append(out, st.candidateLocked())
		}
		st.mu.Unlock()
	}
	return out
}

func (st *proxyState) eligibleLocked(country string, now time.Time) bool {
	if st.status != types.StatusActive {
		return false
	}
	if country != "" && st.proxy.Country != country {
		return false
	}
	if st.proxy.Limits.MaxConcurrent > 0 && st.usage >= st.proxy.Limits.MaxConcurrent {
		return false
	}
	st.rollDayLocked(now)
	if st.proxy.Limits.DailyDataLimit > 0 && st.dataUsedToday >= st.proxy.Limits.DailyDataLimit {
		return false
	}
	if st.minute != nil && st.minute.TokensAt(now) < 1 {
		return false
	}
	return true
}

func (st *proxyState) rollDayLocked(now time.Time) {
	day := now.Format("2006-01-02")
	if st.day != day {
		st.day = day
		st.dataUsedToday = 0
	}
}

func (st *proxyState) candidateLocked() Candidate {
	return Candidate{
		Proxy:           st.proxy,
		Status:          st.status,
		Usage:           st.usage,
		Failures:        st.failures,
		TotalRequests:   st.totalRequests,
		SuccessRate:     st.successRate,
		AvgResponseTime: st.avgResponseTime,
		LastUsed:        st.lastUsed,
		DataUsedToday:   st.dataUsedToday,
		TotalBytes:      st.totalBytes,
	}
}

// HasUsable reports whether the tier holds any active proxy matching the
// country filter, regardless of current capacity. The dispatcher uses it to
// tell a saturated pool (worth waiting for) from an exhausted one.
func (r *Registry) HasUsable(tier types.Tier, country string) bool {
	for _, st := range r.byTier[tier] {
		st.mu.Lock()
		usable := st.status == types.StatusActive &&
			(country == "" || st.proxy.Country == country)
		st.mu.Unlock()
		if usable {
			return true
		}
	}
	return false
}

// All returns every proxy regardless of status, in tier order. Used by the
// health checker and the API.
func (r *Registry) All() []Candidate {
	out := make([]Candidate, 0, len(r.byID))
	for _, tier := range types.Tiers {
		for _, st := range r.byTier[tier] {
			st.mu.Lock()
			out = append(out, st.candidateLocked())
			st.mu.Unlock()
		}
	}
	return out
}

// FindByID returns a snapshot of one proxy.
func (r *Registry) FindByID(id string) (Candidate, error) {
	st, ok := r.byID[id]
	if !ok {
		return Candidate{}, types.ErrProxyNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.candidateLocked(), nil
}

// Reserve atomically claims a connection slot on the proxy: the eligibility
// conditions are re-checked under the proxy's lock so usage can never exceed
// MaxConcurrent even under concurrent selection.
func (r *Registry) Reserve(id string) error {
	st, ok := r.byID[id]
	if !ok {
		return types.ErrProxyNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := r.now()
	if !st.eligibleLocked("", now) {
		return types.ErrNoProxyAvailable
	}
	if st.minute != nil && !st.minute.AllowN(now, 1) {
		return types.ErrNoProxyAvailable
	}

	st.usage++
	st.lastUsed = now
	return nil
}

// RecordOutcome releases the reservation and folds the attempt into the
// proxy's stats. The response-time blend (old+new)/2 is a deliberate
// recency-weighted smoother, not a true mean.
func (r *Registry) RecordOutcome(id string, oc types.Outcome) error {
	st, ok := r.byID[id]
	if !ok {
		return types.ErrProxyNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.totalRequests++
	if st.usage > 0 {
		st.usage--
	}

	if oc.Success {
		if oc.ResponseTime > 0 {
			if st.avgResponseTime == 0 {
				st.avgResponseTime = oc.ResponseTime
			} else {
				st.avgResponseTime = (st.avgResponseTime + oc.ResponseTime) / 2
			}
		}
		if oc.BytesTransferred > 0 {
			st.rollDayLocked(r.now())
			st.dataUsedToday += oc.BytesTransferred
			st.totalBytes += oc.BytesTransferred
		}
	} else {
		st.failures++
	}

	st.successRate = float64(st.totalRequests-st.failures) / float64(st.totalRequests)

	if !oc.Success && st.status == types.StatusActive &&
		st.failures > failureThreshold && st.successRate < failureSuccessRate {
		st.status = types.StatusFailed
		log.WithFields(log.Fields{
			"proxy":        id,
			"failures":     st.failures,
			"success_rate": st.successRate,
		}).Warn("Proxy marked failed")
	}

	return nil
}

// RecordProbe applies a health-probe result. A successful probe is the only
// path from failed back to active; probes never touch usage or the domain
// rate windows. Maintenance and suspended proxies are operator-held and left
// alone.
func (r *Registry) RecordProbe(id string, success bool, rtt time.Duration) error {
	st, ok := r.byID[id]
	if !ok {
		return types.ErrProxyNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.status == types.StatusMaintenance || st.status == types.StatusSuspended {
		return nil
	}

	if success {
		st.status = types.StatusActive
		if rtt > 0 {
			if st.avgResponseTime == 0 {
				st.avgResponseTime = rtt
			} else {
				st.avgResponseTime = (st.avgResponseTime + rtt) / 2
			}
		}
	} else {
		st.status = types.StatusFailed
	}
	return nil
}

// SetStatus is the operator path for suspending a proxy or taking it in and
// out of maintenance.
func (r *Registry) SetStatus(id string, status types.Status) error {
	st, ok := r.byID[id]
	if !ok {
		return types.ErrProxyNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
	return nil
}

// Stats aggregates the pool into the read-only snapshot exposed to callers.
// Cost sums per-request pricing over lifetime requests and per-GB pricing
// over lifetime bytes.
func (r *Registry) Stats() types.PoolStats {
	stats := types.PoolStats{ByTier: make(map[types.Tier]int)}

	for _, tier := range types.Tiers {
		for _, st := range r.byTier[tier] {
			st.mu.Lock()
			stats.Total++
			stats.ByTier[tier]++
			switch st.status {
			case types.StatusActive:
				stats.Active++
			case types.StatusFailed:
				stats.Failed++
			}
			stats.TotalRequests += st.totalRequests
			stats.TotalCost += float64(st.totalRequests)*st.proxy.Cost.PerRequest +
				float64(st.totalBytes)/(1<<30)*st.proxy.Cost.PerGB
			st.mu.Unlock()
		}
	}

	return stats
}

// ExportUsage snapshots every proxy's persisted counters.
func (r *Registry) ExportUsage() types.StatsSnapshot {
	snap := types.StatsSnapshot{Saved: r.now()}
	for _, tier := range types.Tiers {
		for _, st := range r.byTier[tier] {
			st.mu.Lock()
			snap.Proxies = append(snap.Proxies, types.ProxyUsage{
				ID:                st.proxy.ID,
				Status:            st.status,
				TotalRequests:     st.totalRequests,
				Failures:          st.failures,
				SuccessRate:       st.successRate,
				AvgResponseTimeMs: st.avgResponseTime.Milliseconds(),
				DataUsedToday:     st.dataUsedToday,
				TotalBytes:        st.totalBytes,
				Day:               st.day,
			})
			st.mu.Unlock()
		}
	}
	return snap
}

// RestoreUsage reapplies persisted counters on startup. Daily byte counters
// from a previous day are dropped; unknown IDs are skipped. In-flight usage
// is never restored, a restart has no open reservations.
func (r *Registry) RestoreUsage(snap types.StatsSnapshot) {
	today := r.now().Format("2006-01-02")
	for _, u := range snap.Proxies {
		st, ok := r.byID[u.ID]
		if !ok {
			continue
		}
		st.mu.Lock()
		st.totalRequests = u.TotalRequests
		st.failures = u.Failures
		st.successRate = u.SuccessRate
		if u.TotalRequests == 0 {
			st.successRate = 1.0
		}
		st.avgResponseTime = time.Duration(u.AvgResponseTimeMs) * time.Millisecond
		st.totalBytes = u.TotalBytes
		if u.Day == today {
			st.dataUsedToday = u.DataUsedToday
			st.day = u.Day
		}
		if u.Status == types.StatusMaintenance || u.Status == types.StatusSuspended {
			st.status = u.Status
		}
		st.mu.Unlock()
	}
}
