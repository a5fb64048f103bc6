package ratelimit

import (
	"context"
	"strings"

	"github.com/proxy-dispatch-service/internal/counter"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "ratelimit:"

// Limiter makes the per-domain admission decision against a shared counter
// store. The read and the increment are not atomic across racing processes;
// slight overshoot under contention is accepted.
type Limiter struct {
	store counter.Store
	rules map[string]types.RateLimitRule
}

func New(store counter.Store, rules []types.RateLimitRule) *Limiter {
	byDomain := make(map[string]types.RateLimitRule, len(rules))
	for _, r := range rules {
		byDomain[strings.ToLower(r.Domain)] = r
	}
	return &Limiter{store: store, rules: byDomain}
}

// Rule returns the configured rule for a domain, if any.
func (l *Limiter) Rule(domain string) (types.RateLimitRule, bool) {
	r, ok := l.rules[strings.ToLower(domain)]
	return r, ok
}

// Admit decides whether one request for the domain may proceed. It never
// blocks; a denial surfaces immediately. Counter store failures admit and
// log rather than stall traffic.
func (l *Limiter) Admit(ctx context.Context, domain string) bool {
	rule, ok := l.Rule(domain)
	if !ok || rule.Requests <= 0 {
		return true
	}

	key := keyPrefix + strings.ToLower(domain)

	if rule.CooldownMs > 0 {
		_, cooling, err := l.store.Get(ctx, key+":cooldown")
		if err != nil {
			log.Warnf("Rate limiter store error for %s: %v (admitting)", domain, err)
			return true
		}
		if cooling {
			return false
		}
	}

	current, exists, err := l.store.Get(ctx, key)
	if err != nil {
		log.Warnf("Rate limiter store error for %s: %v (admitting)", domain, err)
		return true
	}

	if !exists {
		// First admission in the window starts it.
		if err := l.store.SetWithExpiry(ctx, key, 1, rule.Window()); err != nil {
			log.Warnf("Rate limiter store error for %s: %v (admitting)", domain, err)
		}
		return true
	}

	if current < int64(rule.Requests) {
		if _, err := l.store.Increment(ctx, key); err != nil {
			log.Warnf("Rate limiter store error for %s: %v (admitting)", domain, err)
		}
		return true
	}

	if rule.CooldownMs > 0 {
		if err := l.store.SetWithExpiry(ctx, key+":cooldown", 1, rule.Cooldown()); err != nil {
			log.Warnf("Rate limiter store error for %s: %v", domain, err)
		}
	}
	return false
}
