package types

import (
	"fmt"
	"time"
)

// Tier is a category of proxy supply with its own cost and capacity profile.
type Tier string

const (
	TierResidential Tier = "residential"
	TierDatacenter  Tier = "datacenter"
	TierMobile      Tier = "mobile"
)

// Tiers lists every known tier in a stable order.
var Tiers = []Tier{TierResidential, TierDatacenter, TierMobile}

func (t Tier) Valid() bool {
	switch t {
	case TierResidential, TierDatacenter, TierMobile:
		return true
	}
	return false
}

// Status is the lifecycle state of a proxy endpoint.
type Status string

const (
	StatusActive      Status = "active"
	StatusFailed      Status = "failed"
	StatusSuspended   Status = "suspended"
	StatusMaintenance Status = "maintenance"
)

// Credentials authenticate against a proxy endpoint. They are handed to the
// transport layer as structured data and must never appear in log lines.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Cost holds provider pricing, used for reporting only, never for selection.
type Cost struct {
	PerRequest float64 `json:"per_request"`
	PerGB      float64 `json:"per_gb"`
	Monthly    float64 `json:"monthly"`
}

// Limits caps what a single proxy is allowed to carry.
type Limits struct {
	MaxConcurrent     int   `json:"max_concurrent"`
	RequestsPerMinute int   `json:"requests_per_minute"`
	DailyDataLimit    int64 `json:"daily_data_limit"` // bytes, 0 = unlimited
}

// Proxy is one egress endpoint. Static identity only; mutable stats are owned
// by the registry.
type Proxy struct {
	ID          string       `json:"id"`
	Tier        Tier         `json:"tier"`
	Provider    string       `json:"provider"`
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Protocol    string       `json:"protocol"` // "http" or "socks5"
	Credentials *Credentials `json:"credentials,omitempty"`
	Country     string       `json:"country,omitempty"`
	City        string       `json:"city,omitempty"`
	Cost        Cost         `json:"cost"`
	Limits      Limits       `json:"limits"`
}

func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// RateLimitRule is the per-domain admission policy. Domains without a rule
// always admit.
type RateLimitRule struct {
	Domain        string `json:"domain"`
	Requests      int    `json:"requests"`
	WindowMs      int    `json:"window_ms"`
	PreferredTier Tier   `json:"preferred_tier,omitempty"`
	CooldownMs    int    `json:"cooldown_ms,omitempty"`
}

func (r RateLimitRule) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

func (r RateLimitRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownMs) * time.Millisecond
}

// Outcome reports one completed request attempt through a proxy. A non-2xx
// upstream status is still a transport success; only connection and timeout
// failures count against proxy health.
type Outcome struct {
	Success          bool
	ResponseTime     time.Duration
	BytesTransferred int64
}

// PoolStats is the read-only snapshot returned by GetStats.
type PoolStats struct {
	Total         int          `json:"total"`
	Active        int          `json:"active"`
	Failed        int          `json:"failed"`
	ByTier        map[Tier]int `json:"by_tier"`
	TotalRequests int64        `json:"total_requests"`
	TotalCost     float64      `json:"total_cost"`
}

// ProxyUsage is the persisted slice of one proxy's counters.
type ProxyUsage struct {
	ID                string  `json:"id"`
	Status            Status  `json:"status"`
	TotalRequests     int64   `json:"total_requests"`
	Failures          int64   `json:"failures"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs int64   `json:"avg_response_time_ms"`
	DataUsedToday     int64   `json:"data_used_today"`
	TotalBytes        int64   `json:"total_bytes"`
	Day               string  `json:"day"` // YYYY-MM-DD of the daily counter
}

// StatsSnapshot is a point-in-time export of registry counters, persisted so
// daily limits and cost reporting survive restarts.
type StatsSnapshot struct {
	Proxies []ProxyUsage `json:"proxies"`
	Saved   time.Time    `json:"saved"`
}
