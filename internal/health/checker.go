package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/proxy-dispatch-service/internal/metrics"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/transport"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
)

// Options configure the probe loop.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	ProbeURL string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Interval <= 0 {
		out.Interval = 30 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Second
	}
	if out.ProbeURL == "" {
		out.ProbeURL = "https://www.google.com/generate_204"
	}
	return out
}

// Checker probes every non-maintenance proxy on a fixed interval,
// independently of traffic. Probes hit a fixed URL, bypass the domain rate
// limiter and never touch the usage gauge. One http.Client is cached per
// proxy for the process lifetime.
type Checker struct {
	registry *registry.Registry
	metrics  *metrics.Collector
	opts     Options

	clientMu sync.Mutex
	clients  map[string]*http.Client

	stop     chan struct{}
	loopDone chan struct{}
}

func New(reg *registry.Registry, collector *metrics.Collector, opts Options) *Checker {
	return &Checker{
		registry: reg,
		metrics:  collector,
		opts:     opts.withDefaults(),
		clients:  make(map[string]*http.Client),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the probe loop. The first sweep runs immediately.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		defer close(c.loopDone)

		c.RunProbes(ctx)

		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.RunProbes(ctx)
			}
		}
	}()
}

func (c *Checker) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.loopDone
}

// RunProbes sweeps the whole pool once, probing proxies concurrently.
func (c *Checker) RunProbes(ctx context.Context) {
	start := time.Now()
	proxies := c.registry.All()

	var wg sync.WaitGroup
	var healthy, unhealthy, skipped int64
	var countMu sync.Mutex

	for _, cand := range proxies {
		// Operator-held states are not the prober's to change.
		if cand.Status == types.StatusMaintenance || cand.Status == types.StatusSuspended {
			skipped++
			continue
		}

		wg.Add(1)
		go func(cand registry.Candidate) {
			defer wg.Done()

			ok, rtt := c.probe(ctx, cand.Proxy)
			if err := c.registry.RecordProbe(cand.Proxy.ID, ok, rtt); err != nil {
				log.Errorf("Record probe for %s: %v", cand.Proxy.ID, err)
				return
			}

			countMu.Lock()
			if ok {
				healthy++
			} else {
				unhealthy++
			}
			countMu.Unlock()

			if ok {
				c.metrics.RecordProbe("success")
				c.metrics.RecordProbeDuration(rtt.Seconds())
			} else {
				c.metrics.RecordProbe("failure")
				log.WithFields(log.Fields{
					"proxy": cand.Proxy.ID,
					"tier":  cand.Proxy.Tier,
				}).Warn("Proxy failed health probe")
			}
		}(cand)
	}

	wg.Wait()
	c.publishGauges()

	log.WithFields(log.Fields{
		"healthy":   healthy,
		"unhealthy": unhealthy,
		"skipped":   skipped,
		"duration":  time.Since(start).String(),
	}).Info("Health check sweep complete")
}

// probe issues one lightweight request through the proxy. Any 2xx/3xx from
// the probe target counts as reachable.
func (c *Checker) probe(ctx context.Context, p types.Proxy) (bool, time.Duration) {
	client, err := c.clientFor(p)
	if err != nil {
		log.Errorf("Probe client for %s: %v", p.ID, err)
		return false, 0
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.opts.ProbeURL, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return false, 0
	}
	defer resp.Body.Close()

	rtt := time.Since(start)
	return resp.StatusCode >= 200 && resp.StatusCode < 400, rtt
}

func (c *Checker) clientFor(p types.Proxy) (*http.Client, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if client, ok := c.clients[p.ID]; ok {
		return client, nil
	}
	client, err := transport.NewClient(p, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	c.clients[p.ID] = client
	return client, nil
}

func (c *Checker) publishGauges() {
	counts := make(map[types.Tier]map[types.Status]int)
	for _, cand := range c.registry.All() {
		if counts[cand.Proxy.Tier] == nil {
			counts[cand.Proxy.Tier] = make(map[types.Status]int)
		}
		counts[cand.Proxy.Tier][cand.Status]++
	}
	for _, tier := range types.Tiers {
		for _, status := range []types.Status{types.StatusActive, types.StatusFailed, types.StatusSuspended, types.StatusMaintenance} {
			c.metrics.SetProxyCount(string(tier), string(status), counts[tier][status])
		}
	}
}
