package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-dispatch-service/internal/config"
	"github.com/proxy-dispatch-service/internal/dispatch"
	"github.com/proxy-dispatch-service/internal/metrics"
	"github.com/proxy-dispatch-service/internal/registry"
	"github.com/proxy-dispatch-service/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Server is the operational surface around the dispatch library: stats,
// proxy inventory, operator status changes and a request passthrough.
type Server struct {
	config      *config.Config
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

// RateLimiter throttles API callers per client IP.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, d *dispatch.Dispatcher, reg *registry.Registry, collector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		dispatcher:  d,
		registry:    reg,
		metrics:     collector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		endpoint := s.config.Metrics.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		s.router.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/stats", s.handleStats)
	protected.GET("/proxies", s.handleProxies)
	protected.POST("/proxies/:id/status", s.handleProxyStatus)
	protected.POST("/request", s.handleRequest)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"total":          stats.Total,
		"active":         stats.Active,
		"failed":         stats.Failed,
		"by_tier":        stats.ByTier,
		"total_requests": stats.TotalRequests,
		"total_cost":     stats.TotalCost,
		"queue_depth":    s.dispatcher.QueueDepth(),
	})
}

type proxyView struct {
	ID              string  `json:"id"`
	Tier            string  `json:"tier"`
	Provider        string  `json:"provider"`
	Addr            string  `json:"addr"`
	Country         string  `json:"country,omitempty"`
	Status          string  `json:"status"`
	Usage           int     `json:"usage"`
	TotalRequests   int64   `json:"total_requests"`
	Failures        int64   `json:"failures"`
	SuccessRate     float64 `json:"success_rate"`
	AvgResponseMs   int64   `json:"avg_response_ms"`
	DataUsedToday   int64   `json:"data_used_today"`
	LastUsed        string  `json:"last_used,omitempty"`
}

func (s *Server) handleProxies(c *gin.Context) {
	all := s.registry.All()
	views := make([]proxyView, 0, len(all))
	for _, cand := range all {
		v := proxyView{
			ID:            cand.Proxy.ID,
			Tier:          string(cand.Proxy.Tier),
			Provider:      cand.Proxy.Provider,
			Addr:          cand.Proxy.Addr(),
			Country:       cand.Proxy.Country,
			Status:        string(cand.Status),
			Usage:         cand.Usage,
			TotalRequests: cand.TotalRequests,
			Failures:      cand.Failures,
			SuccessRate:   cand.SuccessRate,
			AvgResponseMs: cand.AvgResponseTime.Milliseconds(),
			DataUsedToday: cand.DataUsedToday,
		}
		if !cand.LastUsed.IsZero() {
			v.LastUsed = cand.LastUsed.Format(time.RFC3339)
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"proxies": views})
}

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// handleProxyStatus is the operator path for maintenance and suspension.
// Only maintenance, suspended and active are settable by hand; failed is
// owned by the outcome rules and the health checker.
func (s *Server) handleProxyStatus(c *gin.Context) {
	var body statusRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := types.Status(body.Status)
	switch status {
	case types.StatusActive, types.StatusMaintenance, types.StatusSuspended:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, maintenance or suspended"})
		return
	}

	if err := s.registry.SetStatus(c.Param("id"), status); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": body.Status})
}

type dispatchRequest struct {
	URL       string            `json:"url" binding:"required"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	TimeoutMs int               `json:"timeout_ms"`
	Tier      string            `json:"tier"`
	Country   string            `json:"country"`
	UserAgent string            `json:"user_agent"`
	Priority  int               `json:"priority"`
}

func (s *Server) handleRequest(c *gin.Context) {
	var body dispatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := dispatch.Request{
		URL:       body.URL,
		Method:    body.Method,
		Headers:   body.Headers,
		Timeout:   time.Duration(body.TimeoutMs) * time.Millisecond,
		Tier:      types.Tier(body.Tier),
		Country:   body.Country,
		UserAgent: body.UserAgent,
		Priority:  body.Priority,
	}
	if body.Body != "" {
		req.Body = []byte(body.Body)
	}

	handle, err := s.dispatcher.Enqueue(req)
	if err != nil {
		if errors.Is(err, types.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := handle.Wait(c.Request.Context())
	if err != nil {
		var upstream *types.UpstreamError
		switch {
		case errors.As(err, &upstream):
			// Pass the upstream response through untouched.
		case errors.Is(err, types.ErrRateLimitExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		case errors.Is(err, types.ErrNoProxyAvailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      resp.StatusCode,
		"headers":     resp.Headers,
		"body":        string(resp.Body),
		"proxy_id":    resp.ProxyID,
		"duration_ms": resp.Duration.Milliseconds(),
	})
}
