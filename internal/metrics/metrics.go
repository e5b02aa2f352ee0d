package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the exit engine.
type Metrics struct {
	TicksTotal       prometheus.Counter
	DroppedTicks     prometheus.Counter
	WSReconnects     prometheus.Counter
	FeedStalls       prometheus.Counter
	FanoutSaturation *prometheus.GaugeVec // labels: subscriber

	// Exit pipeline
	TriggersTotal    *prometheus.CounterVec // labels: reason
	TickEvalDur      prometheus.Histogram   // tick ingest to exit decision
	OpenPositions    prometheus.Gauge
	InFlightOrders   prometheus.Gauge
	RealizedPnL      prometheus.Gauge // session realized P&L in KRW
	SupplyFlaggedNow prometheus.Gauge // codes currently marked as outflow

	// Order gateway
	OrdersSubmitted   *prometheus.CounterVec // labels: side
	OrdersFilled      *prometheus.CounterVec // labels: reason
	OrdersFailed      prometheus.Counter
	OrderRetries      prometheus.Counter
	DuplicatesDropped prometheus.Counter
	AuthRefreshes     prometheus.Counter
	RepricedBuys      prometheus.Counter
	OrderRoundTrip    prometheus.Histogram // submit to terminal state

	// Persistence
	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Market session state
	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close|ws_disconnect
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	return NewMetricsOn(prometheus.DefaultRegisterer)
}

// NewMetricsOn builds the metric set and registers it with reg. Tests pass
// their own registry so the package-global one stays clean.
func NewMetricsOn(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_ticks_total",
			Help: "Total ticks received from the realtime feed",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_dropped_ticks_total",
			Help: "Ticks dropped because a subscriber channel was full",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_ws_reconnects_total",
			Help: "Realtime feed reconnections",
		}),
		FeedStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_feed_stalls_total",
			Help: "Times the feed watchdog saw no ticks past the staleness limit",
		}),
		FanoutSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exitengine_fanout_saturation_pct",
			Help: "Fill percentage of each subscriber channel in the tick fan-out",
		}, []string{"subscriber"}),

		TriggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_triggers_total",
			Help: "Exit triggers fired (by reason)",
		}, []string{"reason"}),
		TickEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_tick_eval_duration_seconds",
			Help:    "Latency from tick receipt to exit decision",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001},
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_open_positions",
			Help: "Positions currently tracked (pending and holding)",
		}),
		InFlightOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_inflight_orders",
			Help: "Orders submitted and not yet terminal",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_realized_pnl_krw",
			Help: "Session realized P&L in KRW",
		}),
		SupplyFlaggedNow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_supply_flagged_codes",
			Help: "Codes currently flagged as institutional outflow",
		}),

		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_orders_submitted_total",
			Help: "Orders submitted to the broker (by side)",
		}, []string{"side"}),
		OrdersFilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_orders_filled_total",
			Help: "Orders fully filled (by exit reason)",
		}, []string{"reason"}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_orders_failed_total",
			Help: "Orders that ended FAILED after retries or poll exhaustion",
		}),
		OrderRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_order_retries_total",
			Help: "Order submission retries after transient broker errors",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_duplicate_orders_dropped_total",
			Help: "Order requests refused because the position already had one in flight",
		}),
		AuthRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_auth_refreshes_total",
			Help: "Forced token refreshes after broker auth rejections",
		}),
		RepricedBuys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_repriced_buys_total",
			Help: "Buy orders cancelled and repriced after fill-price divergence",
		}),
		OrderRoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_order_roundtrip_seconds",
			Help:    "Time from order submission to terminal state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "exitengine_sqlite_commit_duration_seconds",
			Help:    "SQLite journal commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exitengine_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker was open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exitengine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exitengine_session_transitions_total",
			Help: "Market session transitions (open, close, ws_disconnect)",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.WSReconnects,
		m.FeedStalls,
		m.FanoutSaturation,
		m.TriggersTotal,
		m.TickEvalDur,
		m.OpenPositions,
		m.InFlightOrders,
		m.RealizedPnL,
		m.SupplyFlaggedNow,
		m.OrdersSubmitted,
		m.OrdersFilled,
		m.OrdersFailed,
		m.OrderRetries,
		m.DuplicatesDropped,
		m.AuthRefreshes,
		m.RepricedBuys,
		m.OrderRoundTrip,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.MarketState,
		m.SessionTransitions,
	)

	return m
}

// HealthStatus represents the engine's health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	LockHeld       bool      `json:"lock_held"`
	ExitMode       string    `json:"exit_mode"`
	OpenPositions  int       `json:"open_positions"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLockHeld(v bool) {
	h.mu.Lock()
	h.LockHeld = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetExitMode(mode string) {
	h.mu.Lock()
	h.ExitMode = mode
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenPositions(n int) {
	h.mu.Lock()
	h.OpenPositions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The feed and the journal gate
// readiness; Redis down only degrades, because trading continues without
// the live mirror.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.SQLiteOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.RedisConnected {
		overallStatus = "degraded"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LockHeld        bool    `json:"lock_held"`
		ExitMode        string  `json:"exit_mode"`
		OpenPositions   int     `json:"open_positions"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LockHeld:        h.LockHeld,
		ExitMode:        h.ExitMode,
		OpenPositions:   h.OpenPositions,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
