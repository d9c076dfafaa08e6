package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webmail_sessions_active",
			Help: "Current number of credential sessions held in memory",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmail_sessions_created_total",
			Help: "Total number of sessions created after a successful upstream login",
		},
	)

	SessionsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmail_sessions_revoked_total",
			Help: "Total number of sessions removed by logout",
		},
	)

	SessionsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_sessions_expired_total",
			Help: "Total number of sessions removed because they expired",
		},
		[]string{"reason"}, // ttl, idle
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_authentication_attempts_total",
			Help: "Total number of login attempts relayed upstream",
		},
		[]string{"result"},
	)
)

// Upstream gateway metrics
var (
	GatewayOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_gateway_operations_total",
			Help: "Total number of upstream operations by outcome",
		},
		[]string{"protocol", "operation", "result"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webmail_gateway_operation_duration_seconds",
			Help:    "Duration of upstream operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"protocol", "operation"},
	)

	GatewayFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmail_gateway_fetch_item_failures_total",
			Help: "Total number of individual messages that failed during a header fetch",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webmail_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	WorkPoolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webmail_workpool_in_flight",
			Help: "Number of gateway calls currently running on workers",
		},
	)

	WorkPoolWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webmail_workpool_wait_seconds",
			Help:    "Time a gateway call waited for a free worker",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		},
	)
)

// Cache metrics
var (
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_cache_operations_total",
			Help: "Total number of message cache operations",
		},
		[]string{"operation", "status"},
	)

	CacheRowsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_cache_rows_removed_total",
			Help: "Total number of cached messages removed",
		},
		[]string{"reason"}, // reconcile, uidvalidity, purge
	)

	SyncsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmail_sync_coalesced_total",
			Help: "Total number of folder syncs that joined an identical sync already in flight",
		},
	)
)

// Database pool metrics
var (
	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webmail_db_pool_connections",
			Help: "Database pool connections by state",
		},
		[]string{"state"}, // total, idle, acquired
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webmail_db_query_duration_seconds",
			Help:    "Duration of cache database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// HTTP API metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webmail_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	LoginRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_login_rate_limited_total",
			Help: "Total number of login attempts rejected by the rate limiter",
		},
		[]string{"key"}, // ip, username
	)
)

// Health check metrics
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmail_health_checks_total",
			Help: "Total number of health checks by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webmail_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webmail_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)
