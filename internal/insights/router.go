package insights

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/health"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/metrics"
	"github.com/ouvidoriag/ogfinal-sub001/pkg/middleware"
)

// Router bundles what NewRouter mounts next to the API handler.
type Router struct {
	Handler  *Handler
	Health   *health.Checker
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Limiter  *middleware.RateLimiter
}

// NewRouter builds the HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST   /api/v1/dimensions/{name}   single-dimension breakdown
//	POST   /api/v1/overview            combined overview
//	POST   /api/v1/dashboard           headline counts
//	POST   /api/v1/pivot               field-by-month pivot
//	POST   /api/v1/records             cursor-paginated records
//	GET    /api/v1/distinct/{field}    distinct dimension values
//	GET    /api/v1/cache/stats         cache hit/miss counters
//	POST   /api/v1/cache/invalidate    manual invalidation
//	GET    /health/live, /health/ready
//	GET    /metrics
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → RateLimit → Timeout → Metrics → mux
//
// Metrics sits next to the mux so it sees the matched route pattern.
func NewRouter(rt Router, cfg config.ServerConfig) http.Handler {
	h := rt.Handler
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/dimensions/{name}", h.Dimension)
	mux.HandleFunc("POST /api/v1/overview", h.Overview)
	mux.HandleFunc("POST /api/v1/dashboard", h.Dashboard)
	mux.HandleFunc("POST /api/v1/pivot", h.Pivot)
	mux.HandleFunc("POST /api/v1/records", h.Records)
	mux.HandleFunc("GET /api/v1/distinct/{field}", h.Distinct)

	mux.HandleFunc("GET /api/v1/cache/stats", h.CacheStats)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.Invalidate)

	if rt.Health != nil {
		mux.HandleFunc("GET /health/live", rt.Health.LiveHandler())
		mux.HandleFunc("GET /health/ready", rt.Health.ReadyHandler())
	}
	if rt.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(rt.Gatherer))
	}

	var chain http.Handler = mux
	if rt.Metrics != nil {
		chain = middleware.Metrics(rt.Metrics)(chain)
	}
	if cfg.RequestTimeout > 0 {
		chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	}
	if rt.Limiter != nil {
		chain = middleware.RateLimit(rt.Limiter)(chain)
	}
	chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowOrigins...))(chain)
	chain = middleware.RequestID(chain)
	return chain
}
