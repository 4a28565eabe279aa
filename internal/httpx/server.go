package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-cart-orders/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// NewRouter wires the common middleware plus /healthz and /metrics.
// m and g may be nil, in which case requests are not measured and /metrics is absent.
func NewRouter(log *zap.Logger, m *metrics.Server, g prometheus.Gatherer) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(requestLog(log, m))
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if g != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(g))
	}
	return r
}

func requestLog(log *zap.Logger, m *metrics.Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			if m != nil {
				m.Requests.WithLabelValues(r.Method+" "+route, strconv.Itoa(status)).Inc()
				m.LatencyMS.WithLabelValues(r.Method + " " + route).Observe(float64(elapsed.Milliseconds()))
			}
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
