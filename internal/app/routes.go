package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"agrolink/relay/internal/metrics"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	// Nodes and the bridge post to /datos; /api/datos is kept for older firmware.
	r.Post("/datos", a.handleIngest)
	r.Post("/api/datos", a.handleIngest)

	r.Route("/api", func(r chi.Router) {
		r.Get("/datos", a.handleListReadings)
		r.Delete("/datos/{id}", a.handleDeleteReading)
		r.Get("/estadisticas", a.handleStats)
		r.Get("/nodos", a.handleListNodes)
		r.Get("/nodos/{nodeID}/ubicacion", a.handleNodeLocation)
	})

	r.Get("/", a.handleHome)
	r.Get("/ver", a.handleTable)
	r.Get("/nodo/{nodeID}", a.handleNodePage)

	r.Handle("/ws", a.ws)

	return r
}

// requestLogger logs each request and records its latency under the matched route pattern.
func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed)

		a.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", elapsed),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr),
		)
	})
}
