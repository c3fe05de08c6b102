package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// Route paths. Each is also served without its trailing slash.
const (
	PathHealth = "/api/health/"
	PathReady  = "/api/ready/"
	PathClone  = "/api/clone/"
)

const (
	headerRequestID = "X-Request-ID"
	headerSessionID = "X-Session-ID"
	corsMaxAge      = 300
	logRequest      = "%s %s -> %d (%d bytes) in %s [request %s, %s]"
)

// Handler builds the router with its middleware stack.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		s.requestLogger,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins(),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", headerRequestID},
			ExposedHeaders: []string{"Content-Disposition", headerRequestID, headerSessionID, "Retry-After"},
			MaxAge:         corsMaxAge,
		}),
	)

	for _, path := range []string{PathHealth, trimSlash(PathHealth)} {
		router.Get(path, s.handleHealth)
	}

	for _, path := range []string{PathReady, trimSlash(PathReady)} {
		router.Get(path, s.handleReady)
	}

	clone := router.With()
	if s.opts.RateLimitPerMinute > 0 {
		clone = router.With(httprate.Limit(
			s.opts.RateLimitPerMinute,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByRealIP),
			httprate.WithLimitHandler(s.handleRateLimited),
		))
	}

	for _, path := range []string{PathClone, trimSlash(PathClone)} {
		clone.Post(path, s.handleClone)
	}

	router.NotFound(s.handleNotFound)
	router.MethodNotAllowed(s.handleMethodNotAllowed)

	return router
}

func (s *Server) allowedOrigins() []string {
	if len(s.opts.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}

	return s.opts.CORSAllowedOrigins
}

// requestLogger writes one line per request to the service log.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		requestID := middleware.GetReqID(r.Context())
		if requestID != "" {
			wrapped.Header().Set(headerRequestID, requestID)
		}

		defer func() {
			s.log.Info(
				logRequest,
				r.Method, r.URL.Path, wrapped.Status(), wrapped.BytesWritten(),
				time.Since(started).Round(time.Millisecond), requestID, r.RemoteAddr,
			)
		}()

		next.ServeHTTP(wrapped, r)
	})
}

func trimSlash(path string) string {
	return path[:len(path)-1]
}
