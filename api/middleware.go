package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const requestIdHeader = "X-Request-Id"

// requestLogger puts a request-scoped logger with a request id into the context and logs every handled request.
func requestLogger(next http.Handler) http.Handler {
	access := hlog.AccessHandler(func(req *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(req).Info().
			Str("method", req.Method).
			Stringer("url", req.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request handled")
	})
	return hlog.NewHandler(log.Logger)(requestId(access(next)))
}

func requestId(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(requestIdHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIdHeader, id)

		logger := zerolog.Ctx(req.Context()).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, req.WithContext(logger.WithContext(req.Context())))
	})
}
