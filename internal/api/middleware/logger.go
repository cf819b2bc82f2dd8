package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
)

// statusRecorder запоминает код ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// routePattern возвращает шаблон маршрута chi ("/api/loyalty/program/{id}") —
// чтобы метки метрик не росли от UUID в путях.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// LogRequests логирует каждый запрос: метод, маршрут, статус, длительность.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := log.Fields{
			"method":      r.Method,
			"route":       routePattern(r),
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimw.GetReqID(r.Context()),
		}
		if actor, ok := common.ActorFromContext(r.Context()); ok {
			fields["user_id"] = actor.UserID
			fields["role"] = actor.Role
		}

		entry := log.WithFields(fields)
		switch {
		case rec.status >= 500:
			entry.Error("HTTP-запрос")
		case rec.status >= 400:
			entry.Info("HTTP-запрос")
		default:
			entry.Debug("HTTP-запрос")
		}
	})
}
