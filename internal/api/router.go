// Package api собирает HTTP-маршруты сервиса лояльности.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/api/middleware"
	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/features/contacts"
	"qwikker.com/loyalty/internal/features/editrequests"
	"qwikker.com/loyalty/internal/features/loyalty"
)

// Deps — всё, что нужно роутеру.
type Deps struct {
	Loyalty      *loyalty.Handler
	EditRequests *editrequests.Handler
	Contacts     *contacts.Handler

	Auth        *middleware.Authenticator
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics // nil — без метрик
	Gatherer    prometheus.Gatherer     // nil — /metrics не отдаётся

	// Health проверяет хранилище для /healthz. nil — всегда ок.
	Health func(ctx context.Context) error
}

// NewRouter создаёт chi-роутер со всеми маршрутами /api/loyalty.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover)
	r.Use(middleware.LogRequests)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	r.Get("/healthz", healthHandler(d.Health))
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/loyalty", func(r chi.Router) {
		// === Каталог: доступен и без токена ===
		r.With(d.Auth.Optional, middleware.RateLimit(d.RateLimiter)).
			Get("/programs", d.Loyalty.HandleListActive)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Authenticate)
			r.Use(middleware.RateLimit(d.RateLimiter))
			authenticated(r, d)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSONError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// authenticated регистрирует маршруты, требующие валидного токена.
func authenticated(r chi.Router, d Deps) {
	// === Клиент ===
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(common.RoleUser))

		r.Get("/me", d.Loyalty.HandleMe)
		r.Get("/me/history", d.Loyalty.HandleHistory)
		r.Post("/me/telegram-link", d.Contacts.HandleCreateLink)

		r.Post("/program/{id}/join", d.Loyalty.HandleJoin)
		r.Post("/program/{id}/earn", d.Loyalty.HandleEarn)
		r.Post("/program/{id}/redeem/reveal", d.Loyalty.HandleReveal)
		r.Post("/redemptions/{id}/confirm", d.Loyalty.HandleConfirm)
		r.Post("/redemptions/{id}/cancel", d.Loyalty.HandleCancel)
	})

	// === Бизнес (владелец) ===
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(common.RoleBusiness))

		r.Get("/program", d.Loyalty.HandleListOwn)
		r.Post("/program", d.Loyalty.HandleCreate)
		r.Put("/program/{id}/staff-pin", d.Loyalty.HandleSetStaffPIN)
		r.Post("/program/{id}/members/{userID}/earn", d.Loyalty.HandleStaffEarn)
		r.Post("/program/{id}/members/{userID}/redeem", d.Loyalty.HandleStaffRedeem)

		r.Post("/request/edit", d.EditRequests.HandleSubmit)
		r.Get("/request/edit", d.EditRequests.HandleListOwn)
	})

	// === Владелец или админ ===
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(common.RoleBusiness, common.RoleAdmin))

		r.Get("/program/{id}", d.Loyalty.HandleGet)
		r.Post("/program/{id}/pause", d.Loyalty.HandlePause)
		r.Post("/program/{id}/resume", d.Loyalty.HandleResume)
		r.Post("/program/{id}/end", d.Loyalty.HandleEnd)
		r.Get("/program/{id}/members", d.Loyalty.HandleMembers)
	})

	// === Админ ===
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(common.RoleAdmin))

		r.Get("/admin/requests", d.EditRequests.HandleQueue)
		r.Post("/admin/requests/{id}/approve", d.EditRequests.HandleApprove)
		r.Post("/admin/requests/{id}/reject", d.EditRequests.HandleReject)
	})
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				log.WithError(err).Warn("Healthcheck: хранилище недоступно")
				httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
