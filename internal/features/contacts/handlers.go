// Package contacts — handlers.go: POST /api/loyalty/me/telegram-link.
package contacts

import (
	"net/http"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/common"
)

// Handler обрабатывает запросы привязки.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчик привязки.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// HandleCreateLink выдаёт код, который пользователь отправляет боту командой /start.
func (h *Handler) HandleCreateLink(w http.ResponseWriter, r *http.Request) {
	actor, _ := common.ActorFromContext(r.Context())
	lc, err := h.service.CreateLinkCode(r.Context(), actor.UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"code":          lc.Code,
		"expires_at":    lc.ExpiresAt,
		"start_command": "/start " + lc.Code,
	})
}
