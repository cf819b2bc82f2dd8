// Package editrequests — handlers.go: /api/loyalty/request/edit и /api/loyalty/admin/requests.
package editrequests

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/features/loyalty"
)

// Handler обрабатывает запросы заявок.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчик заявок.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func actor(r *http.Request) common.Actor {
	a, _ := common.ActorFromContext(r.Context())
	return a
}

func orEmpty(reqs []*EditRequest) []*EditRequest {
	if reqs == nil {
		return []*EditRequest{}
	}
	return reqs
}

type submitRequest struct {
	ProgramID uuid.UUID              `json:"program_id"`
	Changes   loyalty.ProgramChanges `json:"changes"`
}

// HandleSubmit — POST /api/loyalty/request/edit
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if body.ProgramID == uuid.Nil {
		httpx.WriteJSONError(w, http.StatusBadRequest, "program_id is required")
		return
	}
	req, err := h.service.Submit(r.Context(), actor(r), body.ProgramID, body.Changes)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request": req})
}

// HandleListOwn — GET /api/loyalty/request/edit
func (h *Handler) HandleListOwn(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.service.ListOwn(r.Context(), actor(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": orEmpty(reqs)})
}

// HandleQueue — GET /api/loyalty/admin/requests?status=
func (h *Handler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusPending
	}
	reqs, err := h.service.ListQueue(r.Context(), actor(r), status)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"requests": orEmpty(reqs)})
}

type reviewRequest struct {
	Note string `json:"note"`
}

// HandleApprove — POST /api/loyalty/admin/requests/{id}/approve
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleReview(w, r, h.service.Approve)
}

// HandleReject — POST /api/loyalty/admin/requests/{id}/reject
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleReview(w, r, h.service.Reject)
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request, review func(context.Context, common.Actor, uuid.UUID, string) (*EditRequest, error)) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var body reviewRequest
	if err := httpx.DecodeOptionalJSON(r, &body); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	req, err := review(r.Context(), actor(r), id, body.Note)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request": req})
}
