// Package loyalty — handlers.go обрабатывает HTTP-запросы /api/loyalty/*.
// Каждый обработчик: достаёт actor из контекста, разбирает параметры,
// вызывает сервис и пишет JSON. Роли проверяет роутер, владение — сервис.
package loyalty

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/common"
)

// Handler обрабатывает запросы модуля лояльности.
type Handler struct {
	service *Service
}

// NewHandler создаёт обработчик лояльности.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func actor(r *http.Request) common.Actor {
	a, _ := common.ActorFromContext(r.Context())
	return a
}

// programResponse — программа для владельца: со scan_code для печати QR.
type programResponse struct {
	*Program
	ScanCode    string `json:"scan_code"`
	HasStaffPIN bool   `json:"has_staff_pin"`
}

func ownerView(p *Program) programResponse {
	return programResponse{Program: p, ScanCode: p.ScanCode, HasStaffPIN: p.HasStaffPIN()}
}

func ownerViews(programs []*Program) []programResponse {
	out := make([]programResponse, 0, len(programs))
	for _, p := range programs {
		out = append(out, ownerView(p))
	}
	return out
}

// ============================================================================
// Публичные и клиентские маршруты
// ============================================================================

// HandleListActive — GET /api/loyalty/programs?city=
func (h *Handler) HandleListActive(w http.ResponseWriter, r *http.Request) {
	city := r.URL.Query().Get("city")
	if city == "" {
		city = actor(r).City
	}
	programs, err := h.service.ListActivePrograms(r.Context(), city)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if programs == nil {
		programs = []*Program{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

// HandleMe — GET /api/loyalty/me
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.Me(r.Context(), actor(r).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if views == nil {
		views = []*MembershipView{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"memberships": views})
}

// HandleHistory — GET /api/loyalty/me/history?program_id=&limit=
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := httpx.QueryInt(r, "limit", 0)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var programID *uuid.UUID
	if raw := r.URL.Query().Get("program_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteJSONError(w, http.StatusBadRequest, "program_id must be a valid id")
			return
		}
		programID = &id
	}

	entries, err := h.service.History(r.Context(), actor(r).UserID, programID, limit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*LedgerEntry{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// HandleJoin — POST /api/loyalty/program/{id}/join
func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	m, created, err := h.service.Join(r.Context(), actor(r), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, map[string]any{"membership": m})
}

type earnRequest struct {
	Amount   int64  `json:"amount"`
	ScanCode string `json:"scan_code"`
}

// ledgerResponse — ответ на начисление/списание.
func ledgerResponse(res *LedgerResult) map[string]any {
	return map[string]any{
		"entry":      res.Entry,
		"membership": res.Membership,
		"progress":   ComputeProgress(res.Program, res.Membership),
		"replayed":   res.Replayed,
	}
}

func ledgerStatus(res *LedgerResult) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

// HandleEarn — POST /api/loyalty/program/{id}/earn (клиент сканирует QR)
func (h *Handler) HandleEarn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	key, err := httpx.IdempotencyKey(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req earnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := h.service.EarnByScan(r.Context(), actor(r), id, req.Amount, req.ScanCode, key)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, ledgerStatus(res), ledgerResponse(res))
}

// HandleReveal — POST /api/loyalty/program/{id}/redeem/reveal
func (h *Handler) HandleReveal(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rd, err := h.service.Reveal(r.Context(), actor(r), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"redemption": rd})
}

type confirmRequest struct {
	StaffPIN string `json:"staff_pin"`
}

// HandleConfirm — POST /api/loyalty/redemptions/{id}/confirm
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req confirmRequest
	if err := httpx.DecodeOptionalJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, rd, err := h.service.Confirm(r.Context(), actor(r), id, req.StaffPIN)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	body := ledgerResponse(res)
	body["redemption"] = rd
	httpx.WriteJSON(w, http.StatusOK, body)
}

// HandleCancel — POST /api/loyalty/redemptions/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	rd, err := h.service.Cancel(r.Context(), actor(r), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"redemption": rd})
}

// ============================================================================
// Кабинет бизнеса
// ============================================================================

// HandleListOwn — GET /api/loyalty/program
func (h *Handler) HandleListOwn(w http.ResponseWriter, r *http.Request) {
	programs, err := h.service.ListOwnPrograms(r.Context(), actor(r))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"programs": ownerViews(programs)})
}

// HandleCreate — POST /api/loyalty/program
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateProgramInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.service.CreateProgram(r.Context(), actor(r), in)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"program": ownerView(p)})
}

// HandleGet — GET /api/loyalty/program/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.service.GetProgram(r.Context(), actor(r), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"program": ownerView(p)})
}

// HandlePause — POST /api/loyalty/program/{id}/pause
func (h *Handler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.handleStatus(w, r, h.service.PauseProgram)
}

// HandleResume — POST /api/loyalty/program/{id}/resume
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.handleStatus(w, r, h.service.ResumeProgram)
}

// HandleEnd — POST /api/loyalty/program/{id}/end
func (h *Handler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	h.handleStatus(w, r, h.service.EndProgram)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, change func(context.Context, common.Actor, uuid.UUID) (*Program, error)) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := change(r.Context(), actor(r), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"program": ownerView(p)})
}

type staffPINRequest struct {
	StaffPIN string `json:"staff_pin"`
}

// HandleSetStaffPIN — PUT /api/loyalty/program/{id}/staff-pin
func (h *Handler) HandleSetStaffPIN(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req staffPINRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, err := h.service.SetStaffPIN(r.Context(), actor(r), id, req.StaffPIN)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"program": ownerView(p)})
}

// HandleMembers — GET /api/loyalty/program/{id}/members?limit=&offset=
func (h *Handler) HandleMembers(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", defaultMembersLimit)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	offset, err := httpx.QueryInt(r, "offset", 0)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	members, err := h.service.Members(r.Context(), actor(r), id, limit, offset)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if members == nil {
		members = []*Membership{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"members": members})
}

// HandleStaffEarn — POST /api/loyalty/program/{id}/members/{userID}/earn
func (h *Handler) HandleStaffEarn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	key, err := httpx.IdempotencyKey(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	var req earnRequest
	if err := httpx.DecodeOptionalJSON(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := h.service.EarnByStaff(r.Context(), actor(r), id, httpx.PathParam(r, "userID"), req.Amount, key)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, ledgerStatus(res), ledgerResponse(res))
}

// HandleStaffRedeem — POST /api/loyalty/program/{id}/members/{userID}/redeem
func (h *Handler) HandleStaffRedeem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	key, err := httpx.IdempotencyKey(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := h.service.RedeemByStaff(r.Context(), actor(r), id, httpx.PathParam(r, "userID"), key)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, ledgerStatus(res), ledgerResponse(res))
}
