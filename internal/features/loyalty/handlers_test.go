package loyalty

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/common"
)

type request struct {
	method  string
	pattern string
	target  string
	body    string
	key     string
	actor   common.Actor
}

func serve(t *testing.T, handler http.HandlerFunc, req request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(common.WithActor(r.Context(), req.actor)))
		})
	})
	r.Method(req.method, req.pattern, handler)

	httpReq := httptest.NewRequest(req.method, req.target, strings.NewReader(req.body))
	if req.body != "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.key != "" {
		httpReq.Header.Set(httpx.IdempotencyHeader, req.key)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httpReq)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandleCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)

	rec := serve(t, h.HandleCreate, request{
		method: http.MethodPost, pattern: "/program", target: "/program",
		body:  `{"name":"Coffee card","type":"stamps","reward_threshold":8,"reward_description":"Free coffee"}`,
		actor: env.owner,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	program := decodeBody(t, rec)["program"].(map[string]any)
	assert.NotEmpty(t, program["scan_code"])
	assert.Equal(t, false, program["has_staff_pin"])
	assert.NotContains(t, program, "staff_pin_hash")
	id := program["id"].(string)

	rec = serve(t, h.HandleGet, request{
		method: http.MethodGet, pattern: "/program/{id}", target: "/program/" + id, actor: env.owner,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, h.HandleGet, request{
		method: http.MethodGet, pattern: "/program/{id}", target: "/program/not-a-uuid", actor: env.owner,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h.HandleGet, request{
		method: http.MethodGet, pattern: "/program/{id}", target: "/program/" + id,
		actor: common.Actor{UserID: "x", Role: common.RoleBusiness, BusinessID: "other"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCreateRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)

	rec := serve(t, h.HandleCreate, request{
		method: http.MethodPost, pattern: "/program", target: "/program",
		body: `{"name":"x","bonus":true}`, actor: env.owner,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h.HandleCreate, request{
		method: http.MethodPost, pattern: "/program", target: "/program", actor: env.owner,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleJoinAndEarn(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	p := env.createProgram(t, CreateProgramInput{RewardThreshold: 5})
	target := "/program/" + p.ID.String()

	rec := serve(t, h.HandleJoin, request{
		method: http.MethodPost, pattern: "/program/{id}/join", target: target + "/join", actor: env.customer,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = serve(t, h.HandleJoin, request{
		method: http.MethodPost, pattern: "/program/{id}/join", target: target + "/join", actor: env.customer,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	earn := request{
		method: http.MethodPost, pattern: "/program/{id}/earn", target: target + "/earn",
		body: `{"scan_code":"` + p.ScanCode + `"}`, key: "scan-1", actor: env.customer,
	}
	rec = serve(t, h.HandleEarn, earn)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["replayed"])
	progress := body["progress"].(map[string]any)
	assert.Equal(t, "4 stamps away from Free coffee", progress["message"])

	rec = serve(t, h.HandleEarn, earn)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["replayed"])

	earn.key = ""
	earn.body = `{"scan_code":"forged"}`
	rec = serve(t, h.HandleEarn, earn)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	earn.key = strings.Repeat("k", 129)
	rec = serve(t, h.HandleEarn, earn)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRevealConfirm(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	p := env.createProgram(t, CreateProgramInput{RewardThreshold: 2, StaffPIN: "9090"})
	target := "/program/" + p.ID.String() + "/redeem/reveal"
	reveal := request{
		method: http.MethodPost, pattern: "/program/{id}/redeem/reveal", target: target, actor: env.customer,
	}

	_, _, err := env.svc.Join(t.Context(), env.customer, p.ID)
	require.NoError(t, err)
	rec := serve(t, h.HandleReveal, reveal)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	env.staffEarn(t, p, env.customer.UserID, 2)
	rec = serve(t, h.HandleReveal, reveal)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rd := decodeBody(t, rec)["redemption"].(map[string]any)
	confirmTarget := "/redemptions/" + rd["id"].(string) + "/confirm"

	rec = serve(t, h.HandleConfirm, request{
		method: http.MethodPost, pattern: "/redemptions/{id}/confirm", target: confirmTarget,
		body: `{"staff_pin":"1111"}`, actor: env.customer,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, h.HandleConfirm, request{
		method: http.MethodPost, pattern: "/redemptions/{id}/confirm", target: confirmTarget,
		body: `{"staff_pin":"9090"}`, actor: env.customer,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "confirmed", body["redemption"].(map[string]any)["status"])
	assert.Equal(t, "redeem", body["entry"].(map[string]any)["kind"])

	rec = serve(t, h.HandleCancel, request{
		method: http.MethodPost, pattern: "/redemptions/{id}/cancel",
		target: "/redemptions/" + rd["id"].(string) + "/cancel", actor: env.customer,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStaffRoutes(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	p := env.createProgram(t, CreateProgramInput{RewardThreshold: 1})
	base := "/program/" + p.ID.String() + "/members/"

	rec := serve(t, h.HandleStaffEarn, request{
		method: http.MethodPost, pattern: "/program/{id}/members/{userID}/earn",
		target: base + "walk-in/earn", actor: env.owner,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	redeem := request{
		method: http.MethodPost, pattern: "/program/{id}/members/{userID}/redeem",
		target: base + "walk-in/redeem", key: "till-7", actor: env.owner,
	}
	rec = serve(t, h.HandleStaffRedeem, redeem)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = serve(t, h.HandleStaffRedeem, redeem)
	assert.Equal(t, http.StatusOK, rec.Code)

	redeem.key = ""
	rec = serve(t, h.HandleStaffRedeem, redeem)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(t, h.HandleMembers, request{
		method: http.MethodGet, pattern: "/program/{id}/members",
		target: "/program/" + p.ID.String() + "/members?limit=10", actor: env.owner,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["members"], 1)

	rec = serve(t, h.HandlePause, request{
		method: http.MethodPost, pattern: "/program/{id}/pause",
		target: "/program/" + p.ID.String() + "/pause", actor: env.owner,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decodeBody(t, rec)["program"].(map[string]any)["status"])

	rec = serve(t, h.HandlePause, request{
		method: http.MethodPost, pattern: "/program/{id}/pause",
		target: "/program/" + p.ID.String() + "/pause", actor: env.owner,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleMeAndHistory(t *testing.T) {
	env := newTestEnv(t)
	h := NewHandler(env.svc)
	p := env.createProgram(t, CreateProgramInput{RewardThreshold: 3})
	env.staffEarn(t, p, env.customer.UserID, 1)

	rec := serve(t, h.HandleMe, request{
		method: http.MethodGet, pattern: "/me", target: "/me", actor: env.customer,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	memberships := decodeBody(t, rec)["memberships"].([]any)
	require.Len(t, memberships, 1)
	progress := memberships[0].(map[string]any)["progress"].(map[string]any)
	assert.Equal(t, "2 stamps away from Free coffee", progress["message"])

	rec = serve(t, h.HandleHistory, request{
		method: http.MethodGet, pattern: "/me/history",
		target: "/me/history?program_id=" + p.ID.String() + "&limit=5", actor: env.customer,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["entries"], 1)

	rec = serve(t, h.HandleHistory, request{
		method: http.MethodGet, pattern: "/me/history", target: "/me/history?limit=-1", actor: env.customer,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, h.HandleListActive, request{
		method: http.MethodGet, pattern: "/programs", target: "/programs", actor: env.customer,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	programs := decodeBody(t, rec)["programs"].([]any)
	require.Len(t, programs, 1)
	assert.NotContains(t, programs[0].(map[string]any), "scan_code")
}
