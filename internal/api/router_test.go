package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/api/middleware"
	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/features/contacts"
	"qwikker.com/loyalty/internal/features/editrequests"
	"qwikker.com/loyalty/internal/features/loyalty"
)

const routerSecret = "router-test-secret-0123456789"

type routerEnv struct {
	handler http.Handler
	healthy error
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	cfg := &config.Config{
		AppTimezone:         "UTC",
		RedemptionRevealTTL: time.Minute,
		PINMaxAttempts:      3,
		PINLockoutWindow:    time.Hour,
		HistoryMaxLimit:     100,
	}
	reg := prometheus.NewRegistry()
	programs := loyalty.NewService(loyalty.NewMemoryRepository(), nil, loyalty.NewMetrics(reg), cfg)
	t.Cleanup(programs.Wait)
	requests := editrequests.NewService(editrequests.NewMemoryRepository(), programs, nil)
	links := contacts.NewService(contacts.NewMemoryRepository(), 15*time.Minute)

	limiter := middleware.NewRateLimiter(1000, time.Minute)
	t.Cleanup(limiter.Close)

	env := &routerEnv{}
	env.handler = NewRouter(Deps{
		Loyalty:      loyalty.NewHandler(programs),
		EditRequests: editrequests.NewHandler(requests),
		Contacts:     contacts.NewHandler(links),
		Auth:         middleware.NewAuthenticator(routerSecret, ""),
		RateLimiter:  limiter,
		Metrics:      middleware.NewHTTPMetrics(reg),
		Gatherer:     reg,
		Health:       func(context.Context) error { return env.healthy },
	})
	return env
}

func token(t *testing.T, sub string, role common.Role, businessID string) string {
	t.Helper()
	claims := middleware.Claims{
		Role:       role,
		BusinessID: businessID,
		City:       "Bournemouth",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(routerSecret))
	require.NoError(t, err)
	return signed
}

func (e *routerEnv) do(t *testing.T, method, target, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	env := newRouterEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	env.healthy = errors.New("pool closed")
	rec = env.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loyalty_http_requests_total")

	rec = env.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterEnforcesRoles(t *testing.T) {
	env := newRouterEnv(t)
	user := token(t, "user-1", common.RoleUser, "")
	business := token(t, "owner-1", common.RoleBusiness, "biz-1")
	admin := token(t, "admin-1", common.RoleAdmin, "")

	rec := env.do(t, http.MethodGet, "/api/loyalty/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/loyalty/me", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/loyalty/program", user,
		`{"name":"Coffee card","type":"stamps","reward_threshold":5,"reward_description":"Free coffee"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/loyalty/admin/requests", business, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/loyalty/admin/requests", admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/loyalty/program/"+"00000000-0000-0000-0000-000000000000"+"/join", business, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestProgramsCatalogIsPublic(t *testing.T) {
	env := newRouterEnv(t)
	business := token(t, "owner-1", common.RoleBusiness, "biz-1")

	rec := env.do(t, http.MethodPost, "/api/loyalty/program", business,
		`{"name":"Coffee card","type":"stamps","reward_threshold":5,"reward_description":"Free coffee"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/loyalty/programs?city=Bournemouth", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Coffee card")
	assert.NotContains(t, rec.Body.String(), "scan_code")

	rec = env.do(t, http.MethodGet, "/api/loyalty/programs?city=Calgary", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Coffee card")

	// Битый токен не превращается в анонимный доступ
	rec = env.do(t, http.MethodGet, "/api/loyalty/programs", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Остальные маршруты по-прежнему требуют токен
	rec = env.do(t, http.MethodGet, "/api/loyalty/program", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterEndToEnd(t *testing.T) {
	env := newRouterEnv(t)
	user := token(t, "user-1", common.RoleUser, "")
	business := token(t, "owner-1", common.RoleBusiness, "biz-1")

	rec := env.do(t, http.MethodPost, "/api/loyalty/program", business,
		`{"name":"Coffee card","type":"stamps","reward_threshold":1,"reward_description":"Free coffee"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Program struct {
			ID       string `json:"id"`
			ScanCode string `json:"scan_code"`
		} `json:"program"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/api/loyalty/program/" + created.Program.ID

	rec = env.do(t, http.MethodGet, "/api/loyalty/programs", user, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Coffee card")

	rec = env.do(t, http.MethodPost, base+"/join", user, "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/members/user-1/earn", business, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/loyalty/me", user, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Reward ready!")

	rec = env.do(t, http.MethodPost, "/api/loyalty/me/telegram-link", user, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "/start ")

	rec = env.do(t, http.MethodPost, "/api/loyalty/request/edit", business,
		`{"program_id":"`+created.Program.ID+`","changes":{"reward_description":"Free latte"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}
