// Package middleware содержит HTTP-middleware сервиса: авторизацию по JWT,
// rate-limiting, логирование, восстановление после паники и метрики.
package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/api/httpx"
	"qwikker.com/loyalty/internal/common"
)

// Claims — claims токена, который выпускает веб-приложение.
type Claims struct {
	Role       common.Role `json:"role"`
	BusinessID string      `json:"business_id,omitempty"`
	City       string      `json:"city,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator проверяет bearer-токены HS256.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator создаёт проверку токенов. Пустой issuer — issuer не проверяется.
func NewAuthenticator(secret, issuer string) *Authenticator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

var errMissingToken = errors.New("missing bearer token")

// Parse проверяет подпись и claims и возвращает actor.
func (a *Authenticator) Parse(raw string) (common.Actor, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return common.Actor{}, err
	}
	if claims.Subject == "" {
		return common.Actor{}, errors.New("token has no subject")
	}
	if !claims.Role.Valid() {
		return common.Actor{}, errors.New("token has unknown role")
	}
	if claims.Role == common.RoleBusiness && claims.BusinessID == "" {
		return common.Actor{}, errors.New("business token has no business_id")
	}
	return common.Actor{
		UserID:     claims.Subject,
		Role:       claims.Role,
		BusinessID: claims.BusinessID,
		City:       strings.ToLower(strings.TrimSpace(claims.City)),
	}, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// Authenticate требует валидный токен и кладёт actor в контекст запроса.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			httpx.WriteJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		actor, err := a.Parse(raw)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("Токен отклонён")
			httpx.WriteJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithActor(r.Context(), actor)))
	})
}

// Optional разбирает токен, если он есть. Без токена запрос проходит анонимно.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		actor, err := a.Parse(raw)
		if err != nil {
			httpx.WriteJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithActor(r.Context(), actor)))
	})
}

// RequireRole пропускает только перечисленные роли.
func RequireRole(roles ...common.Role) func(http.Handler) http.Handler {
	allowed := make(map[common.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := common.ActorFromContext(r.Context())
			if !ok {
				httpx.WriteJSONError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := allowed[actor.Role]; !ok {
				httpx.WriteError(w, r, common.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
