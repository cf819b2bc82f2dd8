// Package common — actor.go описывает того, кто выполняет запрос.
// Actor кладётся в контекст middleware авторизации из claims JWT веб-приложения.
package common

import "context"

// Role — роль пользователя платформы.
type Role string

const (
	RoleUser     Role = "user"
	RoleBusiness Role = "business"
	RoleAdmin    Role = "admin"
)

// Valid проверяет, что роль известна.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleBusiness || r == RoleAdmin
}

// Actor — автор запроса.
type Actor struct {
	UserID     string
	Role       Role
	BusinessID string // Только для роли business
	City       string // Город-тенант
}

// IsAdmin — администратор платформы.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// OwnsBusiness — actor представляет бизнес businessID.
func (a Actor) OwnsBusiness(businessID string) bool {
	return a.Role == RoleBusiness && a.BusinessID != "" && a.BusinessID == businessID
}

type actorKey struct{}

// WithActor возвращает контекст с actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext достаёт actor из контекста.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
