// Package editrequests — заявки бизнеса на изменение программы лояльности.
// Бизнес не меняет условия программы напрямую: заявку рассматривает администратор.
package editrequests

import (
	"time"

	"github.com/google/uuid"

	"qwikker.com/loyalty/internal/features/loyalty"
)

// Status — состояние заявки.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Valid проверяет, что статус известен.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// EditRequest — заявка на изменение программы.
// У программы может быть не больше одной заявки в статусе pending.
type EditRequest struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	ProgramID   uuid.UUID              `json:"program_id" db:"program_id"`
	BusinessID  string                 `json:"business_id" db:"business_id"`
	SubmittedBy string                 `json:"submitted_by" db:"submitted_by"`
	Changes     loyalty.ProgramChanges `json:"changes" db:"changes"`
	Status      Status                 `json:"status" db:"status"`
	ReviewerID  string                 `json:"reviewer_id,omitempty" db:"reviewer_id"`
	ReviewNote  string                 `json:"review_note,omitempty" db:"review_note"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
}
