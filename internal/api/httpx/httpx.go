// Package httpx содержит общие помощники HTTP-обработчиков:
// запись JSON, маппинг доменных ошибок на HTTP-статусы, разбор параметров.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
)

// maxBodyBytes — ограничение размера тела запроса.
const maxBodyBytes = 64 << 10

// IdempotencyHeader — заголовок с ключом идемпотентности.
const IdempotencyHeader = "Idempotency-Key"

var errEmptyBody = fmt.Errorf("%w: request body is required", common.ErrValidation)

// WriteJSON пишет JSON-ответ с указанным статусом.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("Ошибка записи JSON-ответа")
	}
}

// WriteJSONError пишет {"error": message}.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// statusMapping — доменные ошибки и их HTTP-статусы.
var statusMapping = []struct {
	err    error
	status int
}{
	{common.ErrValidation, http.StatusBadRequest},
	{common.ErrInvalidAmount, http.StatusBadRequest},
	{common.ErrEmptyChanges, http.StatusBadRequest},
	{common.ErrForbidden, http.StatusForbidden},
	{common.ErrInvalidScanCode, http.StatusForbidden},
	{common.ErrWrongPIN, http.StatusForbidden},
	{common.ErrNotFound, http.StatusNotFound},
	{common.ErrProgramNotFound, http.StatusNotFound},
	{common.ErrNotMember, http.StatusNotFound},
	{common.ErrRedemptionNotFound, http.StatusNotFound},
	{common.ErrEditRequestNotFound, http.StatusNotFound},
	{common.ErrNotLinked, http.StatusNotFound},
	{common.ErrProgramNotActive, http.StatusConflict},
	{common.ErrProgramEnded, http.StatusConflict},
	{common.ErrInvalidTransition, http.StatusConflict},
	{common.ErrRedemptionNotPending, http.StatusConflict},
	{common.ErrEditRequestPending, http.StatusConflict},
	{common.ErrRequestResolved, http.StatusConflict},
	{common.ErrIdempotencyConflict, http.StatusConflict},
	{common.ErrRedemptionExpired, http.StatusGone},
	{common.ErrLinkCodeInvalid, http.StatusGone},
	{common.ErrImmutableField, http.StatusUnprocessableEntity},
	{common.ErrAmountTooLarge, http.StatusUnprocessableEntity},
	{common.ErrBelowThreshold, http.StatusUnprocessableEntity},
	{common.ErrDailyLimitReached, http.StatusTooManyRequests},
	{common.ErrTooSoon, http.StatusTooManyRequests},
	{common.ErrTooManyPINAttempts, http.StatusTooManyRequests},
}

// StatusFor возвращает HTTP-статус для ошибки. Неизвестные ошибки — 500.
func StatusFor(err error) int {
	for _, m := range statusMapping {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// WriteError пишет ошибку. Текст доменных ошибок показывается как есть,
// внутренние ошибки логируются и заменяются общим сообщением.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("Внутренняя ошибка обработчика")
		WriteJSONError(w, status, "internal error")
		return
	}
	WriteJSONError(w, status, err.Error())
}

// DecodeJSON читает тело запроса в dst. Неизвестные поля — ошибка валидации.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: %s", common.ErrValidation, err.Error())
	}
	return nil
}

// DecodeOptionalJSON — как DecodeJSON, но пустое тело допустимо.
func DecodeOptionalJSON(r *http.Request, dst any) error {
	err := DecodeJSON(r, dst)
	if errors.Is(err, errEmptyBody) {
		return nil
	}
	return err
}

// PathUUID читает UUID из параметра маршрута chi.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a valid id", common.ErrValidation, name)
	}
	return id, nil
}

// PathParam читает строковый параметр маршрута chi.
func PathParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// QueryInt читает целое из query-параметра. Пустое значение — def.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", common.ErrValidation, name)
	}
	return n, nil
}

// IdempotencyKey читает ключ идемпотентности из заголовка.
func IdempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if len(key) > 128 {
		return "", fmt.Errorf("%w: %s is too long", common.ErrValidation, IdempotencyHeader)
	}
	return key, nil
}
