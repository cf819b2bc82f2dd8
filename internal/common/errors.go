// Package common — errors.go определяет пользовательские ошибки,
// которые используются во всех модулях сервиса.
// Тексты ошибок показываются пользователю веб-приложения как есть,
// поэтому они на английском.
package common

import "errors"

// Общие ошибки
var (
	// ErrNotFound — запись не найдена
	ErrNotFound = errors.New("not found")
	// ErrForbidden — нет прав на операцию
	ErrForbidden = errors.New("you do not have access to this resource")
	// ErrValidation — некорректные входные данные
	ErrValidation = errors.New("invalid request")
)

// Ошибки программ лояльности
var (
	// ErrProgramNotFound — программа не найдена
	ErrProgramNotFound = errors.New("loyalty program not found")
	// ErrProgramNotActive — программа на паузе или завершена, копить нельзя
	ErrProgramNotActive = errors.New("this loyalty program is not currently active")
	// ErrProgramEnded — программа завершена, это конечное состояние
	ErrProgramEnded = errors.New("this loyalty program has ended")
	// ErrInvalidTransition — недопустимый переход статуса
	ErrInvalidTransition = errors.New("invalid program status change")
	// ErrImmutableField — поле нельзя менять после создания
	ErrImmutableField = errors.New("program type cannot be changed")
)

// Ошибки участия и леджера
var (
	// ErrNotMember — пользователь не вступил в программу
	ErrNotMember = errors.New("you are not a member of this loyalty program")
	// ErrInvalidAmount — сумма должна быть положительной
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrAmountTooLarge — превышен лимит баллов за одно начисление
	ErrAmountTooLarge = errors.New("amount exceeds the per-visit limit")
	// ErrDailyLimitReached — дневной лимит начислений исчерпан
	ErrDailyLimitReached = errors.New("daily earning limit reached, come back tomorrow")
	// ErrTooSoon — с прошлого начисления прошло слишком мало времени
	ErrTooSoon = errors.New("please wait before earning again")
	// ErrBelowThreshold — на балансе меньше, чем стоит награда
	ErrBelowThreshold = errors.New("not enough balance to redeem a reward yet")
	// ErrInvalidScanCode — QR-код не совпадает с кодом программы
	ErrInvalidScanCode = errors.New("invalid QR code for this business")
	// ErrIdempotencyConflict — ключ идемпотентности уже использован для другой операции
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different operation")
)

// Ошибки выдачи награды (reveal-and-confirm)
var (
	// ErrRedemptionNotFound — заявка на выдачу не найдена
	ErrRedemptionNotFound = errors.New("redemption not found")
	// ErrRedemptionNotPending — заявка уже подтверждена, отменена или истекла
	ErrRedemptionNotPending = errors.New("this redemption is no longer pending")
	// ErrRedemptionExpired — время на подтверждение вышло
	ErrRedemptionExpired = errors.New("this redemption has expired, please reveal again")
	// ErrWrongPIN — неверный PIN сотрудника
	ErrWrongPIN = errors.New("incorrect staff PIN")
	// ErrTooManyPINAttempts — слишком много неверных PIN, подтверждение заблокировано
	ErrTooManyPINAttempts = errors.New("too many incorrect PIN attempts, try again later")
)

// Ошибки заявок на изменение программы
var (
	// ErrEditRequestNotFound — заявка не найдена
	ErrEditRequestNotFound = errors.New("edit request not found")
	// ErrEditRequestPending — по программе уже есть необработанная заявка
	ErrEditRequestPending = errors.New("an edit request for this program is already pending review")
	// ErrRequestResolved — заявка уже рассмотрена
	ErrRequestResolved = errors.New("this edit request has already been reviewed")
	// ErrEmptyChanges — в заявке нет изменений
	ErrEmptyChanges = errors.New("edit request contains no changes")
)

// Ошибки привязки Telegram
var (
	// ErrLinkCodeInvalid — код привязки не найден, использован или истёк
	ErrLinkCodeInvalid = errors.New("link code is invalid or expired")
	// ErrNotLinked — у пользователя нет привязанного чата
	ErrNotLinked = errors.New("no telegram chat linked")
)
