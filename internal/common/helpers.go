// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: склонение единиц лояльности, работа с часовыми поясами городов.
package common

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// PluralizeUnit возвращает правильную форму единицы ("stamp"/"point") для числа n.
//
// Примеры:
//
//	PluralizeUnit(1, "stamp")  → "stamp"
//	PluralizeUnit(3, "stamp")  → "stamps"
//	PluralizeUnit(0, "point")  → "points"
func PluralizeUnit(n int64, unit string) string {
	if n == 1 || n == -1 {
		return unit
	}
	return unit + "s"
}

// FormatUnits форматирует количество с единицей.
// Пример: FormatUnits(5, "stamp") → "5 stamps"
func FormatUnits(n int64, unit string) string {
	return fmt.Sprintf("%d %s", n, PluralizeUnit(n, unit))
}

// LoadLocation загружает часовой пояс по имени.
// Если не удалось — используем UTC, чтобы сервис не падал из-за tzdata.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.WithError(err).WithField("timezone", name).Warn("Не удалось загрузить часовой пояс, используем UTC")
		return time.UTC
	}
	return loc
}

// DayStart возвращает начало календарного дня момента t в часовом поясе loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// SameDay проверяет, попадают ли a и b в один календарный день в часовом поясе loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return DayStart(a, loc).Equal(DayStart(b, loc))
}

// FormatDateTime форматирует время в формат "02 Jan 2006 15:04" в часовом поясе loc.
// Используется для отображения истории в Telegram.
func FormatDateTime(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("02 Jan 2006 15:04")
}
