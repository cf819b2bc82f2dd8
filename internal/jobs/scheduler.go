// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: ежедневный сброс счётчиков начислений,
// ежечасные напоминания о готовых наградах и закрытие истёкших кодов выдачи.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
)

// Расписания задач.
const (
	specDailyReset    = "0 0 * * *"
	specReminders     = "0 * * * *"
	specExpireReveals = "* * * * *"
)

// Jobs — фоновые операции сервиса лояльности.
type Jobs interface {
	DailyReset(ctx context.Context) (int64, error)
	SendReminders(ctx context.Context) (int, error)
	ExpireReveals(ctx context.Context) (int64, error)
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron      *cron.Cron
	jobs      Jobs
	reminders bool
	timezone  string
}

// NewScheduler создаёт планировщик в часовом поясе APP_TIMEZONE.
func NewScheduler(jobs Jobs, cfg *config.Config) *Scheduler {
	loc := common.LoadLocation(cfg.AppTimezone)

	// Задача, которая не успела закончиться, не запускается второй раз параллельно.
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		reminders: cfg.FeatureRemindersEnabled,
		timezone:  loc.String(),
	}
}

// Start регистрирует и запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	// Ежедневный сброс в 00:00 по APP_TIMEZONE
	if _, err := s.cron.AddFunc(specDailyReset, func() { s.runDailyReset(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации сброса: %w", err)
	}

	// Напоминания каждый час
	if s.reminders {
		if _, err := s.cron.AddFunc(specReminders, func() { s.runReminders(ctx) }); err != nil {
			return fmt.Errorf("ошибка регистрации напоминаний: %w", err)
		}
	}

	// Истёкшие коды выдачи — каждую минуту
	if _, err := s.cron.AddFunc(specExpireReveals, func() { s.runExpireReveals(ctx) }); err != nil {
		return fmt.Errorf("ошибка регистрации закрытия кодов: %w", err)
	}

	s.cron.Start()
	log.WithFields(log.Fields{
		"timezone":  s.timezone,
		"reminders": s.reminders,
		"jobs":      len(s.cron.Entries()),
	}).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт завершения запущенных задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

func (s *Scheduler) runDailyReset(ctx context.Context) {
	log.Info("[CRON] Ежедневный сброс счётчиков начислений")
	if _, err := s.jobs.DailyReset(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка сброса")
	}
}

func (s *Scheduler) runReminders(ctx context.Context) {
	log.Debug("[CRON] Проверка напоминаний")
	if _, err := s.jobs.SendReminders(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка напоминаний")
	}
}

func (s *Scheduler) runExpireReveals(ctx context.Context) {
	if _, err := s.jobs.ExpireReveals(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка закрытия истёкших кодов")
	}
}
