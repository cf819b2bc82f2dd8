// Package bot содержит Telegram-бота: привязку чата к аккаунту и просмотр карточек.
// bot.go запускает long polling, ограничивает параллелизм и маршрутизирует команды.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"

	apimw "qwikker.com/loyalty/internal/api/middleware"
	"qwikker.com/loyalty/internal/bot/filters"
	"qwikker.com/loyalty/internal/bot/middleware"
	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/features/loyalty"
	"qwikker.com/loyalty/internal/notify"
)

// historySize — сколько операций показывает /history.
const historySize = 5

// Linker — привязка чатов (contacts.Service).
type Linker interface {
	Link(ctx context.Context, code string, chatID int64) (string, error)
	UserForChat(ctx context.Context, chatID int64) (string, error)
	Unlink(ctx context.Context, chatID int64) error
}

// Cards — чтение карточек клиента (loyalty.Service).
type Cards interface {
	Me(ctx context.Context, userID string) ([]*loyalty.MembershipView, error)
	History(ctx context.Context, userID string, programID *uuid.UUID, limit int) ([]*loyalty.LedgerEntry, error)
}

// Тексты ответов бота.
const (
	textWelcome = "Hi! Open the QWIKKER app and tap \"Connect Telegram\" to link this chat to your loyalty cards."
	textLinked  = "Telegram connected. We'll message you here when you're close to a reward.\n" +
		"Send /cards to see your loyalty cards."
	textBadCode   = "This link code is invalid or has expired. Please generate a new one in the app."
	textNotLinked = "This chat isn't linked yet. Open the QWIKKER app and tap \"Connect Telegram\"."
	textNoCards   = "You haven't joined any loyalty programs yet."
	textNoHistory = "No loyalty activity yet."
	textStopped   = "Telegram disconnected. You won't receive loyalty messages here any more."
	textFailed    = "Something went wrong, please try again later."
	textHelp      = "Commands:\n" +
		"/cards — your loyalty cards and progress\n" +
		"/history — your latest stamps, points and rewards\n" +
		"/stop — disconnect this chat"
)

// Bot — Telegram-бот сервиса лояльности.
type Bot struct {
	sender notify.MessageSender
	cfg    *config.Config

	links Linker
	cards Cards

	chatFilter  *filters.ChatFilter
	rateLimiter *apimw.RateLimiter
	parser      *CommandParser
	loc         *time.Location

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
	wg       sync.WaitGroup
}

// New создаёт бота. sender — обычно *telego.Bot.
func New(sender notify.MessageSender, cfg *config.Config, links Linker, cards Cards) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	limit, window := cfg.RateLimitRequests, cfg.RateLimitWindow
	if limit <= 0 || window <= 0 {
		limit, window = 30, time.Minute
	}

	return &Bot{
		sender:      sender,
		cfg:         cfg,
		links:       links,
		cards:       cards,
		chatFilter:  filters.NewChatFilter(),
		rateLimiter: apimw.NewRateLimiter(limit, window),
		parser:      NewCommandParser(),
		loc:         common.LoadLocation(cfg.AppTimezone),
		inflight:    make(chan struct{}, maxInFlight),
	}
}

// Run запускает long polling и обрабатывает апдейты до отмены ctx.
func (b *Bot) Run(ctx context.Context, api *telego.Bot) error {
	updates, err := api.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: b.cfg.BotUpdateTimeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("ошибка запуска long polling: %w", err)
	}

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Бот запущен и ожидает сообщения...")

	b.Serve(ctx, updates)
	return nil
}

// Serve обрабатывает апдейты из канала. Возвращается, когда канал закрыт
// или ctx отменён, и дожидается уже запущенных обработчиков.
func (b *Bot) Serve(ctx context.Context, updates <-chan telego.Update) {
	defer b.rateLimiter.Close()
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				return
			}

			// лимит параллелизма
			select {
			case b.inflight <- struct{}{}:
			case <-ctx.Done():
				return
			}
			b.wg.Add(1)
			go func(upd telego.Update) {
				defer b.wg.Done()
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update telego.Update) {
	defer middleware.RecoverFromPanic(update.UpdateID)

	message := update.Message
	if message == nil || message.Text == "" {
		return
	}

	middleware.LogMessage(message)

	if !b.chatFilter.CheckAccess(message) {
		return
	}

	chatID := message.Chat.ID
	if !b.rateLimiter.Allow(fmt.Sprintf("chat:%d", chatID)) {
		log.WithField("chat_id", chatID).Debug("rate limited")
		return
	}

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if !isCommand {
		b.sendMessage(ctx, chatID, textHelp)
		return
	}
	b.routeCommand(ctx, chatID, cmd, args)
}

// routeCommand маршрутизирует команду к нужному обработчику.
func (b *Bot) routeCommand(ctx context.Context, chatID int64, cmd string, args []string) {
	log.WithFields(log.Fields{
		"cmd":     cmd,
		"chat_id": chatID,
	}).Debug("routing command")

	switch cmd {
	case "start":
		b.handleStart(ctx, chatID, args)
	case "cards":
		b.handleCards(ctx, chatID)
	case "history":
		b.handleHistory(ctx, chatID)
	case "stop":
		b.handleStop(ctx, chatID)
	default:
		b.sendMessage(ctx, chatID, textHelp)
	}
}

// handleStart — /start <code>: deep link из приложения привязывает чат.
func (b *Bot) handleStart(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		b.sendMessage(ctx, chatID, textWelcome)
		return
	}

	userID, err := b.links.Link(ctx, args[0], chatID)
	switch {
	case errors.Is(err, common.ErrLinkCodeInvalid):
		b.sendMessage(ctx, chatID, textBadCode)
		return
	case err != nil:
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка привязки чата")
		b.sendMessage(ctx, chatID, textFailed)
		return
	}

	log.WithFields(log.Fields{"chat_id": chatID, "user_id": userID}).Info("Чат привязан через /start")
	b.sendMessage(ctx, chatID, textLinked)
}

// linkedUser возвращает пользователя чата или отвечает, что чат не привязан.
func (b *Bot) linkedUser(ctx context.Context, chatID int64) (string, bool) {
	userID, err := b.links.UserForChat(ctx, chatID)
	if errors.Is(err, common.ErrNotLinked) {
		b.sendMessage(ctx, chatID, textNotLinked)
		return "", false
	}
	if err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка поиска пользователя чата")
		b.sendMessage(ctx, chatID, textFailed)
		return "", false
	}
	return userID, true
}

// handleCards — /cards: карточки с прогрессом.
func (b *Bot) handleCards(ctx context.Context, chatID int64) {
	userID, ok := b.linkedUser(ctx, chatID)
	if !ok {
		return
	}
	views, err := b.cards.Me(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения карточек")
		b.sendMessage(ctx, chatID, textFailed)
		return
	}
	b.sendMessage(ctx, chatID, formatCards(views))
}

// handleHistory — /history: последние операции.
func (b *Bot) handleHistory(ctx context.Context, chatID int64) {
	userID, ok := b.linkedUser(ctx, chatID)
	if !ok {
		return
	}
	views, err := b.cards.Me(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения карточек")
		b.sendMessage(ctx, chatID, textFailed)
		return
	}
	entries, err := b.cards.History(ctx, userID, nil, historySize)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка получения истории")
		b.sendMessage(ctx, chatID, textFailed)
		return
	}
	b.sendMessage(ctx, chatID, formatHistory(entries, views, b.loc))
}

// handleStop — /stop: отвязка чата.
func (b *Bot) handleStop(ctx context.Context, chatID int64) {
	if err := b.links.Unlink(ctx, chatID); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отвязки чата")
		b.sendMessage(ctx, chatID, textFailed)
		return
	}
	b.sendMessage(ctx, chatID, textStopped)
}

// formatCards собирает список карточек.
func formatCards(views []*loyalty.MembershipView) string {
	if len(views) == 0 {
		return textNoCards
	}
	var sb strings.Builder
	sb.WriteString("Your loyalty cards:\n")
	for _, v := range views {
		fmt.Fprintf(&sb, "\n• %s: %s", v.Program.Name, v.Progress.Message)
	}
	return sb.String()
}

// formatHistory собирает список операций. Название программы и единицы берутся из карточек.
func formatHistory(entries []*loyalty.LedgerEntry, views []*loyalty.MembershipView, loc *time.Location) string {
	if len(entries) == 0 {
		return textNoHistory
	}
	programs := make(map[uuid.UUID]*loyalty.Program, len(views))
	for _, v := range views {
		programs[v.Program.ID] = v.Program
	}

	var sb strings.Builder
	sb.WriteString("Latest activity:\n")
	for _, e := range entries {
		name, unit := "Loyalty program", loyalty.ProgramTypeStamps.Unit()
		if p, ok := programs[e.ProgramID]; ok {
			name, unit = p.Name, p.Type.Unit()
		}
		amount := "+" + common.FormatUnits(e.Amount, unit)
		if e.Kind == loyalty.EntryRedeem {
			amount = "-" + common.FormatUnits(e.Amount, unit)
			if e.Note != "" {
				amount += " (" + e.Note + ")"
			}
		}
		fmt.Fprintf(&sb, "\n%s · %s · %s", common.FormatDateTime(e.CreatedAt, loc), name, amount)
	}
	return sb.String()
}

// sendMessage — утилита для отправки сообщений.
func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) {
	if _, err := b.sender.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// CommandParser разбирает команды вида /cmd@botname arg1 arg2.
type CommandParser struct {
	validPrefixes []string
}

// NewCommandParser создаёт парсер команд.
func NewCommandParser() *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"/", "!"},
	}
}

// ParseCommand разбирает текст на команду и аргументы.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}
	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	// В группах Telegram добавляет имя бота: /cards@qwikker_bot
	command, _, _ := strings.Cut(parts[0], "@")
	command = strings.ToLower(command)
	if command == "" {
		return "", nil, false
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return command, args, true
}
