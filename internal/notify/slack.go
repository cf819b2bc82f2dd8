// Package notify — slack.go отправляет сообщения администраторам во входящий вебхук Slack.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Slack — уведомления администраторам через incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
}

// NewSlack создаёт Slack-канал. client может быть nil — тогда используется клиент с таймаутом 5s.
func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Slack{webhookURL: webhookURL, client: client}
}

// NotifyUser — клиенты не получают сообщений в Slack.
func (s *Slack) NotifyUser(context.Context, string, string) error {
	return nil
}

// NotifyAdmins отправляет {"text": ...} в вебхук.
func (s *Slack) NotifyAdmins(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ошибка создания запроса в Slack: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка отправки в Slack: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook ответил %d", resp.StatusCode)
	}
	return nil
}
