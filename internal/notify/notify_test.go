package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/common"
)

type fakeSender struct {
	sent []*telego.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &telego.Message{}, nil
}

type fakeChats map[string]int64

func (f fakeChats) ChatID(_ context.Context, userID string) (int64, error) {
	id, ok := f[userID]
	if !ok {
		return 0, common.ErrNotLinked
	}
	return id, nil
}

func TestTelegramNotifyUser(t *testing.T) {
	sender := &fakeSender{}
	tg := NewTelegram(sender, fakeChats{"user-1": 4242})

	require.NoError(t, tg.NotifyUser(context.Background(), "user-1", "1 stamp away from Free coffee"))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(4242), sender.sent[0].ChatID.ID)
	assert.Equal(t, "1 stamp away from Free coffee", sender.sent[0].Text)

	// Непривязанный пользователь пропускается без ошибки
	require.NoError(t, tg.NotifyUser(context.Background(), "user-2", "hello"))
	assert.Len(t, sender.sent, 1)
}

func TestTelegramSendError(t *testing.T) {
	tg := NewTelegram(&fakeSender{err: errors.New("boom")}, fakeChats{"user-1": 1})
	assert.Error(t, tg.NotifyUser(context.Background(), "user-1", "x"))
}

func TestSlackNotifyAdmins(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(srv.URL, srv.Client())
	require.NoError(t, s.NotifyAdmins(context.Background(), "New edit request"))
	assert.Equal(t, "New edit request", got["text"])
	assert.NoError(t, s.NotifyUser(context.Background(), "u", "ignored"))
}

func TestSlackNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewSlack(srv.URL, srv.Client()).NotifyAdmins(context.Background(), "x")
	assert.Error(t, err)
}

type countingNotifier struct {
	users, admins int
	err           error
}

func (c *countingNotifier) NotifyUser(context.Context, string, string) error {
	c.users++
	return c.err
}

func (c *countingNotifier) NotifyAdmins(context.Context, string) error {
	c.admins++
	return c.err
}

func TestMultiFansOut(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("down")}
	m := Multi{a, b, Log{}}

	err := m.NotifyUser(context.Background(), "u", "t")
	assert.Error(t, err)
	assert.NoError(t, Multi{a, Log{}}.NotifyAdmins(context.Background(), "t"))
	assert.Equal(t, 1, a.users)
	assert.Equal(t, 1, b.users)
	assert.Equal(t, 1, a.admins)
}
