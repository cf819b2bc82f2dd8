package editrequests_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/app"
	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/db/postgres"
	"qwikker.com/loyalty/internal/features/editrequests"
	"qwikker.com/loyalty/internal/features/loyalty"
)

// Запускается только при заданном TEST_DATABASE_URL.
func TestPostgresApproveUpdatesProgramAndRequestTogether(t *testing.T) {
	if testing.Short() {
		t.Skip("интеграционный тест пропущен в short-режиме")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL не задан")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.RunMigrations(ctx, pool, app.Migrations()))

	cfg := &config.Config{AppTimezone: "UTC", RedemptionRevealTTL: time.Minute, PINMaxAttempts: 3}
	programs := loyalty.NewService(loyalty.NewPostgresRepository(pool), nil, loyalty.NewMetrics(nil), cfg)
	t.Cleanup(programs.Wait)
	svc := editrequests.NewService(editrequests.NewPostgresRepository(pool), programs, nil)

	owner := common.Actor{UserID: "owner-" + uuid.NewString(), Role: common.RoleBusiness, BusinessID: "biz-" + uuid.NewString()}
	admin := common.Actor{UserID: "admin-1", Role: common.RoleAdmin}

	p, err := programs.CreateProgram(ctx, owner, loyalty.CreateProgramInput{
		Name:              "Bagel club",
		Type:              loyalty.ProgramTypeStamps,
		RewardThreshold:   6,
		RewardDescription: "Free bagel",
	})
	require.NoError(t, err)

	threshold := int64(10)
	req, err := svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: &threshold})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, admin, req.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, editrequests.StatusApproved, approved.Status)

	got, err := programs.OwnedProgram(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, threshold, got.RewardThreshold)

	// Программа завершена после подачи: изменения не применяются, заявка остаётся pending
	threshold = 12
	req, err = svc.Submit(ctx, owner, p.ID, loyalty.ProgramChanges{RewardThreshold: &threshold})
	require.NoError(t, err)
	_, err = programs.EndProgram(ctx, owner, p.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, admin, req.ID, "")
	assert.ErrorIs(t, err, common.ErrProgramEnded)

	got, err = programs.OwnedProgram(ctx, owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.RewardThreshold)

	stored, err := svc.ListOwn(ctx, owner)
	require.NoError(t, err)
	for _, r := range stored {
		if r.ID == req.ID {
			assert.Equal(t, editrequests.StatusPending, r.Status)
		}
	}
}
