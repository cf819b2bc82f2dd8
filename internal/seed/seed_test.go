package seed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/common"
	"qwikker.com/loyalty/internal/config"
	"qwikker.com/loyalty/internal/features/loyalty"
)

const fixtures = `
programs:
  - business_id: biz-bakery
    city: Bournemouth
    name: Coffee card
    type: stamps
    reward_threshold: 8
    reward_description: Free coffee
    staff_pin: "4821"
  - business_id: biz-bagels
    city: calgary
    name: Bagel points
    type: points
    reward_threshold: 200
    reward_description: "$5 off"
    points_per_earn_max: 50
`

func newPrograms(t *testing.T) *loyalty.Service {
	t.Helper()
	cfg := &config.Config{AppTimezone: "UTC", RedemptionRevealTTL: time.Minute, PINMaxAttempts: 3}
	svc := loyalty.NewService(loyalty.NewMemoryRepository(), nil, loyalty.NewMetrics(nil), cfg)
	t.Cleanup(svc.Wait)
	return svc
}

func TestLoadAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtures), 0o600))

	file, err := Load(path)
	require.NoError(t, err)
	require.Len(t, file.Programs, 2)
	assert.Equal(t, int64(50), file.Programs[1].PointsPerEarnMax)

	ctx := context.Background()
	programs := newPrograms(t)

	created, err := Apply(ctx, programs, file)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	// Повторный запуск ничего не дублирует
	created, err = Apply(ctx, programs, file)
	require.NoError(t, err)
	assert.Zero(t, created)

	bakery := common.Actor{UserID: "x", Role: common.RoleBusiness, BusinessID: "biz-bakery"}
	own, err := programs.ListOwnPrograms(ctx, bakery)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "bournemouth", own[0].City)
	assert.True(t, own[0].HasStaffPIN())

	active, err := programs.ListActivePrograms(ctx, "calgary")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, loyalty.ProgramTypePoints, active[0].Type)
}

func TestParseRejectsBadFixtures(t *testing.T) {
	_, err := Parse(strings.NewReader("programs:\n  - name: x\n"))
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("programs:\n  - business_id: b\n    name: x\n    colour: red\n"))
	assert.Error(t, err)

	file, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, file.Programs)
}

func TestApplyStopsOnInvalidProgram(t *testing.T) {
	file := &File{Programs: []Program{{
		BusinessID: "biz-1", Name: "Broken", Type: "stamps", RewardThreshold: 0, RewardDescription: "x",
	}}}
	created, err := Apply(context.Background(), newPrograms(t), file)
	assert.ErrorIs(t, err, common.ErrValidation)
	assert.Zero(t, created)
}
