package loyalty

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/common"
)

func stampsProgram(threshold int64) *Program {
	return &Program{
		ID:                uuid.New(),
		BusinessID:        "biz-1",
		City:              "bournemouth",
		Name:              "Coffee card",
		Type:              ProgramTypeStamps,
		RewardThreshold:   threshold,
		RewardDescription: "Free coffee",
		Status:            StatusActive,
	}
}

func pointsProgram(threshold, perEarnMax int64) *Program {
	p := stampsProgram(threshold)
	p.Type = ProgramTypePoints
	p.RewardDescription = "£5 off"
	p.PointsPerEarnMax = perEarnMax
	return p
}

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func TestEarnAndRedeemBalanceProperty(t *testing.T) {
	// После N начислений и M списаний баланс = N − M·threshold и никогда не отрицателен
	p := stampsProgram(5)
	m := NewMembership(p.ID, "user-1", t0)
	now := t0

	for i := 0; i < 12; i++ {
		now = now.Add(time.Minute)
		_, err := ApplyEarn(p, m, 1, SourceScan, now, time.UTC)
		require.NoError(t, err)
	}
	redeemed := 0
	for {
		_, err := ApplyRedeem(p, m, SourceStaff, now)
		if err != nil {
			assert.ErrorIs(t, err, common.ErrBelowThreshold)
			break
		}
		redeemed++
	}

	assert.Equal(t, 2, redeemed)
	assert.Equal(t, int64(12-2*5), m.StampsBalance)
	assert.Equal(t, m.TotalEarned-m.TotalRedeemed, m.StampsBalance)
	assert.Equal(t, int64(2), m.RewardsClaimed)
	assert.Zero(t, m.PointsBalance)
	assert.GreaterOrEqual(t, m.StampsBalance, int64(0))
}

func TestRedeemBelowThresholdLeavesStateUnchanged(t *testing.T) {
	p := stampsProgram(3)
	m := NewMembership(p.ID, "user-1", t0)
	m.StampsBalance, m.TotalEarned = 2, 2
	before := *m

	entry, err := ApplyRedeem(p, m, SourceStaff, t0)
	assert.ErrorIs(t, err, common.ErrBelowThreshold)
	assert.Nil(t, entry)
	assert.Equal(t, before, *m)
}

func TestDailyCap(t *testing.T) {
	p := stampsProgram(10)
	p.MaxEarnsPerDay = 2
	m := NewMembership(p.ID, "user-1", t0)

	_, err := ApplyEarn(p, m, 1, SourceScan, t0, time.UTC)
	require.NoError(t, err)
	_, err = ApplyEarn(p, m, 1, SourceScan, t0.Add(time.Hour), time.UTC)
	require.NoError(t, err)
	_, err = ApplyEarn(p, m, 1, SourceScan, t0.Add(2*time.Hour), time.UTC)
	assert.ErrorIs(t, err, common.ErrDailyLimitReached)
	assert.Equal(t, int64(2), m.StampsBalance)

	// Следующий день — ленивый сброс
	entry, err := ApplyEarn(p, m, 1, SourceScan, t0.Add(24*time.Hour), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.BalanceAfter)
	assert.Equal(t, 1, m.EarnedTodayCount)
}

func TestDailyCapUsesCityTimezone(t *testing.T) {
	edmonton := time.FixedZone("MDT", -6*60*60)

	p := stampsProgram(10)
	p.MaxEarnsPerDay = 1
	m := NewMembership(p.ID, "user-1", t0)

	// 20:00 UTC и 05:00 UTC следующего дня — один и тот же вечер в Эдмонтоне
	first := time.Date(2026, 6, 1, 20, 0, 0, 0, time.UTC)
	second := time.Date(2026, 6, 2, 5, 0, 0, 0, time.UTC)

	_, err := ApplyEarn(p, m, 1, SourceScan, first, edmonton)
	require.NoError(t, err)
	_, err = ApplyEarn(p, m, 1, SourceScan, second, edmonton)
	assert.ErrorIs(t, err, common.ErrDailyLimitReached)

	// В UTC это уже разные дни
	m2 := NewMembership(p.ID, "user-2", t0)
	_, err = ApplyEarn(p, m2, 1, SourceScan, first, time.UTC)
	require.NoError(t, err)
	_, err = ApplyEarn(p, m2, 1, SourceScan, second, time.UTC)
	assert.NoError(t, err)
}

func TestMinGap(t *testing.T) {
	p := stampsProgram(10)
	p.MinGapMinutes = 30
	m := NewMembership(p.ID, "user-1", t0)

	_, err := ApplyEarn(p, m, 1, SourceScan, t0, time.UTC)
	require.NoError(t, err)
	_, err = ApplyEarn(p, m, 1, SourceScan, t0.Add(29*time.Minute), time.UTC)
	assert.ErrorIs(t, err, common.ErrTooSoon)
	_, err = ApplyEarn(p, m, 1, SourceScan, t0.Add(30*time.Minute), time.UTC)
	assert.NoError(t, err)
}

func TestEarnAmounts(t *testing.T) {
	stamps := stampsProgram(5)
	points := pointsProgram(100, 50)

	cases := []struct {
		name    string
		p       *Program
		amount  int64
		want    int64
		wantErr error
	}{
		{"stamps default", stamps, 0, 1, nil},
		{"stamps one", stamps, 1, 1, nil},
		{"stamps many", stamps, 3, 0, common.ErrAmountTooLarge},
		{"stamps negative", stamps, -1, 0, common.ErrInvalidAmount},
		{"points ok", points, 40, 40, nil},
		{"points zero", points, 0, 0, common.ErrInvalidAmount},
		{"points over cap", points, 51, 0, common.ErrAmountTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeEarnAmount(tc.p, tc.amount)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPointsMoveOnlyPointsBalance(t *testing.T) {
	p := pointsProgram(100, 0)
	m := NewMembership(p.ID, "user-1", t0)

	_, err := ApplyEarn(p, m, 120, SourceStaff, t0, time.UTC)
	require.NoError(t, err)
	entry, err := ApplyRedeem(p, m, SourceStaff, t0)
	require.NoError(t, err)

	assert.Equal(t, int64(20), m.PointsBalance)
	assert.Zero(t, m.StampsBalance)
	assert.Equal(t, int64(100), entry.Amount)
	assert.Equal(t, "£5 off", entry.Note)
}

func TestStatusGates(t *testing.T) {
	p := stampsProgram(1)
	m := NewMembership(p.ID, "user-1", t0)
	m.StampsBalance, m.TotalEarned = 1, 1

	p.Status = StatusPaused
	_, err := ApplyEarn(p, m, 1, SourceScan, t0, time.UTC)
	assert.ErrorIs(t, err, common.ErrProgramNotActive)
	// На паузе накопленную награду получить можно
	assert.NoError(t, CheckRedeem(p, m))

	p.Status = StatusEnded
	_, err = ApplyEarn(p, m, 1, SourceScan, t0, time.UTC)
	assert.ErrorIs(t, err, common.ErrProgramNotActive)
	assert.ErrorIs(t, CheckRedeem(p, m), common.ErrProgramEnded)
}

func TestTransitions(t *testing.T) {
	p := stampsProgram(5)

	require.NoError(t, Transition(p, StatusPaused, t0))
	assert.Equal(t, StatusPaused, p.Status)
	assert.ErrorIs(t, Transition(p, StatusPaused, t0), common.ErrInvalidTransition)
	require.NoError(t, Transition(p, StatusActive, t0))
	require.NoError(t, Transition(p, StatusEnded, t0))
	require.NotNil(t, p.EndedAt)

	// ended — конечное состояние
	for _, to := range []ProgramStatus{StatusActive, StatusPaused, StatusEnded} {
		assert.ErrorIs(t, Transition(p, to, t0), common.ErrProgramEnded)
	}
}

func TestApplyChanges(t *testing.T) {
	p := stampsProgram(5)

	threshold := int64(8)
	name := "  Bigger card "
	next, err := ApplyChanges(p, ProgramChanges{RewardThreshold: &threshold, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, int64(8), next.RewardThreshold)
	assert.Equal(t, "Bigger card", next.Name)
	assert.Equal(t, int64(5), p.RewardThreshold, "input program is not modified")

	points := "points"
	_, err = ApplyChanges(p, ProgramChanges{Type: &points})
	assert.ErrorIs(t, err, common.ErrImmutableField)

	zero := int64(0)
	_, err = ApplyChanges(p, ProgramChanges{RewardThreshold: &zero})
	assert.ErrorIs(t, err, common.ErrValidation)

	p.Status = StatusEnded
	_, err = ApplyChanges(p, ProgramChanges{RewardThreshold: &threshold})
	assert.ErrorIs(t, err, common.ErrProgramEnded)
}

func TestValidateProgram(t *testing.T) {
	assert.NoError(t, ValidateProgram(stampsProgram(10)))

	bad := stampsProgram(10)
	bad.PointsPerEarnMax = 5
	assert.ErrorIs(t, ValidateProgram(bad), common.ErrValidation)

	bad = stampsProgram(10)
	bad.Type = "coupons"
	assert.ErrorIs(t, ValidateProgram(bad), common.ErrValidation)

	bad = stampsProgram(10)
	bad.RewardDescription = " "
	assert.ErrorIs(t, ValidateProgram(bad), common.ErrValidation)
}

func TestProgressMessages(t *testing.T) {
	p := stampsProgram(10)
	m := NewMembership(p.ID, "user-1", t0)

	m.StampsBalance = 8
	pr := ComputeProgress(p, m)
	assert.Equal(t, "2 stamps away from Free coffee", pr.Message)
	assert.Equal(t, 80, pr.Percent)
	assert.False(t, pr.RewardReady())

	m.StampsBalance = 9
	assert.Equal(t, "1 stamp away from Free coffee", ComputeProgress(p, m).Message)

	m.StampsBalance = 10
	pr = ComputeProgress(p, m)
	assert.Equal(t, "Reward ready! Show this to redeem: Free coffee", pr.Message)
	assert.True(t, pr.RewardReady())

	m.StampsBalance = 21
	assert.Equal(t, int64(2), ComputeProgress(p, m).RewardsAvailable)

	pts := pointsProgram(100, 0)
	pm := NewMembership(pts.ID, "user-1", t0)
	pm.PointsBalance = 60
	assert.Equal(t, "40 points away from £5 off", ComputeProgress(pts, pm).Message)
}

func TestDetectMilestone(t *testing.T) {
	p := stampsProgram(10)
	assert.Equal(t, MilestoneOneAway, DetectMilestone(p, 8, 9))
	assert.Equal(t, MilestoneRewardReady, DetectMilestone(p, 9, 10))
	assert.Equal(t, MilestoneNone, DetectMilestone(p, 3, 4))
	assert.Equal(t, MilestoneNone, DetectMilestone(p, 10, 10))
}
