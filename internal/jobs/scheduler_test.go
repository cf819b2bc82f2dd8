package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qwikker.com/loyalty/internal/config"
)

type countingJobs struct {
	resets    atomic.Int32
	reminders atomic.Int32
	expiries  atomic.Int32
	fail      bool
}

func (j *countingJobs) DailyReset(context.Context) (int64, error) {
	j.resets.Add(1)
	if j.fail {
		return 0, errors.New("db down")
	}
	return 1, nil
}

func (j *countingJobs) SendReminders(context.Context) (int, error) {
	j.reminders.Add(1)
	return 0, nil
}

func (j *countingJobs) ExpireReveals(context.Context) (int64, error) {
	j.expiries.Add(1)
	return 0, nil
}

func TestStartRegistersJobs(t *testing.T) {
	cases := []struct {
		name      string
		reminders bool
		want      int
	}{
		{"with reminders", true, 3},
		{"without reminders", false, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScheduler(&countingJobs{}, &config.Config{
				AppTimezone:             "UTC",
				FeatureRemindersEnabled: tc.reminders,
			})
			require.NoError(t, s.Start(context.Background()))
			defer s.Stop()
			assert.Len(t, s.cron.Entries(), tc.want)
		})
	}
}

func TestRunFuncsCallJobs(t *testing.T) {
	jobs := &countingJobs{fail: true}
	s := NewScheduler(jobs, &config.Config{AppTimezone: "Europe/London"})
	ctx := context.Background()

	s.runDailyReset(ctx)
	s.runReminders(ctx)
	s.runExpireReveals(ctx)

	assert.Equal(t, int32(1), jobs.resets.Load())
	assert.Equal(t, int32(1), jobs.reminders.Load())
	assert.Equal(t, int32(1), jobs.expiries.Load())
}
