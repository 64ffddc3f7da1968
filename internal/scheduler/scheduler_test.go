package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Scheduler.TickInterval = 30 * time.Second
	cfg.Scheduler.ReminderLead = 15 * time.Minute
	cfg.Scheduler.GraceWindow = 2 * time.Hour
	cfg.Scheduler.AdherenceWindowDays = 30
	cfg.Dispatcher.DefaultChannel = "log"
	cfg.Cache.AlertKeyPrefix = "artemis:user:"
	cfg.Cache.AdherenceSuffix = ":adherence"
	cfg.Cache.AdherenceTTL = 10 * time.Minute
	return cfg
}

var baseTime = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func activeSchedule(medicationID string, startAt time.Time, interval time.Duration) *models.MedicationSchedule {
	return &models.MedicationSchedule{
		MedicationID: medicationID,
		UserID:       "user-1",
		Name:         "Metformin",
		Dosage:       "500mg",
		Interval:     interval,
		StartAt:      startAt,
		Status:       models.ScheduleActive,
	}
}

func setupScheduler(t *testing.T, schedules ...*models.MedicationSchedule) (*Scheduler, *fakeScheduleStore, *fakeDoseStore, *fakeNotifier) {
	t.Helper()

	scheduleStore := newFakeScheduleStore(schedules...)
	doseStore := newFakeDoseStore()
	notifier := &fakeNotifier{}

	s := NewScheduler(testConfig(), scheduleStore, doseStore, notifier, nil, zap.NewNop())
	s.now = func() time.Time { return baseTime }

	return s, scheduleStore, doseStore, notifier
}

func TestScheduler_TickCreatesUpcomingDoses(t *testing.T) {
	s, _, doseStore, notifier := setupScheduler(t,
		activeSchedule("med-1", baseTime, 8*time.Hour),
	)

	require.NoError(t, s.Tick(context.Background()))

	// doses materialized from start up to one interval ahead
	statuses := doseStore.statuses("med-1")
	assert.Len(t, statuses, 2)
	assert.Contains(t, statuses, baseTime.Unix())
	assert.Contains(t, statuses, baseTime.Add(8*time.Hour).Unix())

	// the dose due right now gets a reminder
	require.Len(t, notifier.tasks, 1)
	assert.Equal(t, models.NotifyDoseReminder, notifier.tasks[0].Kind)
	assert.Equal(t, "user-1", notifier.tasks[0].UserID)
}

func TestScheduler_ReminderKeyStableAcrossTicks(t *testing.T) {
	s, _, _, notifier := setupScheduler(t,
		activeSchedule("med-1", baseTime.Add(10*time.Minute), 8*time.Hour),
	)

	// dose is 10 minutes out, inside the 15 minute reminder lead
	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))

	keys := notifier.keys()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "repeated ticks reuse the idempotency key so the dispatcher dedupes")
}

func TestScheduler_MarksOverdueDoseMissed(t *testing.T) {
	s, _, doseStore, notifier := setupScheduler(t,
		activeSchedule("med-1", baseTime.Add(-3*time.Hour), 8*time.Hour),
	)

	require.NoError(t, s.Tick(context.Background()))

	// the dose 3 hours ago is past the 2 hour grace window
	statuses := doseStore.statuses("med-1")
	assert.Equal(t, models.DoseMissed, statuses[baseTime.Add(-3*time.Hour).Unix()])

	// no reminder for a dose that is already missed
	assert.Empty(t, notifier.tasks)
}

func TestScheduler_EndsExpiredSchedule(t *testing.T) {
	schedule := activeSchedule("med-1", baseTime.Add(-27*time.Hour), 24*time.Hour)
	endAt := baseTime.Add(-3 * time.Hour)
	schedule.EndAt = &endAt

	s, scheduleStore, doseStore, _ := setupScheduler(t, schedule)

	require.NoError(t, s.Tick(context.Background()))

	// no doses materialized past the end time
	statuses := doseStore.statuses("med-1")
	assert.Len(t, statuses, 2)
	for _, status := range statuses {
		assert.Equal(t, models.DoseMissed, status)
	}

	got, err := scheduleStore.GetSchedule(context.Background(), "med-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleEnded, got.Status)
}

func TestScheduler_PausedScheduleIsSkipped(t *testing.T) {
	schedule := activeSchedule("med-1", baseTime, 8*time.Hour)
	schedule.Status = models.SchedulePaused

	s, _, doseStore, notifier := setupScheduler(t, schedule)

	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, doseStore.statuses("med-1"))
	assert.Empty(t, notifier.tasks)
}

func TestScheduler_EndFinalizesPendingDoses(t *testing.T) {
	s, scheduleStore, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime.Add(-4*time.Hour), 8*time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime.Add(-4*time.Hour)))
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime.Add(4*time.Hour)))

	require.NoError(t, s.EndSchedule(ctx, "med-1"))

	got, err := scheduleStore.GetSchedule(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleEnded, got.Status)

	// the overdue dose reaches a terminal status, the future dose is no longer expected
	statuses := doseStore.statuses("med-1")
	assert.Len(t, statuses, 1)
	assert.Equal(t, models.DoseMissed, statuses[baseTime.Add(-4*time.Hour).Unix()])

	// an ended schedule never strands pending doses for later ticks
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, doseStore.statuses("med-1"), 1)
}

func TestScheduler_PauseFinalizesPendingDoses(t *testing.T) {
	s, scheduleStore, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime.Add(-time.Hour), 8*time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime.Add(-time.Hour)))
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime.Add(7*time.Hour)))

	require.NoError(t, s.PauseSchedule(ctx, "med-1"))

	got, err := scheduleStore.GetSchedule(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, models.SchedulePaused, got.Status)

	statuses := doseStore.statuses("med-1")
	assert.Len(t, statuses, 1)
	assert.Equal(t, models.DoseMissed, statuses[baseTime.Add(-time.Hour).Unix()])
}

func TestScheduler_ResumeSkipsPauseWindow(t *testing.T) {
	s, _, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime.Add(-72*time.Hour), 24*time.Hour),
	)

	current := baseTime
	s.now = func() time.Time { return current }

	ctx := context.Background()
	for _, at := range []time.Time{baseTime.Add(-72 * time.Hour), baseTime.Add(-48 * time.Hour)} {
		require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", at))
		require.NoError(t, doseStore.MarkTaken(ctx, "med-1", at, at))
	}
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime.Add(-24*time.Hour)))

	require.NoError(t, s.PauseSchedule(ctx, "med-1"))

	// three days later the schedule is resumed
	current = baseTime.Add(72 * time.Hour)
	require.NoError(t, s.ResumeSchedule(ctx, "med-1"))
	require.NoError(t, s.Tick(ctx))

	// doses restart on the original grid at the current time,
	// nothing is backfilled for the pause window
	statuses := doseStore.statuses("med-1")
	assert.Len(t, statuses, 5)
	assert.Equal(t, models.DosePending, statuses[baseTime.Add(72*time.Hour).Unix()])
	assert.Equal(t, models.DosePending, statuses[baseTime.Add(96*time.Hour).Unix()])
	for _, offset := range []time.Duration{0, 24 * time.Hour, 48 * time.Hour} {
		assert.NotContains(t, statuses, baseTime.Add(offset).Unix())
	}

	// the only missed dose is the one pending when the pause happened
	missed := 0
	for _, status := range statuses {
		if status == models.DoseMissed {
			missed++
		}
	}
	assert.Equal(t, 1, missed)
}

func TestScheduler_LogDose(t *testing.T) {
	s, _, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime, 8*time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime))

	// logged 30 minutes after the scheduled time, inside the grace window
	dose, err := s.LogDose(ctx, "user-1", "med-1", baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.DoseTaken, dose.Status)
	require.NotNil(t, dose.LoggedAt)
	assert.True(t, dose.LoggedAt.Equal(baseTime.Add(30*time.Minute)))

	// the dose is consumed, logging again finds nothing
	_, err = s.LogDose(ctx, "user-1", "med-1", baseTime.Add(35*time.Minute))
	assert.ErrorIs(t, err, ErrNoMatchingDose)
}

func TestScheduler_LogDoseOutsideGraceWindow(t *testing.T) {
	s, _, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime, 8*time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime))

	_, err := s.LogDose(ctx, "user-1", "med-1", baseTime.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrNoMatchingDose)
}

func TestScheduler_LogDoseWrongUser(t *testing.T) {
	s, _, doseStore, _ := setupScheduler(t,
		activeSchedule("med-1", baseTime, 8*time.Hour),
	)

	ctx := context.Background()
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", baseTime))

	_, err := s.LogDose(ctx, "user-2", "med-1", baseTime)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoMatchingDose))
}

func TestScheduler_AdherenceComputationAndCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cfg := testConfig()
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewAdherenceCache(cfg, redisClient, zap.NewNop())

	scheduleStore := newFakeScheduleStore(activeSchedule("med-1", baseTime, 8*time.Hour))
	doseStore := newFakeDoseStore()
	s := NewScheduler(cfg, scheduleStore, doseStore, &fakeNotifier{}, cache, zap.NewNop())
	s.now = func() time.Time { return baseTime }

	ctx := context.Background()

	// 8 taken, 2 missed inside the window
	for i := 0; i < 10; i++ {
		at := baseTime.Add(-time.Duration(i+1) * 24 * time.Hour)
		require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", at))
		if i < 8 {
			require.NoError(t, doseStore.MarkTaken(ctx, "med-1", at, at))
		} else {
			require.NoError(t, doseStore.MarkMissed(ctx, "med-1", at))
		}
	}

	adherence, err := s.Adherence(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, adherence.Rate, 0.001)
	assert.Equal(t, 8, adherence.TakenCount)
	assert.Equal(t, 2, adherence.MissedCount)

	// second call is served from the cache even after the store changes
	at := baseTime.Add(-12 * time.Hour)
	require.NoError(t, doseStore.CreateDoseEvent(ctx, "med-1", at))
	require.NoError(t, doseStore.MarkMissed(ctx, "med-1", at))

	cached, err := s.Adherence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cached.MissedCount)

	// invalidation forces a recompute
	require.NoError(t, cache.Invalidate(ctx, "user-1"))
	fresh, err := s.Adherence(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, fresh.MissedCount)
}

func TestScheduler_AdherenceNoOutcomesDefaultsToOne(t *testing.T) {
	s, _, _, _ := setupScheduler(t)

	adherence, err := s.Adherence(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, adherence.Rate)
	assert.Equal(t, 0, adherence.TakenCount)
}
