package scheduler

import (
	"context"
	"sync"
	"time"

	"artemis-health/internal/models"
	"artemis-health/internal/repository"
)

// fakeScheduleStore is an in-memory ScheduleStore for scheduler tests.
type fakeScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*models.MedicationSchedule
}

func newFakeScheduleStore(schedules ...*models.MedicationSchedule) *fakeScheduleStore {
	f := &fakeScheduleStore{schedules: make(map[string]*models.MedicationSchedule)}
	for _, s := range schedules {
		copied := *s
		f.schedules[s.MedicationID] = &copied
	}
	return f
}

func (f *fakeScheduleStore) ListActiveSchedules(ctx context.Context) ([]models.MedicationSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.MedicationSchedule
	for _, s := range f.schedules {
		if s.Status == models.ScheduleActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeScheduleStore) GetSchedule(ctx context.Context, medicationID string) (*models.MedicationSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.schedules[medicationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (f *fakeScheduleStore) UpdateScheduleStatus(ctx context.Context, medicationID string, status models.ScheduleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.schedules[medicationID]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = status
	return nil
}

// fakeDoseStore is an in-memory DoseStore keyed by (medicationID, scheduledAt).
type fakeDoseStore struct {
	mu    sync.Mutex
	doses map[string][]*models.DoseEvent
}

func newFakeDoseStore() *fakeDoseStore {
	return &fakeDoseStore{doses: make(map[string][]*models.DoseEvent)}
}

func (f *fakeDoseStore) CreateDoseEvent(ctx context.Context, medicationID string, scheduledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.doses[medicationID] {
		if d.ScheduledAt.Equal(scheduledAt) {
			return nil // idempotent, like ON CONFLICT DO NOTHING
		}
	}
	f.doses[medicationID] = append(f.doses[medicationID], &models.DoseEvent{
		MedicationID: medicationID,
		ScheduledAt:  scheduledAt,
		Status:       models.DosePending,
		CreatedAt:    time.Now(),
	})
	return nil
}

func (f *fakeDoseStore) GetOpenDose(ctx context.Context, medicationID string, loggedAt time.Time, grace time.Duration) (*models.DoseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *models.DoseEvent
	for _, d := range f.doses[medicationID] {
		if d.Status != models.DosePending {
			continue
		}
		if d.ScheduledAt.Before(loggedAt.Add(-grace)) || d.ScheduledAt.After(loggedAt.Add(grace)) {
			continue
		}
		if best == nil || d.ScheduledAt.Before(best.ScheduledAt) {
			best = d
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (f *fakeDoseStore) MarkTaken(ctx context.Context, medicationID string, scheduledAt, loggedAt time.Time) error {
	return f.transition(medicationID, scheduledAt, models.DoseTaken, &loggedAt)
}

func (f *fakeDoseStore) MarkMissed(ctx context.Context, medicationID string, scheduledAt time.Time) error {
	return f.transition(medicationID, scheduledAt, models.DoseMissed, nil)
}

func (f *fakeDoseStore) transition(medicationID string, scheduledAt time.Time, status models.DoseStatus, loggedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.doses[medicationID] {
		if d.ScheduledAt.Equal(scheduledAt) && d.Status == models.DosePending {
			d.Status = status
			d.LoggedAt = loggedAt
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeDoseStore) MarkPendingMissedBefore(ctx context.Context, medicationID string, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	missed := 0
	for _, d := range f.doses[medicationID] {
		if d.Status == models.DosePending && !d.ScheduledAt.After(before) {
			d.Status = models.DoseMissed
			missed++
		}
	}
	return missed, nil
}

func (f *fakeDoseStore) DeletePendingAfter(ctx context.Context, medicationID string, after time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept []*models.DoseEvent
	dropped := 0
	for _, d := range f.doses[medicationID] {
		if d.Status == models.DosePending && d.ScheduledAt.After(after) {
			dropped++
			continue
		}
		kept = append(kept, d)
	}
	f.doses[medicationID] = kept
	return dropped, nil
}

func (f *fakeDoseStore) ListPendingDue(ctx context.Context, medicationID string, before time.Time) ([]models.DoseEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.DoseEvent
	for _, d := range f.doses[medicationID] {
		if d.Status == models.DosePending && !d.ScheduledAt.After(before) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDoseStore) LatestScheduledAt(ctx context.Context, medicationID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var latest time.Time
	for _, d := range f.doses[medicationID] {
		if d.ScheduledAt.After(latest) {
			latest = d.ScheduledAt
		}
	}
	if latest.IsZero() {
		return time.Time{}, repository.ErrNotFound
	}
	return latest, nil
}

func (f *fakeDoseStore) CountOutcomes(ctx context.Context, userID string, since time.Time) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var taken, missed int
	for _, doses := range f.doses {
		for _, d := range doses {
			if d.ScheduledAt.Before(since) {
				continue
			}
			switch d.Status {
			case models.DoseTaken:
				taken++
			case models.DoseMissed:
				missed++
			}
		}
	}
	return taken, missed, nil
}

// statuses returns the status of every dose for a medication, ordered by scheduled time.
func (f *fakeDoseStore) statuses(medicationID string) map[int64]models.DoseStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[int64]models.DoseStatus)
	for _, d := range f.doses[medicationID] {
		out[d.ScheduledAt.Unix()] = d.Status
	}
	return out
}

// fakeNotifier records enqueued notification tasks.
type fakeNotifier struct {
	mu    sync.Mutex
	tasks []*models.NotificationTask
}

func (f *fakeNotifier) Enqueue(ctx context.Context, task *models.NotificationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeNotifier) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.IdempotencyKey)
	}
	return out
}
