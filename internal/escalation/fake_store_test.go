package escalation

import (
	"context"
	"sync"

	"artemis-health/internal/models"
	"artemis-health/internal/repository"
)

// fakeAlertStore 仅用于单元测试（内存版 AlertStore）
type fakeAlertStore struct {
	mu     sync.Mutex
	states map[string]*models.AlertState
	events []models.AlertEvent
}

func newFakeAlertStore() *fakeAlertStore {
	return &fakeAlertStore{
		states: make(map[string]*models.AlertState),
	}
}

func stateKey(userID string, kind models.VitalKind) string {
	return userID + "|" + string(kind)
}

func (f *fakeAlertStore) GetAlertState(ctx context.Context, userID string, kind models.VitalKind) (*models.AlertState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[stateKey(userID, kind)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

func (f *fakeAlertStore) UpsertAlertState(ctx context.Context, state *models.AlertState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	copied := *state
	f.states[stateKey(state.UserID, state.VitalKind)] = &copied
	return nil
}

func (f *fakeAlertStore) DeleteAlertState(ctx context.Context, userID string, kind models.VitalKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.states, stateKey(userID, kind))
	return nil
}

func (f *fakeAlertStore) CreateAlertEvent(ctx context.Context, event *models.AlertEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.events = append(f.events, *event)
	return nil
}

func (f *fakeAlertStore) transitions() []models.AlertTransition {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.AlertTransition, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Transition)
	}
	return out
}

// fakeNotifier 仅用于单元测试（记录入队的通知任务）
type fakeNotifier struct {
	mu    sync.Mutex
	tasks []models.NotificationTask
}

func (f *fakeNotifier) Enqueue(ctx context.Context, task *models.NotificationTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tasks = append(f.tasks, *task)
	return nil
}

func (f *fakeNotifier) kinds() []models.NotificationKind {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]models.NotificationKind, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Kind)
	}
	return out
}
