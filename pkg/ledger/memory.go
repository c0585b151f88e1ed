package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrisonrobin/bobsync/pkg/model"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Engine and dedupe tests run against it;
// it mirrors the Firestore implementation's observable behavior (merge
// writes, server-stamped update times, batch independence) without I/O.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*model.LedgerTask
	stories map[string]*model.Story
	goals   map[string]*model.Goal
	sprints map[string]*model.Sprint
	claims  map[string]time.Time
	audits  []AuditRecord

	// Now supplies the server clock; tests pin it for deterministic
	// serverUpdatedAt stamps. Defaults to time.Now.
	Now func() time.Time

	// ApplyErr, when set, fails every Apply call (batch-commit failure
	// injection).
	ApplyErr error

	// ClaimDenied, when set, refuses every creation claim, simulating a
	// concurrent pass holding them all.
	ClaimDenied bool

	// Write accounting for idempotence assertions.
	Applies int
	Creates int
	Writes  int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]*model.LedgerTask),
		stories: make(map[string]*model.Story),
		goals:   make(map[string]*model.Goal),
		sprints: make(map[string]*model.Sprint),
		claims:  make(map[string]time.Time),
		Now:     time.Now,
	}
}

// Seed installs a task directly, bypassing write accounting.
func (m *Memory) Seed(task *model.LedgerTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	clone := *task
	m.tasks[task.ID] = &clone
}

func (m *Memory) SeedStory(story *model.Story)    { m.mu.Lock(); m.stories[story.ID] = story; m.mu.Unlock() }
func (m *Memory) SeedGoal(goal *model.Goal)       { m.mu.Lock(); m.goals[goal.ID] = goal; m.mu.Unlock() }
func (m *Memory) SeedSprint(sprint *model.Sprint) { m.mu.Lock(); m.sprints[sprint.ID] = sprint; m.mu.Unlock() }

// Get returns the stored task by id, or nil. Test helper.
func (m *Memory) Get(id string) *model.LedgerTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[id]; ok {
		clone := *task
		return &clone
	}
	return nil
}

// All returns every stored task sorted by id. Test helper.
func (m *Memory) All() []*model.LedgerTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.LedgerTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Audits returns the appended audit trail. Test helper.
func (m *Memory) Audits() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditRecord(nil), m.audits...)
}

func (m *Memory) Tasks(_ context.Context, q Query) ([]*model.LedgerTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LedgerTask
	for _, task := range m.tasks {
		if task.OwnerID != q.OwnerID {
			continue
		}
		if !q.Since.IsZero() && !task.ServerUpdatedAt.After(q.Since) {
			continue
		}
		clone := *task
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) TaskByID(_ context.Context, id string) (*model.LedgerTask, error) {
	return m.Get(id), nil
}

func (m *Memory) TaskByHumanRef(_ context.Context, ownerID, ref string) (*model.LedgerTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.OwnerID == ownerID && strings.EqualFold(task.HumanRef, ref) {
			clone := *task
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) TaskByLinkedDevice(_ context.Context, ownerID, deviceID string) (*model.LedgerTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.OwnerID == ownerID && task.LinkedDeviceID == deviceID {
			clone := *task
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) CreateTask(_ context.Context, task *model.LedgerTask) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.ServerUpdatedAt = m.Now()
	clone := *task
	m.tasks[task.ID] = &clone
	m.Creates++
	m.Writes++
	return task.ID, nil
}

func (m *Memory) Apply(_ context.Context, writes []Write) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return m.ApplyErr
	}
	m.Applies++
	for _, w := range writes {
		m.Writes++
		if w.Delete {
			delete(m.tasks, w.Task.ID)
			continue
		}
		clone := *w.Task
		clone.ServerUpdatedAt = m.Now()
		for _, field := range w.ClearFields {
			clearTaskField(&clone, field)
		}
		m.tasks[clone.ID] = &clone
	}
	return nil
}

func clearTaskField(task *model.LedgerTask, field string) {
	switch field {
	case "linkedDeviceId":
		task.LinkedDeviceID = ""
	case "dueAt":
		task.DueAt = nil
		task.DueAtRaw = nil
	case "completedAt":
		task.CompletedAt = nil
	case "deleteAfter":
		task.DeleteAfter = nil
	case "deviceMissingAt":
		task.DeviceMissingAt = nil
	case "syncDirective":
		task.Directive = model.DirectiveNone
	}
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	m.Writes++
	return nil
}

func (m *Memory) Stories(_ context.Context, ids []string) (map[string]*model.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Story)
	for _, id := range ids {
		if story, ok := m.stories[id]; ok {
			out[id] = story
		}
	}
	return out, nil
}

func (m *Memory) Goals(_ context.Context, ids []string) (map[string]*model.Goal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Goal)
	for _, id := range ids {
		if goal, ok := m.goals[id]; ok {
			out[id] = goal
		}
	}
	return out, nil
}

func (m *Memory) Sprints(_ context.Context, ids []string) (map[string]*model.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*model.Sprint)
	for _, id := range ids {
		if sprint, ok := m.sprints[id]; ok {
			out[id] = sprint
		}
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, ownerID, deviceID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClaimDenied {
		return false, nil
	}
	key := ownerID + ":" + deviceID
	now := m.Now()
	if created, ok := m.claims[key]; ok && now.Sub(created) < ttl {
		return false, nil
	}
	m.claims[key] = now
	return true, nil
}

func (m *Memory) AppendAudit(_ context.Context, rec AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.NewString()
	rec.CreatedAt = m.Now()
	m.audits = append(m.audits, rec)
	return nil
}
