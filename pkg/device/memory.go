package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrisonrobin/bobsync/pkg/model"
)

// Memory is an in-process device store for engine tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]*model.DeviceItem
	lists map[string]bool

	// Now supplies last-modified stamps; tests pin it.
	Now func() time.Time

	// StampOnUpdate controls whether Update refreshes LastModified the way
	// a real store would. Engine tests disable it when they need to
	// control timestamp ordering exactly.
	StampOnUpdate bool

	// Mutation accounting for idempotence assertions.
	Creates int
	Updates int
	Deletes int
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]*model.DeviceItem),
		lists: make(map[string]bool),
		Now:   time.Now,
	}
}

// Seed installs an item directly, bypassing mutation accounting.
func (m *Memory) Seed(item *model.DeviceItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.List != "" {
		m.lists[item.List] = true
	}
	m.items[item.ID] = item.Clone()
}

// Get returns the stored item by id, or nil. Test helper.
func (m *Memory) Get(id string) *model.DeviceItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[id]; ok {
		return item.Clone()
	}
	return nil
}

func (m *Memory) Items(_ context.Context) ([]*model.DeviceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.DeviceItem, 0, len(m.items))
	for _, item := range m.items {
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Create(_ context.Context, item *model.DeviceItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.LastModified.IsZero() {
		item.LastModified = m.Now()
	}
	if item.List != "" {
		m.lists[item.List] = true
	}
	m.items[item.ID] = item.Clone()
	m.Creates++
	return item.ID, nil
}

func (m *Memory) Update(_ context.Context, item *model.DeviceItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		return fmt.Errorf("device: item %s not found", item.ID)
	}
	if m.StampOnUpdate {
		item.LastModified = m.Now()
	}
	if item.List != "" {
		m.lists[item.List] = true
	}
	m.items[item.ID] = item.Clone()
	m.Updates++
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	m.Deletes++
	return nil
}

func (m *Memory) Move(_ context.Context, id, list string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("device: item %s not found", id)
	}
	item.List = list
	m.lists[list] = true
	m.Updates++
	return nil
}

func (m *Memory) Lists(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.lists))
	for name := range m.lists {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) EnsureList(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" {
		m.lists[name] = true
	}
	return nil
}
