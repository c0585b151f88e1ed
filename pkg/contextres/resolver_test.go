package contextres

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/model"
)

// countingStore counts context queries so tests can assert coalescing.
type countingStore struct {
	ledger.Store
	storyQueries  int
	goalQueries   int
	sprintQueries int
}

func (c *countingStore) Stories(ctx context.Context, ids []string) (map[string]*model.Story, error) {
	c.storyQueries++
	return c.Store.Stories(ctx, ids)
}

func (c *countingStore) Goals(ctx context.Context, ids []string) (map[string]*model.Goal, error) {
	c.goalQueries++
	return c.Store.Goals(ctx, ids)
}

func (c *countingStore) Sprints(ctx context.Context, ids []string) (map[string]*model.Sprint, error) {
	c.sprintQueries++
	return c.Store.Sprints(ctx, ids)
}

func newFixture() (*countingStore, *Resolver) {
	mem := ledger.NewMemory()
	mem.SeedStory(&model.Story{ID: "st1", HumanRef: "ST-12", Title: "Paint the fence", Theme: "Home", GoalID: "g1", SprintID: "sp1"})
	mem.SeedStory(&model.Story{ID: "st2", Title: "No ref story"})
	mem.SeedGoal(&model.Goal{ID: "g1", HumanRef: "G-4", Title: "House in order", Theme: "Household"})
	mem.SeedSprint(&model.Sprint{ID: "sp1", Name: "Spring cleaning"})

	store := &countingStore{Store: mem}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return store, New(store, logger)
}

func TestResolveJoinsStoryGoalSprint(t *testing.T) {
	_, r := newFixture()
	task := &model.LedgerTask{ID: "t1", StoryID: "st1"}

	tc := r.Resolve(context.Background(), task)
	assert.Equal(t, "ST-12", tc.StoryRef)
	assert.Equal(t, "Paint the fence", tc.StoryTitle)
	assert.Equal(t, "Home", tc.Theme)
	assert.Equal(t, "G-4", tc.GoalRef, "goal inherited from the story")
	assert.Equal(t, "sp1", tc.SprintID, "sprint inherited from the story")
	assert.Equal(t, "Spring cleaning", tc.SprintName)
}

func TestThemeFallsBackToGoal(t *testing.T) {
	_, r := newFixture()
	task := &model.LedgerTask{ID: "t1", StoryID: "st2", GoalID: "g1"}

	tc := r.Resolve(context.Background(), task)
	assert.Equal(t, "st2", tc.StoryRef, "story without humanRef degrades to its id")
	assert.Equal(t, "Household", tc.Theme, "theme from the goal when the story has none")
}

func TestUnresolvableDegradesToID(t *testing.T) {
	_, r := newFixture()
	task := &model.LedgerTask{ID: "t1", StoryID: "missing-story", SprintID: "missing-sprint"}

	tc := r.Resolve(context.Background(), task)
	assert.Equal(t, "missing-story", tc.StoryRef)
	assert.Equal(t, "missing-sprint", tc.SprintName)
}

func TestPrefetchCoalescesQueries(t *testing.T) {
	store, r := newFixture()
	tasks := []*model.LedgerTask{
		{ID: "t1", StoryID: "st1"},
		{ID: "t2", StoryID: "st1"},
		{ID: "t3", StoryID: "st2", GoalID: "g1"},
		{ID: "t4", SprintID: "sp1"},
	}

	r.Prefetch(context.Background(), tasks)
	for _, task := range tasks {
		r.Resolve(context.Background(), task)
	}

	assert.Equal(t, 1, store.storyQueries, "one batched story query for the whole working set")
	assert.Equal(t, 1, store.goalQueries)
	assert.Equal(t, 1, store.sprintQueries)
}

func TestNegativeResultsMemoized(t *testing.T) {
	store, r := newFixture()
	task := &model.LedgerTask{ID: "t1", StoryID: "nope"}

	r.Resolve(context.Background(), task)
	r.Resolve(context.Background(), task)
	r.Resolve(context.Background(), task)

	assert.Equal(t, 1, store.storyQueries, "a missing document is queried once, then memoized")
}
