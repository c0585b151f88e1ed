// Package contextres resolves a task's denormalized organizational context:
// parent story, goal theme, and sprint time-box. Lookups are coalesced: a
// pass prefetches every distinct id in its working set up front, and
// per-task resolution afterwards is cache-only except for genuine misses.
package contextres

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/model"
)

// cacheSize bounds each of the three caches. Context collections are small
// (dozens of stories, a handful of sprints); the bound exists so a long
// running watch process cannot grow without limit.
const cacheSize = 512

// Resolver caches story/goal/sprint documents for one engine instance.
// Negative results (missing documents) are cached as nil values so a
// dangling foreign key costs one query per process, not one per task.
type Resolver struct {
	store   ledger.Store
	logger  *slog.Logger
	stories *lru.Cache[string, *model.Story]
	goals   *lru.Cache[string, *model.Goal]
	sprints *lru.Cache[string, *model.Sprint]
}

func New(store ledger.Store, logger *slog.Logger) *Resolver {
	stories, _ := lru.New[string, *model.Story](cacheSize)
	goals, _ := lru.New[string, *model.Goal](cacheSize)
	sprints, _ := lru.New[string, *model.Sprint](cacheSize)
	return &Resolver{
		store:   store,
		logger:  logger,
		stories: stories,
		goals:   goals,
		sprints: sprints,
	}
}

// Prefetch warms the caches with every story, goal and sprint referenced by
// the working set. The store chunks the id lists to its batch-query limit.
// Prefetch failures are not fatal: resolution falls back to point lookups.
func (r *Resolver) Prefetch(ctx context.Context, tasks []*model.LedgerTask) {
	storyIDs := make(map[string]bool)
	goalIDs := make(map[string]bool)
	sprintIDs := make(map[string]bool)
	for _, task := range tasks {
		if task.StoryID != "" && !r.stories.Contains(task.StoryID) {
			storyIDs[task.StoryID] = true
		}
		if task.GoalID != "" && !r.goals.Contains(task.GoalID) {
			goalIDs[task.GoalID] = true
		}
		if task.SprintID != "" && !r.sprints.Contains(task.SprintID) {
			sprintIDs[task.SprintID] = true
		}
	}

	if len(storyIDs) > 0 {
		found, err := r.store.Stories(ctx, keys(storyIDs))
		if err != nil {
			r.logger.Warn("story prefetch failed", "error", err)
		} else {
			for id := range storyIDs {
				story := found[id] // nil for missing: negative cache entry
				r.stories.Add(id, story)
				if story != nil {
					// Stories introduce their own goal/sprint references.
					if story.GoalID != "" && !r.goals.Contains(story.GoalID) {
						goalIDs[story.GoalID] = true
					}
					if story.SprintID != "" && !r.sprints.Contains(story.SprintID) {
						sprintIDs[story.SprintID] = true
					}
				}
			}
		}
	}

	if len(goalIDs) > 0 {
		found, err := r.store.Goals(ctx, keys(goalIDs))
		if err != nil {
			r.logger.Warn("goal prefetch failed", "error", err)
		} else {
			for id := range goalIDs {
				r.goals.Add(id, found[id])
			}
		}
	}

	if len(sprintIDs) > 0 {
		found, err := r.store.Sprints(ctx, keys(sprintIDs))
		if err != nil {
			r.logger.Warn("sprint prefetch failed", "error", err)
		} else {
			for id := range sprintIDs {
				r.sprints.Add(id, found[id])
			}
		}
	}
}

// Resolve joins one task against its context documents. It never fails:
// an unresolvable id degrades to using the id itself as the reference.
func (r *Resolver) Resolve(ctx context.Context, task *model.LedgerTask) model.TaskContext {
	var tc model.TaskContext

	goalID := task.GoalID
	sprintID := task.SprintID

	if task.StoryID != "" {
		if story := r.story(ctx, task.StoryID); story != nil {
			tc.StoryRef = firstNonEmpty(story.HumanRef, story.ID)
			tc.StoryTitle = story.Title
			tc.Theme = story.Theme
			if goalID == "" {
				goalID = story.GoalID
			}
			if sprintID == "" {
				sprintID = story.SprintID
			}
		} else {
			tc.StoryRef = task.StoryID
		}
	}

	if goalID != "" {
		if goal := r.goal(ctx, goalID); goal != nil {
			tc.GoalRef = firstNonEmpty(goal.HumanRef, goal.ID)
			tc.GoalTitle = goal.Title
			if tc.Theme == "" {
				tc.Theme = goal.Theme
			}
		} else {
			tc.GoalRef = goalID
		}
	}

	if sprintID != "" {
		tc.SprintID = sprintID
		tc.SprintName = sprintID
		if sprint := r.sprint(ctx, sprintID); sprint != nil && sprint.Name != "" {
			tc.SprintName = sprint.Name
		}
	}
	return tc
}

func (r *Resolver) story(ctx context.Context, id string) *model.Story {
	if story, ok := r.stories.Get(id); ok {
		return story
	}
	found, err := r.store.Stories(ctx, []string{id})
	if err != nil {
		r.logger.Warn("story lookup failed", "id", id, "error", err)
		return nil // not cached: a later lookup may succeed
	}
	story := found[id]
	r.stories.Add(id, story)
	return story
}

func (r *Resolver) goal(ctx context.Context, id string) *model.Goal {
	if goal, ok := r.goals.Get(id); ok {
		return goal
	}
	found, err := r.store.Goals(ctx, []string{id})
	if err != nil {
		r.logger.Warn("goal lookup failed", "id", id, "error", err)
		return nil
	}
	goal := found[id]
	r.goals.Add(id, goal)
	return goal
}

func (r *Resolver) sprint(ctx context.Context, id string) *model.Sprint {
	if sprint, ok := r.sprints.Get(id); ok {
		return sprint
	}
	found, err := r.store.Sprints(ctx, []string{id})
	if err != nil {
		r.logger.Warn("sprint lookup failed", "id", id, "error", err)
		return nil
	}
	sprint := found[id]
	r.sprints.Add(id, sprint)
	return sprint
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
