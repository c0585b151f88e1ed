// Package dedupe partitions a ledger snapshot into duplicate groups and
// resolves each group down to a single survivor. It exists because the
// advisory creation claim is best-effort: two machines reconciling the same
// owner can still race a task into existence twice, and this is the cleanup.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/model"
)

// Mode selects what happens to the losers of each duplicate group.
type Mode int

const (
	// Soft marks losers with duplicateOf/duplicateKey and schedules them
	// for TTL removal. Used during normal reconciliation.
	Soft Mode = iota
	// Hard deletes loser documents outright. Used by the explicit
	// maintenance sweep.
	Hard
)

func (m Mode) String() string {
	if m == Hard {
		return "hard"
	}
	return "soft"
}

// Result reports one sweep.
type Result struct {
	Groups     int
	Duplicates int
}

// Sweep is the in-memory outcome of one evaluation: the counters, the loser
// tasks (already mutated per the mode) and the ledger writes that would
// commit them.
type Sweep struct {
	Result
	Marked []*model.LedgerTask
	Writes []ledger.Write
}

// matchKeys, in evaluation order. A task claimed as a duplicate under an
// earlier key is never reconsidered under a later one.
var matchKeys = []struct {
	name string
	get  func(*model.LedgerTask) string
}{
	{"linkedDeviceId", func(t *model.LedgerTask) string { return t.LinkedDeviceID }},
	{"humanRef", func(t *model.LedgerTask) string { return t.HumanRef }},
	{"sourceRef", func(t *model.LedgerTask) string { return t.SourceRef }},
	{"deviceAltId", func(t *model.LedgerTask) string { return t.DeviceAltID }},
	{"externalId", func(t *model.LedgerTask) string { return t.ExternalID }},
}

// Run resolves duplicates across tasks (one owner's snapshot) and commits
// the outcome through store. A store error aborts the sweep; batches the
// store already committed stay committed.
func Run(ctx context.Context, store ledger.Store, ownerID string, tasks []*model.LedgerTask, mode Mode, now time.Time, logger *slog.Logger) (Result, error) {
	sweep := Evaluate(tasks, mode, now, logger)

	if len(sweep.Writes) > 0 {
		if err := store.Apply(ctx, sweep.Writes); err != nil {
			return sweep.Result, fmt.Errorf("dedupe: applying sweep: %w", err)
		}
	}

	if sweep.Duplicates > 0 {
		audit := ledger.AuditRecord{
			Kind:    "dedupe-sweep",
			OwnerID: ownerID,
			Details: map[string]any{
				"mode":       mode.String(),
				"groups":     sweep.Groups,
				"duplicates": sweep.Duplicates,
			},
		}
		if err := store.AppendAudit(ctx, audit); err != nil {
			logger.Warn("audit append failed", "error", err)
		}
	}
	return sweep.Result, nil
}

// Evaluate partitions tasks into duplicate groups and marks the losers
// without touching any store. The reconciliation pass calls this directly
// so the resulting writes ride its own batched commit.
func Evaluate(tasks []*model.LedgerTask, mode Mode, now time.Time, logger *slog.Logger) Sweep {
	var sweep Sweep
	claimed := make(map[string]bool)

	for _, key := range matchKeys {
		groups := make(map[string][]*model.LedgerTask)
		for _, task := range tasks {
			if task.IsDuplicate() || claimed[task.ID] {
				continue
			}
			value := strings.ToLower(strings.TrimSpace(key.get(task)))
			if value == "" {
				continue
			}
			groups[value] = append(groups[value], task)
		}

		for value, group := range groups {
			if len(group) < 2 {
				continue
			}
			sweep.Groups++
			survivor := pickSurvivor(group)
			for _, task := range group {
				if task.ID == survivor.ID {
					continue
				}
				claimed[task.ID] = true
				sweep.Duplicates++
				sweep.Marked = append(sweep.Marked, task)

				if mode == Hard {
					sweep.Writes = append(sweep.Writes, ledger.Write{Task: task, Delete: true})
				} else {
					task.DuplicateOf = survivor.ID
					task.DuplicateKey = key.name
					task.Complete(now)
					task.UpdatedAt = now
					sweep.Writes = append(sweep.Writes, ledger.Write{Task: task})
				}
				logger.Info("duplicate resolved",
					"key", key.name,
					"value", value,
					"survivor", survivor.ID,
					"duplicate", task.ID,
					"mode", mode.String(),
				)
			}
		}
	}
	return sweep
}

// pickSurvivor keeps the most recently updated task; equal timestamps fall
// back to id ordering so concurrent sweeps agree on the survivor.
func pickSurvivor(group []*model.LedgerTask) *model.LedgerTask {
	sorted := make([]*model.LedgerTask, len(group))
	copy(sorted, group)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})
	return sorted[0]
}
