// Package identity matches device items to ledger tasks. Matching runs a
// strict priority chain and stops at the first hit; an item that falls all
// the way through is new and becomes an import candidate.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrisonrobin/bobsync/pkg/humanref"
	"github.com/harrisonrobin/bobsync/pkg/model"
	"github.com/harrisonrobin/bobsync/pkg/normalize"
)

// Index holds the lookup structures built once per pass from the ledger
// snapshot. Duplicate-claimed tasks are excluded: they are scheduled for
// removal and must not attract links.
type Index struct {
	byID        map[string]*model.LedgerTask
	byDevice    map[string]*model.LedgerTask
	byRef       map[string]*model.LedgerTask
	bySource    map[string]*model.LedgerTask
	byAltDevice map[string]*model.LedgerTask
	byExternal  map[string]*model.LedgerTask
	byTitle     map[string]*model.LedgerTask // normalized title -> oldest open task
}

func BuildIndex(tasks []*model.LedgerTask) *Index {
	ix := &Index{
		byID:        make(map[string]*model.LedgerTask),
		byDevice:    make(map[string]*model.LedgerTask),
		byRef:       make(map[string]*model.LedgerTask),
		bySource:    make(map[string]*model.LedgerTask),
		byAltDevice: make(map[string]*model.LedgerTask),
		byExternal:  make(map[string]*model.LedgerTask),
		byTitle:     make(map[string]*model.LedgerTask),
	}
	for _, task := range tasks {
		ix.Add(task)
	}
	return ix
}

// Add indexes a task. The engine also calls this for tasks created during
// the import phase, so later items in the same pass can match them.
func (ix *Index) Add(task *model.LedgerTask) {
	if task.IsDuplicate() {
		return
	}
	ix.byID[task.ID] = task
	if task.LinkedDeviceID != "" {
		ix.byDevice[task.LinkedDeviceID] = task
	}
	if task.HumanRef != "" {
		ix.byRef[humanref.Canonical(task.HumanRef)] = task
	}
	if task.SourceRef != "" {
		ix.bySource[strings.ToLower(task.SourceRef)] = task
	}
	if task.DeviceAltID != "" {
		ix.byAltDevice[strings.ToLower(task.DeviceAltID)] = task
	}
	if task.ExternalID != "" {
		ix.byExternal[strings.ToLower(task.ExternalID)] = task
	}
	if task.Status == model.StatusOpen {
		key := normalize.Title(task.Title)
		if key == "" {
			return
		}
		if existing, ok := ix.byTitle[key]; !ok || task.CreatedAt.Before(existing.CreatedAt) {
			ix.byTitle[key] = task
		}
	}
}

func (ix *Index) ByID(id string) *model.LedgerTask { return ix.byID[id] }

func (ix *Index) ByDevice(deviceID string) *model.LedgerTask { return ix.byDevice[deviceID] }

func (ix *Index) ByRef(ref string) *model.LedgerTask {
	return ix.byRef[humanref.Canonical(ref)]
}

func (ix *Index) ByOpenTitle(title string) *model.LedgerTask {
	key := normalize.Title(title)
	if key == "" {
		return nil
	}
	return ix.byTitle[key]
}

// Tasks returns every indexed task (test and debugging helper).
func (ix *Index) Tasks() []*model.LedgerTask {
	out := make([]*model.LedgerTask, 0, len(ix.byID))
	for _, task := range ix.byID {
		out = append(out, task)
	}
	return out
}

// Hints are the identity candidates extracted from one device item: its
// own id plus whatever the note metadata block carried.
type Hints struct {
	DeviceID string
	LedgerID string // note-embedded raw document id
	HumanRef string // note-embedded human ref
	Title    string
}

// RefLookup is a live point lookup against the ledger, used when a note
// carries a ref that is missing from the snapshot (a task created after
// the snapshot was taken).
type RefLookup func(ctx context.Context, ref string) (*model.LedgerTask, error)

// Resolver runs the matching chain against an Index.
type Resolver struct {
	index  *Index
	lookup RefLookup
}

func NewResolver(index *Index, lookup RefLookup) *Resolver {
	return &Resolver{index: index, lookup: lookup}
}

// Resolve finds the ledger task that should be treated as the same task as
// the hinted device item, or (nil, nil) when the item is new. Chain, first
// hit wins:
//
//  1. exact linked-device-id match
//  2. note-embedded ledger id, snapshot only
//  3. note-embedded human ref, case-insensitive, with one live point
//     lookup on snapshot miss
//  4. normalized title against any open task (the last-resort
//     anti-duplication net)
func (r *Resolver) Resolve(ctx context.Context, h Hints) (*model.LedgerTask, error) {
	if h.DeviceID != "" {
		if task := r.index.ByDevice(h.DeviceID); task != nil {
			return task, nil
		}
	}
	if h.LedgerID != "" {
		if task := r.index.ByID(h.LedgerID); task != nil {
			return task, nil
		}
	}
	if h.HumanRef != "" && humanref.Valid(h.HumanRef) {
		if task := r.index.ByRef(h.HumanRef); task != nil {
			return task, nil
		}
		if r.lookup != nil {
			task, err := r.lookup(ctx, humanref.Canonical(h.HumanRef))
			if err != nil {
				return nil, fmt.Errorf("identity: ref lookup %s: %w", h.HumanRef, err)
			}
			if task != nil && !task.IsDuplicate() {
				r.index.Add(task)
				return task, nil
			}
		}
	}
	if h.Title != "" {
		if task := r.index.ByOpenTitle(h.Title); task != nil {
			return task, nil
		}
	}
	return nil, nil
}
