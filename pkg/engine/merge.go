package engine

import (
	"context"
	"strconv"
	"strings"

	"github.com/harrisonrobin/bobsync/pkg/model"
	"github.com/harrisonrobin/bobsync/pkg/notes"
)

// mergeLinked resolves conflicts for every linked pair with last-writer-wins
// semantics. The device side's effective update time is the later of the
// item's modification stamp and the note block's synced stamp, so a note
// rewrite by the engine itself never makes the device look edited. Ties go
// to the ledger.
func (p *pass) mergeLinked(ctx context.Context) error {
	for _, l := range p.links {
		ns := p.notes[l.item.ID]
		deviceEffective := l.item.LastModified
		if synced := ns.md.SyncedAt(); synced.After(deviceEffective) {
			deviceEffective = synced
		}
		l.deviceWins = deviceEffective.After(l.task.UpdatedAt)
		if l.task.Deleted() {
			// Deletion intent outranks any edit; the directive phase
			// propagates it.
			l.deviceWins = false
			continue
		}
		if l.deviceWins {
			p.applyDeviceToLedger(l)
		} else {
			p.applyLedgerToDevice(l)
		}
	}
	return nil
}

func (p *pass) applyDeviceToLedger(l *link) {
	task, item := l.task, l.item
	changed := false

	if item.Title != "" && item.Title != task.Title {
		task.Title = item.Title
		changed = true
	}
	if !item.Due.Equal(task.Due()) {
		task.SetDue(item.Due)
		if item.Due.IsZero() {
			p.clearField(task, "dueAt")
		}
		changed = true
	}
	switch {
	case item.Completed && task.Status == model.StatusOpen:
		p.complete(task)
		changed = true
	case !item.Completed && task.Status == model.StatusDone:
		task.Reopen()
		p.clearField(task, "completedAt")
		p.clearField(task, "deleteAfter")
		changed = true
	}

	if changed {
		task.UpdatedAt = p.now
		p.markDirty(task)
		p.decision("update", "ledger", task.ID, item.ID)
		p.report.LedgerUpdates++
	}
}

func (p *pass) applyLedgerToDevice(l *link) {
	task, item := l.task, l.item
	changed := false

	if task.Title != "" && task.Title != item.Title {
		item.Title = task.Title
		changed = true
	}
	if !task.Due().Equal(item.Due) {
		item.Due = task.Due()
		changed = true
	}
	switch {
	case task.Status == model.StatusDone && !item.Completed:
		item.Completed = true
		changed = true
	case task.Status == model.StatusOpen && item.Completed:
		item.Completed = false
		changed = true
	}

	if changed {
		p.decision("update", "device", task.ID, item.ID)
		l.itemDirty = true
	}
}

// remapPriorities reconciles the two priority scales in the winning
// direction, rewrites stale #P1..#P5 tags inside the user's own note lines,
// and flushes every device item whose content or metadata block drifted.
func (p *pass) remapPriorities(ctx context.Context) error {
	for _, l := range p.links {
		task, item := l.task, l.item
		if l.deviceWins {
			if mapped := model.DevicePriorityToLedger(item.Priority); mapped != task.Priority {
				p.decision("priority", "ledger", task.ID, item.ID)
				task.Priority = mapped
				task.UpdatedAt = p.now
				p.markDirty(task)
				p.report.LedgerUpdates++
			}
		} else if mapped := model.LedgerPriorityToDevice(task.Priority); mapped != item.Priority {
			p.decision("priority", "device", task.ID, item.ID)
			item.Priority = mapped
			l.itemDirty = true
		}

		if p.rewritePriorityTags(p.notes[item.ID], task.Priority) {
			l.itemDirty = true
		}
		p.flushItem(ctx, l)
	}
	return nil
}

// rewritePriorityTags replaces any literal #P1..#P5 token in the user lines
// with the tag matching the task's current priority. Lines without a
// priority tag are never touched.
func (p *pass) rewritePriorityTags(ns *noteState, priority int) bool {
	if priority < 1 || priority > 5 {
		return false
	}
	want := "#P" + strconv.Itoa(priority)
	changed := false
	for i, line := range ns.userLines {
		for n := 1; n <= 5; n++ {
			if n == priority {
				continue
			}
			stale := "#P" + strconv.Itoa(n)
			if strings.Contains(line, stale) {
				line = strings.ReplaceAll(line, stale, want)
			}
		}
		if line != ns.userLines[i] {
			ns.userLines[i] = line
			changed = true
		}
	}
	return changed
}

// refreshMetadata rebuilds the note block from the task's current state and
// its resolved story, goal and sprint context.
func (p *pass) refreshMetadata(ctx context.Context, l *link) {
	task, item := l.task, l.item
	md := p.notes[item.ID].md

	setOrDelete(md, notes.KeyTaskID, task.ID)
	setOrDelete(md, notes.KeyTaskRef, task.HumanRef)
	setOrDelete(md, notes.KeyStoryID, task.StoryID)
	setOrDelete(md, notes.KeyGoalID, task.GoalID)
	setOrDelete(md, notes.KeySprintID, task.SprintID)
	setOrDelete(md, notes.KeyList, item.List)

	tc := p.e.contexts.Resolve(ctx, task)
	setOrDelete(md, notes.ExtTask, task.HumanRef)
	setOrDelete(md, notes.ExtStory, joinRefTitle(tc.StoryRef, tc.StoryTitle))
	setOrDelete(md, notes.ExtGoal, joinRefTitle(tc.GoalRef, tc.GoalTitle))
	setOrDelete(md, notes.ExtTheme, tc.Theme)
	setOrDelete(md, notes.ExtSprint, tc.SprintName)

	// Tags union rather than overwrite, so a label added on either side
	// survives a rewrite by the other.
	count := len(task.Tags)
	task.MergeTags(md.Tags())
	if len(task.Tags) != count {
		task.UpdatedAt = p.now
		p.markDirty(task)
	}
	md.SetTags(task.Tags)
}

// flushItem writes the device item back when any phase changed its fields
// or its encoded notes. The synced stamp is only advanced on an actual
// write, which is what keeps an unchanged pair from churning forever.
func (p *pass) flushItem(ctx context.Context, l *link) {
	item := l.item
	ns := p.notes[item.ID]
	p.refreshMetadata(ctx, l)

	encoded := notes.Encode(ns.md, ns.userLines, p.e.opts.ShowMetadata)
	if encoded != item.Notes {
		l.itemDirty = true
	}
	if !l.itemDirty {
		return
	}

	ns.md.SetSyncedAt(p.now)
	item.Notes = notes.Encode(ns.md, ns.userLines, p.e.opts.ShowMetadata)
	l.itemDirty = false
	p.report.DeviceUpdates++
	if p.e.opts.DryRun {
		p.decision("flush", "device", l.task.ID, item.ID)
		return
	}
	if err := p.e.device.Update(ctx, item); err != nil {
		p.fail("update item "+item.ID, err)
	}
}

func setOrDelete(md notes.Metadata, key, value string) {
	if value == "" {
		delete(md, key)
		return
	}
	md[key] = value
}

func joinRefTitle(ref, title string) string {
	switch {
	case ref == "":
		return title
	case title == "":
		return ref
	default:
		return ref + " " + title
	}
}
