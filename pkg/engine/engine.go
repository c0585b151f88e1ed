// Package engine runs the reconciliation pass between the ledger and the
// device store. A pass is a fixed sequence of phases over an in-memory
// snapshot: device mutations apply immediately, ledger mutations accumulate
// and commit in batches at the end. Every phase is individually tolerant;
// only loading the snapshot and committing the batch can abort a pass.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrisonrobin/bobsync/pkg/contextres"
	"github.com/harrisonrobin/bobsync/pkg/dedupe"
	"github.com/harrisonrobin/bobsync/pkg/device"
	"github.com/harrisonrobin/bobsync/pkg/humanref"
	"github.com/harrisonrobin/bobsync/pkg/identity"
	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/model"
	"github.com/harrisonrobin/bobsync/pkg/notes"
	"github.com/harrisonrobin/bobsync/pkg/triage"
)

// ErrPassInProgress is returned when a pass for the same owner is already
// running in this process.
var ErrPassInProgress = errors.New("engine: a pass for this owner is already running")

// defaultClaimTTL is how long an import creation claim stays exclusive.
const defaultClaimTTL = 10 * time.Minute

// TriageOptions controls routing of new device items before import.
type TriageOptions struct {
	Enabled    bool
	SourceList string // "" inspects every list
	WorkList   string // destination for work-classified items
}

// Options configures an Engine. OwnerID is required.
type Options struct {
	OwnerID      string
	FullSync     bool
	DryRun       bool
	ShowMetadata bool
	Triage       TriageOptions

	// Classifier is consulted for unlinked items when triage is enabled.
	Classifier *triage.Classifier

	// State carries the delta watermark between passes. Nil means every
	// pass runs full.
	State *SyncState

	// ClaimTTL overrides the import creation-claim lifetime.
	ClaimTTL time.Duration

	// Retention overrides the completed-task retention window.
	Retention time.Duration

	// FullResyncEvery forces a periodic full fetch while running in delta
	// mode. Zero disables the cadence.
	FullResyncEvery time.Duration

	// Now supplies the pass clock; tests pin it.
	Now func() time.Time
}

// Engine reconciles one owner's ledger with one device store.
type Engine struct {
	ledger   ledger.Store
	device   device.Store
	contexts *contextres.Resolver
	logger   *slog.Logger
	opts     Options

	mu       sync.Mutex
	inflight map[string]bool
}

func New(ledgerStore ledger.Store, deviceStore device.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	return &Engine{
		ledger:   ledgerStore,
		device:   deviceStore,
		contexts: contextres.New(ledgerStore, logger),
		logger:   logger,
		opts:     opts,
		inflight: make(map[string]bool),
	}
}

// Run executes one reconciliation pass. Overlapping passes for the same
// owner are rejected with ErrPassInProgress rather than queued.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	owner := e.opts.OwnerID
	if owner == "" {
		return nil, errors.New("engine: owner id is required")
	}

	e.mu.Lock()
	if e.inflight[owner] {
		e.mu.Unlock()
		return nil, ErrPassInProgress
	}
	e.inflight[owner] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, owner)
		e.mu.Unlock()
	}()

	now := e.opts.Now()
	p := &pass{
		e:      e,
		now:    now,
		report: &Report{OwnerID: owner, Started: now, DryRun: e.opts.DryRun},
		notes:  make(map[string]*noteState),
		dirty:  make(map[string]*model.LedgerTask),
		clears: make(map[string][]string),
		drops:  make(map[string]*model.LedgerTask),
		denied: make(map[string]bool),
	}

	phases := []struct {
		name  string
		fn    func(context.Context) error
		fatal bool
	}{
		{"load", p.load, true},
		{"dedupe", p.dedupeSnapshot, false},
		{"index", p.buildIndex, false},
		{"repair", p.repairLinks, false},
		{"import", p.importNew, false},
		{"export", p.exportNew, false},
		{"merge", p.mergeLinked, false},
		{"priorities", p.remapPriorities, false},
		{"orphans", p.cleanOrphans, false},
		{"directives", p.propagateDirectives, false},
		{"retention", p.sweepExpired, false},
		{"commit", p.commit, true},
	}
	for _, phase := range phases {
		started := time.Now()
		err := phase.fn(ctx)
		p.report.Phases = append(p.report.Phases, PhaseTiming{Name: phase.name, Elapsed: time.Since(started)})
		if err != nil {
			p.report.Elapsed = time.Since(now)
			if phase.fatal {
				return p.report, fmt.Errorf("engine: %s: %w", phase.name, err)
			}
			p.fail(phase.name, err)
		}
	}

	p.report.Elapsed = time.Since(now)
	e.logger.Info("pass finished", "owner", owner, "summary", p.report.Summary())
	return p.report, nil
}

// noteState is the decoded notes of one device item, mutated across phases
// and re-encoded once when the item is flushed.
type noteState struct {
	md        notes.Metadata
	userLines []string
}

// link is one matched ledger-task / device-item pair.
type link struct {
	task *model.LedgerTask
	item *model.DeviceItem

	// deviceWins is the conflict-resolution verdict, set during merge.
	deviceWins bool
	// itemDirty marks the device side for a flush at the end of the
	// priority phase.
	itemDirty bool
}

// pass holds all per-run state.
type pass struct {
	e      *Engine
	now    time.Time
	report *Report

	tasks    []*model.LedgerTask
	items    []*model.DeviceItem
	itemByID map[string]*model.DeviceItem
	index    *identity.Index
	resolver *identity.Resolver
	notes    map[string]*noteState
	links    []*link
	linked   map[string]bool // task ids claimed by a link this pass

	dirty  map[string]*model.LedgerTask
	clears map[string][]string
	drops  map[string]*model.LedgerTask // ledger documents to delete

	denied        map[string]bool // permission-denied contexts already logged
	workListReady bool
}

// newRef mints human refs; tests swap it for a deterministic sequence.
var newRef = humanref.New

func (p *pass) load(ctx context.Context) error {
	opts := p.e.opts
	q := ledger.Query{OwnerID: opts.OwnerID}
	full := opts.FullSync || opts.State == nil || opts.State.Watermark().IsZero()
	if !full && opts.FullResyncEvery > 0 && p.now.Sub(opts.State.LastFullSync()) >= opts.FullResyncEvery {
		// Delta windows can miss writes that never bumped the watermark;
		// the periodic full pass heals them.
		full = true
	}
	if !full {
		q.Since = opts.State.Watermark()
	}
	p.report.Full = full

	tasks, err := p.e.ledger.Tasks(ctx, q)
	if err != nil {
		return fmt.Errorf("loading ledger tasks: %w", err)
	}
	p.tasks = tasks

	items, err := p.e.device.Items(ctx)
	if err != nil {
		return fmt.Errorf("loading device items: %w", err)
	}
	p.items = items
	p.itemByID = make(map[string]*model.DeviceItem, len(items))
	for _, item := range items {
		p.itemByID[item.ID] = item
	}

	p.e.logger.Debug("snapshot loaded", "owner", opts.OwnerID,
		"tasks", len(tasks), "items", len(items), "full", full)
	return nil
}

// dedupeSnapshot runs a soft duplicate sweep over the loaded tasks before
// anything links to them. The creation claim is advisory, so two machines
// can still race a task into existence twice; marking the loser here keeps
// it out of the identity index and out of every later phase.
func (p *pass) dedupeSnapshot(ctx context.Context) error {
	sweep := dedupe.Evaluate(p.tasks, dedupe.Soft, p.now, p.e.logger)
	for _, task := range sweep.Marked {
		p.markDirty(task)
	}
	p.report.Deduped = sweep.Duplicates
	return nil
}

func (p *pass) buildIndex(ctx context.Context) error {
	p.index = identity.BuildIndex(p.tasks)
	p.resolver = identity.NewResolver(p.index, func(ctx context.Context, ref string) (*model.LedgerTask, error) {
		return p.e.ledger.TaskByHumanRef(ctx, p.e.opts.OwnerID, ref)
	})
	p.linked = make(map[string]bool)

	for _, item := range p.items {
		md, userLines := notes.Decode(item.Notes)
		p.notes[item.ID] = &noteState{md: md, userLines: userLines}
	}

	p.e.contexts.Prefetch(ctx, p.tasks)
	return nil
}

// repairLinks matches every device item against the snapshot and repairs
// broken back-references: a note that remembers its ledger task while the
// task lost (or never had) the device link.
func (p *pass) repairLinks(ctx context.Context) error {
	for _, item := range p.items {
		ns := p.notes[item.ID]
		hints := identity.Hints{
			DeviceID: item.ID,
			LedgerID: ns.md[notes.KeyTaskID],
			HumanRef: ns.md[notes.KeyTaskRef],
			Title:    item.Title,
		}
		task, err := p.resolver.Resolve(ctx, hints)
		if err != nil {
			p.fail("resolve "+item.ID, err)
			continue
		}
		if task == nil {
			continue
		}
		if p.linked[task.ID] {
			// Another item already claimed this task in this pass; the
			// leftover is a duplicate for the next dedupe sweep.
			p.e.logger.Warn("task matched by a second device item",
				"task", task.ID, "item", item.ID)
			continue
		}
		p.linked[task.ID] = true
		p.links = append(p.links, &link{task: task, item: item})

		if task.LinkedDeviceID != item.ID {
			p.decision("repair", "ledger", task.ID, item.ID)
			task.LinkedDeviceID = item.ID
			p.markDirty(task)
			p.report.Repaired++
		}
		if task.DeviceMissingAt != nil {
			task.DeviceMissingAt = nil
			p.clearField(task, "deviceMissingAt")
		}
	}
	return nil
}

// importNew turns unmatched, still-active device items into ledger tasks.
// Creation is guarded by an advisory claim so two devices importing the
// same item concurrently produce one task.
func (p *pass) importNew(ctx context.Context) error {
	matched := make(map[string]bool, len(p.links))
	for _, l := range p.links {
		matched[l.item.ID] = true
	}

	for _, item := range p.items {
		if matched[item.ID] || item.Completed || strings.TrimSpace(item.Title) == "" {
			continue
		}
		ns := p.notes[item.ID]

		if p.triageAway(ctx, item, ns) {
			continue
		}

		// Global pre-check: a task outside the delta window may already
		// hold this link.
		existing, err := p.e.ledger.TaskByLinkedDevice(ctx, p.e.opts.OwnerID, item.ID)
		if err != nil {
			p.fail("linked-device lookup "+item.ID, err)
			continue
		}
		if existing != nil {
			if existing.IsDuplicate() {
				// The holder lost a dedupe sweep; its device item rides
				// along until the retention sweep takes both.
				continue
			}
			p.index.Add(existing)
			p.linked[existing.ID] = true
			p.links = append(p.links, &link{task: existing, item: item})
			continue
		}

		if p.e.opts.DryRun {
			p.decision("import", "ledger", "", item.ID)
			p.report.Imported++
			continue
		}

		granted, err := p.e.ledger.Claim(ctx, p.e.opts.OwnerID, item.ID, p.e.opts.ClaimTTL)
		if err != nil {
			p.fail("claim "+item.ID, err)
			continue
		}
		if !granted {
			p.e.logger.Debug("creation claim held elsewhere", "item", item.ID)
			continue
		}

		ref, err := p.freshRef()
		if err != nil {
			p.fail("ref "+item.ID, err)
			continue
		}
		task := &model.LedgerTask{
			OwnerID:        p.e.opts.OwnerID,
			Title:          item.Title,
			Status:         model.StatusOpen,
			RawStatus:      model.StatusOpen.String(),
			CreatedAt:      p.now,
			UpdatedAt:      p.now,
			LinkedDeviceID: item.ID,
			HumanRef:       ref,
			Priority:       model.DevicePriorityToLedger(item.Priority),
			Tags:           ns.md.Tags(),
		}
		task.SetDue(item.Due)

		id, err := p.e.ledger.CreateTask(ctx, task)
		if err != nil {
			p.fail("create "+item.ID, err)
			continue
		}
		task.ID = id
		p.decision("import", "ledger", task.ID, item.ID)
		p.index.Add(task)
		p.linked[task.ID] = true
		p.links = append(p.links, &link{task: task, item: item, itemDirty: true})
		p.report.Imported++
	}
	return nil
}

// freshRef mints a human ref that no indexed task already carries. The ref
// space is large enough that a retry is almost never needed, but handing a
// colliding ref to two tasks would break ref-based matching forever.
func (p *pass) freshRef() (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		ref, err := newRef()
		if err != nil {
			return "", err
		}
		if p.index.ByRef(ref) == nil {
			return ref, nil
		}
	}
	return "", errors.New("could not mint an unused human ref")
}

// exportNew materializes ledger-only tasks on the device: open tasks with
// no device link and no record of a deliberate device-side removal get a
// fresh item, so external producers show up in the local list. Tasks
// stamped deviceMissingAt stay off the device; the user removed them.
func (p *pass) exportNew(ctx context.Context) error {
	for _, task := range p.tasks {
		if !task.Open() || p.linked[task.ID] || strings.TrimSpace(task.Title) == "" {
			continue
		}
		if task.LinkedDeviceID != "" || task.DeviceMissingAt != nil {
			continue
		}

		if p.e.opts.DryRun {
			p.decision("export", "device", task.ID, "")
			p.report.Exported++
			continue
		}

		item := &model.DeviceItem{
			Title:    task.Title,
			Due:      task.Due(),
			Priority: model.LedgerPriorityToDevice(task.Priority),
		}
		id, err := p.e.device.Create(ctx, item)
		if err != nil {
			p.fail("create item for "+task.ID, err)
			continue
		}
		item.ID = id
		p.decision("export", "device", task.ID, item.ID)

		task.LinkedDeviceID = item.ID
		p.markDirty(task)
		p.items = append(p.items, item)
		p.itemByID[item.ID] = item
		p.notes[item.ID] = &noteState{md: notes.Metadata{}}
		p.index.Add(task)
		p.linked[task.ID] = true
		p.links = append(p.links, &link{task: task, item: item, itemDirty: true})
		p.report.Exported++
	}
	return nil
}

// triageAway classifies a candidate item and, for a confident work verdict,
// moves it to the work list instead of importing it. Returns true when the
// item was consumed.
func (p *pass) triageAway(ctx context.Context, item *model.DeviceItem, ns *noteState) bool {
	opts := p.e.opts.Triage
	if !opts.Enabled || p.e.opts.Classifier == nil || opts.WorkList == "" {
		return false
	}
	if opts.SourceList != "" && item.List != opts.SourceList {
		return false
	}

	verdict := p.e.opts.Classifier.Classify(ctx, item.Title, strings.Join(ns.userLines, "\n"), ns.md.Tags())
	if verdict.Persona != triage.PersonaWork {
		return false
	}

	p.decision("triage", "device", "", item.ID)
	p.report.Triaged++
	if p.e.opts.DryRun {
		return true
	}
	if err := p.ensureWorkList(ctx); err != nil {
		p.fail("ensure list "+opts.WorkList, err)
		return true
	}
	if err := p.e.device.Move(ctx, item.ID, opts.WorkList); err != nil {
		p.fail("move "+item.ID, err)
	}
	return true
}

// ensureWorkList creates the triage destination list once per pass, and
// only when the device store does not already have it.
func (p *pass) ensureWorkList(ctx context.Context) error {
	if p.workListReady {
		return nil
	}
	want := p.e.opts.Triage.WorkList
	lists, err := p.e.device.Lists(ctx)
	if err != nil {
		return err
	}
	for _, name := range lists {
		if name == want {
			p.workListReady = true
			return nil
		}
	}
	if err := p.e.device.EnsureList(ctx, want); err != nil {
		return err
	}
	p.workListReady = true
	return nil
}

// cleanOrphans handles ledger tasks whose linked device item disappeared:
// the link is cleared and the disappearance stamped, never silently
// recreated.
func (p *pass) cleanOrphans(ctx context.Context) error {
	for _, task := range p.tasks {
		if task.LinkedDeviceID == "" || task.DeviceMissingAt != nil {
			continue
		}
		if _, exists := p.itemByID[task.LinkedDeviceID]; exists {
			continue
		}
		p.decision("orphan", "ledger", task.ID, task.LinkedDeviceID)
		missing := p.now
		task.DeviceMissingAt = &missing
		task.LinkedDeviceID = ""
		p.clearField(task, "linkedDeviceId")
		p.report.Orphaned++
	}
	return nil
}

// propagateDirectives pushes ledger-side completion and deletion intent to
// the device. Deleted tasks complete their device item and tag it; the
// device item is never hard-deleted here.
func (p *pass) propagateDirectives(ctx context.Context) error {
	for _, l := range p.links {
		task, item := l.task, l.item
		switch {
		case task.Directive == model.DirectiveComplete:
			if task.Status == model.StatusOpen {
				p.complete(task)
				task.UpdatedAt = p.now
			}
			task.Directive = model.DirectiveNone
			p.clearField(task, "syncDirective")
			if !item.Completed {
				p.decision("complete", "device", task.ID, item.ID)
				item.Completed = true
				l.itemDirty = true
				p.report.Propagated++
			}
			p.flushItem(ctx, l)

		case task.Deleted():
			changed := false
			if !item.Completed {
				item.Completed = true
				changed = true
			}
			if !task.HasTag(deletedTag) {
				task.AddTag(deletedTag)
				p.markDirty(task)
				changed = true
			}
			if task.Directive == model.DirectiveDelete {
				task.Directive = model.DirectiveNone
				p.clearField(task, "syncDirective")
			}
			if changed {
				p.decision("propagate-delete", "device", task.ID, item.ID)
				l.itemDirty = true
				p.report.Propagated++
				p.flushItem(ctx, l)
			}
		}
	}
	return nil
}

// deletedTag marks a device item whose ledger task was deleted elsewhere.
const deletedTag = "bob-deleted"

// sweepExpired removes pairs past their retention deadline: the device item
// is hard-deleted and the ledger document dropped from the batch commit.
func (p *pass) sweepExpired(ctx context.Context) error {
	for _, task := range p.tasks {
		if task.DeleteAfter == nil || !p.now.After(*task.DeleteAfter) {
			continue
		}
		p.decision("sweep", "both", task.ID, task.LinkedDeviceID)
		if item, ok := p.itemByID[task.LinkedDeviceID]; ok && !p.e.opts.DryRun {
			if err := p.e.device.Delete(ctx, item.ID); err != nil {
				p.fail("delete item "+item.ID, err)
				continue
			}
		}
		delete(p.dirty, task.ID)
		p.drops[task.ID] = task
		p.report.Swept++
	}
	return nil
}

// commit flushes the accumulated ledger mutations in one batched apply.
// Batches already committed stay committed if a later one fails; the next
// pass converges the remainder.
func (p *pass) commit(ctx context.Context) error {
	ids := make([]string, 0, len(p.dirty)+len(p.drops))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	for id := range p.drops {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	writes := make([]ledger.Write, 0, len(ids))
	for _, id := range ids {
		if task, ok := p.drops[id]; ok {
			writes = append(writes, ledger.Write{Task: task, Delete: true})
			continue
		}
		writes = append(writes, ledger.Write{Task: p.dirty[id], ClearFields: p.clears[id]})
	}

	if p.e.opts.DryRun {
		p.e.logger.Info("dry-run: skipping ledger commit", "writes", len(writes))
		return nil
	}
	if len(writes) > 0 {
		if err := p.e.ledger.Apply(ctx, writes); err != nil {
			return fmt.Errorf("applying %d writes: %w", len(writes), err)
		}
	}

	p.advanceWatermark()
	return nil
}

func (p *pass) advanceWatermark() {
	state := p.e.opts.State
	if state == nil {
		return
	}
	watermark := state.Watermark()
	for _, task := range p.tasks {
		if task.ServerUpdatedAt.After(watermark) {
			watermark = task.ServerUpdatedAt
		}
	}
	state.SetWatermark(watermark)
	if p.report.Full {
		state.SetLastFullSync(p.now)
	}
	if err := state.Save(); err != nil {
		p.e.logger.Warn("failed to save sync state", "error", err)
	}
}

// complete marks a task done, honoring a configured retention override.
func (p *pass) complete(task *model.LedgerTask) {
	task.Complete(p.now)
	if r := p.e.opts.Retention; r > 0 && r != model.CompletedRetention {
		deadline := p.now.Add(r)
		task.DeleteAfter = &deadline
	}
}

func (p *pass) markDirty(task *model.LedgerTask) {
	p.dirty[task.ID] = task
}

func (p *pass) clearField(task *model.LedgerTask, field string) {
	p.markDirty(task)
	for _, existing := range p.clears[task.ID] {
		if existing == field {
			return
		}
	}
	p.clears[task.ID] = append(p.clears[task.ID], field)
}

// fail records a per-record error. Permission denials are logged once per
// context so a revoked grant does not flood the log with one line per task.
func (p *pass) fail(context string, err error) {
	p.report.Errors = append(p.report.Errors, context+": "+err.Error())
	if ledger.IsPermissionDenied(err) {
		if p.denied[context] {
			return
		}
		p.denied[context] = true
	}
	p.e.logger.Error("pass error", "context", context, "error", err)
}

// decision emits the per-record structured log every mutation gets, dry-run
// included.
func (p *pass) decision(action, direction, taskID, itemID string) {
	p.e.logger.Info("decision",
		"action", action, "direction", direction,
		"task", taskID, "item", itemID, "dryRun", p.e.opts.DryRun)
}
