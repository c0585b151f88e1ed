package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisonrobin/bobsync/pkg/device"
	"github.com/harrisonrobin/bobsync/pkg/humanref"
	"github.com/harrisonrobin/bobsync/pkg/ledger"
	"github.com/harrisonrobin/bobsync/pkg/model"
	"github.com/harrisonrobin/bobsync/pkg/notes"
	"github.com/harrisonrobin/bobsync/pkg/triage"
)

var t0 = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ledger *ledger.Memory
	device *device.Memory
	opts   Options
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		ledger: ledger.NewMemory(),
		device: device.NewMemory(),
	}
	f.ledger.Now = func() time.Time { return now }
	f.device.Now = func() time.Time { return now }
	f.opts = Options{
		OwnerID:      "owner1",
		ShowMetadata: true,
		Now:          func() time.Time { return now },
	}
	return f
}

func (f *fixture) run(t *testing.T) *Report {
	t.Helper()
	report, err := New(f.ledger, f.device, discard(), f.opts).Run(context.Background())
	require.NoError(t, err)
	return report
}

// seedPair installs a linked task/item pair whose note block already points
// at the task, the steady state a previous pass leaves behind.
func (f *fixture) seedPair(taskUpdated, itemModified time.Time) (*model.LedgerTask, *model.DeviceItem) {
	task := &model.LedgerTask{
		ID:              "t1",
		OwnerID:         "owner1",
		Title:           "Buy milk",
		Status:          model.StatusOpen,
		HumanRef:        "TK-ABCDEF",
		LinkedDeviceID:  "i1",
		CreatedAt:       taskUpdated.Add(-time.Hour),
		UpdatedAt:       taskUpdated,
		ServerUpdatedAt: taskUpdated,
	}
	f.ledger.Seed(task)

	md := notes.Metadata{
		notes.KeyTaskID:  task.ID,
		notes.KeyTaskRef: task.HumanRef,
	}
	md.SetSyncedAt(taskUpdated)
	item := &model.DeviceItem{
		ID:           "i1",
		Title:        "Buy milk",
		Notes:        notes.Encode(md, nil, true),
		List:         "Inbox",
		LastModified: itemModified,
	}
	f.device.Seed(item)
	return task, item
}

func TestImportCreatesLedgerTask(t *testing.T) {
	f := newFixture(t0)
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "Buy milk", List: "Inbox", LastModified: t0.Add(-time.Hour)})

	report := f.run(t)
	assert.Equal(t, 1, report.Imported)

	tasks := f.ledger.All()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "Buy milk", task.Title)
	assert.Equal(t, "i1", task.LinkedDeviceID)
	assert.True(t, humanref.Valid(task.HumanRef))
	assert.Equal(t, model.StatusOpen, task.Status)

	item := f.device.Get("i1")
	md, _ := notes.Decode(item.Notes)
	assert.Equal(t, task.ID, md[notes.KeyTaskID], "note block records the new task")
	assert.Equal(t, task.HumanRef, md[notes.KeyTaskRef])
	assert.Equal(t, t0, md.SyncedAt())
	assert.Contains(t, item.Notes, "bob://task/"+task.ID)
}

func TestSecondPassIsIdempotent(t *testing.T) {
	f := newFixture(t0)
	f.device.StampOnUpdate = true
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "Buy milk", List: "Inbox", LastModified: t0.Add(-time.Hour)})
	f.run(t)

	creates, writes, updates := f.ledger.Creates, f.ledger.Writes, f.device.Updates

	later := t0.Add(time.Hour)
	f.opts.Now = func() time.Time { return later }
	f.ledger.Now = f.opts.Now
	f.device.Now = f.opts.Now
	report := f.run(t)

	assert.Zero(t, report.Changes(), "a converged pair produces no work")
	assert.Equal(t, creates, f.ledger.Creates)
	assert.Equal(t, writes, f.ledger.Writes)
	assert.Equal(t, updates, f.device.Updates)
}

func TestImportSkippedWhenClaimDenied(t *testing.T) {
	f := newFixture(t0)
	f.ledger.ClaimDenied = true
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "Buy milk", LastModified: t0.Add(-time.Hour)})

	report := f.run(t)
	assert.Zero(t, report.Imported)
	assert.Zero(t, f.ledger.Creates, "a held claim means another device is importing")
}

func TestDeviceCompletionWinsWhenNewer(t *testing.T) {
	f := newFixture(t0.Add(2 * time.Hour))
	_, item := f.seedPair(t0, t0.Add(time.Hour))
	item.Completed = true
	f.device.Seed(item)

	report := f.run(t)
	assert.GreaterOrEqual(t, report.LedgerUpdates, 1)

	task := f.ledger.Get("t1")
	assert.Equal(t, model.StatusDone, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, t0.Add(2*time.Hour), *task.CompletedAt)
	require.NotNil(t, task.DeleteAfter)
	assert.Equal(t, t0.Add(2*time.Hour).Add(model.CompletedRetention), *task.DeleteAfter)
}

func TestLedgerWinsOnNewerAndOnTie(t *testing.T) {
	t.Run("newer ledger edit", func(t *testing.T) {
		f := newFixture(t0.Add(2 * time.Hour))
		task, _ := f.seedPair(t0.Add(time.Hour), t0)
		task.Title = "Buy oat milk"
		f.ledger.Seed(task)

		f.run(t)
		assert.Equal(t, "Buy oat milk", f.device.Get("i1").Title)
	})

	t.Run("equal stamps", func(t *testing.T) {
		f := newFixture(t0.Add(2 * time.Hour))
		task, item := f.seedPair(t0, t0)
		task.Title = "Ledger title"
		f.ledger.Seed(task)
		item.Title = "Device title"
		f.device.Seed(item)

		f.run(t)
		assert.Equal(t, "Ledger title", f.device.Get("i1").Title, "ties resolve toward the ledger")
		assert.Equal(t, "Ledger title", f.ledger.Get("t1").Title)
	})
}

func TestRepairRelinksFromNoteMetadata(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	task, item := f.seedPair(t0, t0)
	task.LinkedDeviceID = "" // link lost ledger-side
	missing := t0.Add(-time.Hour)
	task.DeviceMissingAt = &missing
	f.ledger.Seed(task)
	f.device.Seed(item)

	report := f.run(t)
	assert.Equal(t, 1, report.Repaired)
	repaired := f.ledger.Get("t1")
	assert.Equal(t, "i1", repaired.LinkedDeviceID)
	assert.Nil(t, repaired.DeviceMissingAt)
	assert.Zero(t, f.ledger.Creates, "a repaired item is never re-imported")
}

func TestOrphanedTaskLosesItsLink(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	f.ledger.Seed(&model.LedgerTask{
		ID: "t1", OwnerID: "owner1", Title: "Gone from device",
		LinkedDeviceID: "ghost", UpdatedAt: t0, ServerUpdatedAt: t0,
	})

	report := f.run(t)
	assert.Equal(t, 1, report.Orphaned)
	task := f.ledger.Get("t1")
	assert.Empty(t, task.LinkedDeviceID)
	require.NotNil(t, task.DeviceMissingAt)
	assert.Equal(t, t0.Add(time.Hour), *task.DeviceMissingAt)
}

func TestDeletionPropagatesAsCompletion(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	task, item := f.seedPair(t0, t0)
	task.Status = model.StatusDeleted
	task.RawStatus = "deleted"
	f.ledger.Seed(task)
	f.device.Seed(item)

	report := f.run(t)
	assert.Equal(t, 1, report.Propagated)

	got := f.device.Get("i1")
	require.NotNil(t, got, "the device item is completed and tagged, never deleted")
	assert.True(t, got.Completed)
	md, _ := notes.Decode(got.Notes)
	assert.Contains(t, md.Tags(), "bob-deleted")
	assert.Zero(t, f.device.Deletes)
}

func TestCompleteDirectiveConsumedOnce(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	task, item := f.seedPair(t0, t0)
	task.Directive = model.DirectiveComplete
	f.ledger.Seed(task)
	f.device.Seed(item)

	f.run(t)
	got := f.ledger.Get("t1")
	assert.Equal(t, model.DirectiveNone, got.Directive, "the directive is cleared after it acts")
	assert.Equal(t, model.StatusDone, got.Status)
	assert.True(t, f.device.Get("i1").Completed)
}

func TestRetentionSweepTiming(t *testing.T) {
	expire := t0.Add(time.Hour)
	seed := func(f *fixture) {
		task, item := f.seedPair(t0, t0)
		task.Status = model.StatusDone
		task.RawStatus = "done"
		done := t0
		task.CompletedAt = &done
		task.DeleteAfter = &expire
		f.ledger.Seed(task)
		f.device.Seed(item)
	}

	t.Run("before the deadline nothing moves", func(t *testing.T) {
		f := newFixture(expire) // exactly at the deadline, still kept
		seed(f)
		report := f.run(t)
		assert.Zero(t, report.Swept)
		assert.NotNil(t, f.device.Get("i1"))
		assert.NotNil(t, f.ledger.Get("t1"))
	})

	t.Run("past the deadline both sides go", func(t *testing.T) {
		f := newFixture(expire.Add(time.Second))
		seed(f)
		report := f.run(t)
		assert.Equal(t, 1, report.Swept)
		assert.Nil(t, f.device.Get("i1"))
		assert.Nil(t, f.ledger.Get("t1"))
	})
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newFixture(t0.Add(2 * time.Hour))
	f.opts.DryRun = true
	_, item := f.seedPair(t0, t0.Add(time.Hour))
	item.Completed = true
	f.device.Seed(item)
	f.device.Seed(&model.DeviceItem{ID: "i2", Title: "Brand new", LastModified: t0})

	report := f.run(t)
	assert.True(t, report.DryRun)
	assert.Positive(t, report.Changes(), "the report still says what would happen")

	assert.Zero(t, f.ledger.Creates)
	assert.Zero(t, f.ledger.Writes)
	assert.Zero(t, f.ledger.Applies)
	assert.Zero(t, f.device.Updates)
	assert.Equal(t, model.StatusOpen, f.ledger.Get("t1").Status)
}

func TestPriorityMappingAndTagRewrite(t *testing.T) {
	f := newFixture(t0.Add(2 * time.Hour))
	task, item := f.seedPair(t0.Add(time.Hour), t0)
	task.Priority = model.LedgerPriorityMedium
	f.ledger.Seed(task)
	md, _ := notes.Decode(item.Notes)
	item.Notes = notes.Encode(md, []string{"pick this up #P1 on the way"}, true)
	f.device.Seed(item)

	f.run(t)
	got := f.device.Get("i1")
	assert.Equal(t, 5, got.Priority, "ledger medium maps to the device midpoint")
	assert.Contains(t, got.Notes, "#P2", "stale priority tags follow the task")
	assert.NotContains(t, got.Notes, "#P1")
}

func TestOverlappingPassRejected(t *testing.T) {
	f := newFixture(t0)
	gate := &gatedStore{Memory: f.ledger, entered: make(chan struct{}), release: make(chan struct{})}
	e := New(gate, f.device, discard(), f.opts)

	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = e.Run(context.Background())
	}()

	<-gate.entered
	_, err := e.Run(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(gate.release)
	wg.Wait()
	require.NoError(t, firstErr)

	_, err = e.Run(context.Background())
	assert.NoError(t, err, "the guard is released when the pass ends")
}

type gatedStore struct {
	*ledger.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Tasks(ctx context.Context, q ledger.Query) ([]*model.LedgerTask, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Memory.Tasks(ctx, q)
}

func TestCommitFailureAborts(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	f.ledger.Seed(&model.LedgerTask{
		ID: "t1", OwnerID: "owner1", Title: "Orphan",
		LinkedDeviceID: "ghost", UpdatedAt: t0, ServerUpdatedAt: t0,
	})
	f.ledger.ApplyErr = errors.New("unavailable")

	report, err := New(f.ledger, f.device, discard(), f.opts).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	require.NotNil(t, report, "the report survives an aborted commit")
}

func TestWatermarkAdvances(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	state, err := OpenState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	f.opts.State = state
	f.ledger.Seed(&model.LedgerTask{
		ID: "t1", OwnerID: "owner1", Title: "Standalone",
		UpdatedAt: t0, ServerUpdatedAt: t0.Add(30 * time.Minute),
	})

	report := f.run(t)
	assert.True(t, report.Full, "an empty watermark forces a full fetch")
	assert.Equal(t, t0.Add(30*time.Minute), state.Watermark())
	assert.Equal(t, t0.Add(time.Hour), state.LastFullSync())
}

func TestDeltaPassMissesNothingLinked(t *testing.T) {
	// A pair converged before the watermark is invisible to a delta fetch.
	// The note's human ref triggers a live lookup, so the item must not be
	// re-imported as a new task.
	f := newFixture(t0.Add(2 * time.Hour))
	state, err := OpenState(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	state.SetWatermark(t0.Add(time.Hour))
	f.opts.State = state
	f.seedPair(t0, t0)

	report := f.run(t)
	assert.False(t, report.Full)
	assert.Zero(t, report.Imported)
	assert.Zero(t, f.ledger.Creates)
	require.Len(t, f.ledger.All(), 1)
}

func TestTriageRoutesWorkItems(t *testing.T) {
	f := newFixture(t0)
	f.opts.Triage = TriageOptions{Enabled: true, SourceList: "Inbox", WorkList: "Work"}
	f.opts.Classifier = triage.New("", discard())
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "standup meeting with client", List: "Inbox", LastModified: t0.Add(-time.Hour)})
	f.device.Seed(&model.DeviceItem{ID: "i2", Title: "do the laundry", List: "Inbox", LastModified: t0.Add(-time.Hour)})

	report := f.run(t)
	assert.Equal(t, 1, report.Triaged)
	assert.Equal(t, 1, report.Imported, "the personal item still imports")
	assert.Equal(t, "Work", f.device.Get("i1").List)
	assert.Equal(t, "Inbox", f.device.Get("i2").List)
	require.Len(t, f.ledger.All(), 1)
	assert.Equal(t, "do the laundry", f.ledger.All()[0].Title)
}

func TestMetadataHiddenMode(t *testing.T) {
	f := newFixture(t0)
	f.opts.ShowMetadata = false
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "Buy milk", LastModified: t0.Add(-time.Hour)})

	f.run(t)
	item := f.device.Get("i1")
	assert.NotContains(t, item.Notes, notes.HeaderToken)
	assert.True(t, strings.Contains(item.Notes, "bob://task/"), "deep links survive hidden mode")
}

func TestHiddenModeDoesNotAccumulateDeepLinks(t *testing.T) {
	f := newFixture(t0)
	f.opts.ShowMetadata = false
	f.device.Seed(&model.DeviceItem{ID: "i1", Title: "Buy milk", LastModified: t0.Add(-time.Hour)})

	f.run(t)
	updates := f.device.Updates

	for n := 1; n <= 2; n++ {
		later := t0.Add(time.Duration(n) * time.Hour)
		f.opts.Now = func() time.Time { return later }
		f.ledger.Now = f.opts.Now
		f.device.Now = f.opts.Now
		f.run(t)
	}

	item := f.device.Get("i1")
	task := f.ledger.All()[0]
	assert.Equal(t, 1, strings.Count(item.Notes, "bob://task/"+task.ID),
		"exactly one deep link no matter how many passes run")
	assert.Equal(t, updates, f.device.Updates, "converged hidden-mode notes are never rewritten")
}

func TestLedgerOnlyTaskMaterializesOnDevice(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	f.ledger.Seed(&model.LedgerTask{
		ID: "t1", OwnerID: "owner1", Title: "Call the plumber",
		HumanRef: "TK-QQQQQQ", Priority: 1,
		UpdatedAt: t0, ServerUpdatedAt: t0,
	})

	report := f.run(t)
	assert.Equal(t, 1, report.Exported)
	assert.Equal(t, 1, f.device.Creates)

	task := f.ledger.Get("t1")
	require.NotEmpty(t, task.LinkedDeviceID)
	item := f.device.Get(task.LinkedDeviceID)
	require.NotNil(t, item)
	assert.Equal(t, "Call the plumber", item.Title)
	md, _ := notes.Decode(item.Notes)
	assert.Equal(t, "t1", md[notes.KeyTaskID])
	assert.Equal(t, "TK-QQQQQQ", md[notes.KeyTaskRef])
}

func TestExportSkipsDeliberatelyRemovedTasks(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	missing := t0
	f.ledger.Seed(&model.LedgerTask{
		ID: "t1", OwnerID: "owner1", Title: "User removed this",
		DeviceMissingAt: &missing, UpdatedAt: t0, ServerUpdatedAt: t0,
	})

	report := f.run(t)
	assert.Zero(t, report.Exported, "a task the user removed device-side stays off the device")
	assert.Zero(t, f.device.Creates)
}

func TestPassSuppressesClaimRaceDuplicates(t *testing.T) {
	f := newFixture(t0.Add(2 * time.Hour))
	f.ledger.Seed(&model.LedgerTask{
		ID: "ta", OwnerID: "owner1", Title: "Email accountant",
		SourceRef: "ext-42", UpdatedAt: t0, ServerUpdatedAt: t0,
	})
	f.ledger.Seed(&model.LedgerTask{
		ID: "tb", OwnerID: "owner1", Title: "Email accountant",
		SourceRef: "ext-42", UpdatedAt: t0.Add(time.Hour), ServerUpdatedAt: t0.Add(time.Hour),
	})

	report := f.run(t)
	assert.Equal(t, 1, report.Deduped)

	loser := f.ledger.Get("ta")
	assert.Equal(t, "tb", loser.DuplicateOf)
	assert.Equal(t, "sourceRef", loser.DuplicateKey)
	assert.Equal(t, model.StatusDone, loser.Status)
	assert.Empty(t, f.ledger.Get("tb").DuplicateOf, "the newer task survives untouched")
}

func TestTagsMergeInsteadOfOverwrite(t *testing.T) {
	f := newFixture(t0.Add(time.Hour))
	task, item := f.seedPair(t0, t0)
	task.Tags = []string{"errand"}
	f.ledger.Seed(task)
	md, _ := notes.Decode(item.Notes)
	md[notes.ExtTags] = "home"
	item.Notes = notes.Encode(md, nil, true)
	f.device.Seed(item)

	f.run(t)
	got := f.ledger.Get("t1")
	assert.ElementsMatch(t, []string{"errand", "home"}, got.Tags)
	deviceMD, _ := notes.Decode(f.device.Get("i1").Notes)
	assert.ElementsMatch(t, []string{"errand", "home"}, deviceMD.Tags())
}

func TestImportRetriesCollidingRef(t *testing.T) {
	refs := []string{"TK-ABCDEF", "TK-ZZZZZZ"}
	orig := newRef
	newRef = func() (string, error) {
		ref := refs[0]
		refs = refs[1:]
		return ref, nil
	}
	defer func() { newRef = orig }()

	f := newFixture(t0.Add(time.Hour))
	f.seedPair(t0, t0) // holds TK-ABCDEF
	f.device.Seed(&model.DeviceItem{ID: "i2", Title: "Write thank-you note", LastModified: t0})

	report := f.run(t)
	assert.Equal(t, 1, report.Imported)
	for _, task := range f.ledger.All() {
		if task.ID == "t1" {
			continue
		}
		assert.Equal(t, "TK-ZZZZZZ", task.HumanRef, "a ref already in use is never reissued")
	}
}
