package engine

import (
	"fmt"
	"time"
)

// PhaseTiming records how long one phase of a pass took.
type PhaseTiming struct {
	Name    string
	Elapsed time.Duration
}

// Report summarizes one reconciliation pass. In dry-run mode the counters
// describe what would have been written.
type Report struct {
	OwnerID string
	Started time.Time
	Elapsed time.Duration
	Full    bool
	DryRun  bool

	// Imported counts ledger tasks created from new device items.
	Imported int
	// Exported counts device items created from ledger-only tasks.
	Exported int
	// Deduped counts ledger tasks marked as duplicates by the soft sweep.
	Deduped int
	// Repaired counts links re-established from note metadata.
	Repaired int
	// LedgerUpdates and DeviceUpdates count per-record writes in each
	// direction, not including imports.
	LedgerUpdates int
	DeviceUpdates int
	// Triaged counts device items routed to the work list instead of
	// being imported.
	Triaged int
	// Orphaned counts ledger tasks whose device item disappeared.
	Orphaned int
	// Propagated counts device items completed because their ledger task
	// was deleted or carried a directive.
	Propagated int
	// Swept counts pairs removed by the retention sweep.
	Swept int

	// Errors holds per-record failures. The pass keeps going past them;
	// only load and commit failures abort.
	Errors []string

	Phases []PhaseTiming
}

// Changes is the total number of effective (or planned) mutations.
func (r *Report) Changes() int {
	return r.Imported + r.Exported + r.Deduped + r.Repaired +
		r.LedgerUpdates + r.DeviceUpdates +
		r.Triaged + r.Orphaned + r.Propagated + r.Swept
}

// Summary renders a one-line human digest for log output.
func (r *Report) Summary() string {
	mode := "delta"
	if r.Full {
		mode = "full"
	}
	if r.DryRun {
		mode += " dry-run"
	}
	return fmt.Sprintf("%s pass: imported=%d exported=%d deduped=%d repaired=%d ledger=%d device=%d triaged=%d orphaned=%d propagated=%d swept=%d errors=%d in %s",
		mode, r.Imported, r.Exported, r.Deduped, r.Repaired, r.LedgerUpdates, r.DeviceUpdates,
		r.Triaged, r.Orphaned, r.Propagated, r.Swept, len(r.Errors), r.Elapsed.Round(time.Millisecond))
}
