package model

import (
	"strings"
	"time"
)

// CompletedRetention is how long a completed task is kept in the ledger
// before the TTL sweep removes it.
const CompletedRetention = 30 * 24 * time.Hour

// Status is the normalized task state. Ledger documents store it loosely
// (integer codes from older clients, strings from newer ones); ParseStatus
// folds both encodings into this enum at the decode boundary so nothing
// downstream ever sees the raw value.
type Status int

const (
	StatusOpen Status = iota
	StatusDone
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusDeleted:
		return "deleted"
	default:
		return "open"
	}
}

// ParseStatus normalizes a raw ledger status value. Unknown values are
// treated as open rather than rejected; a sync pass must not stall on one
// malformed document.
func ParseStatus(raw any) Status {
	switch v := raw.(type) {
	case nil:
		return StatusOpen
	case int64:
		return statusFromCode(v)
	case int:
		return statusFromCode(int64(v))
	case float64:
		return statusFromCode(int64(v))
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "done", "completed", "complete":
			return StatusDone
		case "deleted", "cancelled", "canceled", "trash":
			return StatusDeleted
		default:
			return StatusOpen
		}
	default:
		return StatusOpen
	}
}

func statusFromCode(code int64) Status {
	switch code {
	case 1:
		return StatusDone
	case 2, 3:
		return StatusDeleted
	default:
		return StatusOpen
	}
}

// SyncDirective is an explicit instruction left on a ledger task by another
// client, consumed by the engine's deletion-propagation phase.
type SyncDirective string

const (
	DirectiveNone     SyncDirective = ""
	DirectiveComplete SyncDirective = "complete"
	DirectiveDelete   SyncDirective = "delete"
)

// LedgerTask is the ledger-side record. Struct tags carry the Firestore
// document field names.
type LedgerTask struct {
	ID      string `firestore:"-"`
	OwnerID string `firestore:"ownerId"`
	Title   string `firestore:"title"`

	Status    Status        `firestore:"-"`
	RawStatus any           `firestore:"status"`
	Directive SyncDirective `firestore:"syncDirective,omitempty"`

	DueAt           *time.Time `firestore:"-"`
	DueAtRaw        any        `firestore:"dueAt,omitempty"`
	CreatedAt       time.Time  `firestore:"createdAt"`
	UpdatedAt       time.Time  `firestore:"updatedAt"`
	ServerUpdatedAt time.Time  `firestore:"serverUpdatedAt"`
	CompletedAt     *time.Time `firestore:"completedAt,omitempty"`
	DeleteAfter     *time.Time `firestore:"deleteAfter,omitempty"`

	LinkedDeviceID string `firestore:"linkedDeviceId,omitempty"`
	HumanRef       string `firestore:"humanRef,omitempty"`
	StoryID        string `firestore:"parentId,omitempty"`
	GoalID         string `firestore:"groupId,omitempty"`
	SprintID       string `firestore:"sprintId,omitempty"`

	Tags     []string `firestore:"tags,omitempty"`
	Priority int      `firestore:"priority,omitempty"`

	DuplicateOf  string `firestore:"duplicateOf,omitempty"`
	DuplicateKey string `firestore:"duplicateKey,omitempty"`

	// Identity hints used only for matching and dedupe.
	SourceRef   string `firestore:"sourceRef,omitempty"`
	ExternalID  string `firestore:"externalId,omitempty"`
	DeviceAltID string `firestore:"deviceAltId,omitempty"`

	// Set when the linked device item disappeared from the device store.
	DeviceMissingAt *time.Time `firestore:"deviceMissingAt,omitempty"`
}

// IsDuplicate reports whether the task has been claimed by the deduplicator.
func (t *LedgerTask) IsDuplicate() bool {
	return t.DuplicateOf != ""
}

// Open reports whether the task is live: not done, not deleted, not a
// resolved duplicate.
func (t *LedgerTask) Open() bool {
	return t.Status == StatusOpen && !t.IsDuplicate()
}

// Deleted reports intent-to-delete in any of its encodings: the normalized
// status, a duplicate claim, or an explicit directive.
func (t *LedgerTask) Deleted() bool {
	return t.Status == StatusDeleted || t.IsDuplicate() || t.Directive == DirectiveDelete
}

// Complete marks the task done at now and stamps the retention deadline.
func (t *LedgerTask) Complete(now time.Time) {
	t.Status = StatusDone
	t.RawStatus = StatusDone.String()
	done := now
	t.CompletedAt = &done
	expiry := now.Add(CompletedRetention)
	t.DeleteAfter = &expiry
}

// Reopen clears completion state.
func (t *LedgerTask) Reopen() {
	t.Status = StatusOpen
	t.RawStatus = StatusOpen.String()
	t.CompletedAt = nil
	t.DeleteAfter = nil
}

// Due returns the due instant, or the zero time if the task has none.
func (t *LedgerTask) Due() time.Time {
	if t.DueAt != nil {
		return *t.DueAt
	}
	return time.Time{}
}

// SetDue stores a due instant, clearing it for the zero time. The wire
// encoding is epoch millis.
func (t *LedgerTask) SetDue(due time.Time) {
	if due.IsZero() {
		t.DueAt = nil
		t.DueAtRaw = nil
		return
	}
	d := due
	t.DueAt = &d
	t.DueAtRaw = due.UnixMilli()
}

// NormalizeDecoded fixes up fields whose wire encoding is looser than the
// in-memory model: the status union and the due date, which arrives as
// epoch millis from current clients but as a native timestamp from some
// older ones. Ledger loaders call this once per decoded document.
func (t *LedgerTask) NormalizeDecoded() {
	t.Status = ParseStatus(t.RawStatus)
	switch v := t.DueAtRaw.(type) {
	case int64:
		if v > 0 {
			due := time.UnixMilli(v).UTC()
			t.DueAt = &due
		}
	case float64:
		if v > 0 {
			due := time.UnixMilli(int64(v)).UTC()
			t.DueAt = &due
		}
	case time.Time:
		if !v.IsZero() {
			due := v.UTC()
			t.DueAt = &due
		}
	}
}

// HasTag reports whether tag is present, case-insensitively.
func (t *LedgerTask) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if strings.EqualFold(existing, tag) {
			return true
		}
	}
	return false
}

// AddTag appends tag unless an equivalent one is already present.
func (t *LedgerTask) AddTag(tag string) {
	if tag == "" || t.HasTag(tag) {
		return
	}
	t.Tags = append(t.Tags, tag)
}

// MergeTags unions extra into the task's tag set, preserving existing order.
func (t *LedgerTask) MergeTags(extra []string) {
	for _, tag := range extra {
		t.AddTag(tag)
	}
}
