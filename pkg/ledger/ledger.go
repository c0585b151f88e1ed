// Package ledger abstracts the remote task database. The engine only ever
// talks to the Store interface; the Firestore implementation and the
// in-memory one used by tests live alongside it.
package ledger

import (
	"context"
	"time"

	"github.com/harrisonrobin/bobsync/pkg/model"
)

// BatchLimit is the largest number of writes committed in a single batch.
// The store's request-size cap is 500; 400 leaves headroom for transforms.
const BatchLimit = 400

// ContextBatchLimit caps "in"-style multi-id lookups (stories, goals,
// sprints). A store limitation, not a tuning knob.
const ContextBatchLimit = 10

// Query selects tasks for one owner. A zero Since means a full fetch;
// otherwise only tasks whose server-side update time is newer than Since
// are returned (the delta watermark).
type Query struct {
	OwnerID string
	Since   time.Time
	Limit   int // 0 = store default (full sweeps pass a large cap)
}

// Write is one accumulated ledger mutation: the full desired task state
// merged over the stored document, an optional list of fields to remove,
// or an outright deletion. The store stamps serverUpdatedAt on every
// non-delete write.
type Write struct {
	Task        *model.LedgerTask
	ClearFields []string
	Delete      bool
}

// AuditRecord is a best-effort append-only trail entry for maintenance
// operations (dedupe sweeps). Failures to append are logged, never fatal.
type AuditRecord struct {
	ID        string         `firestore:"-"`
	Kind      string         `firestore:"kind"`
	OwnerID   string         `firestore:"ownerId"`
	Details   map[string]any `firestore:"details,omitempty"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

// Store is the document-store surface the engine consumes.
type Store interface {
	// Tasks fetches an owner's tasks, delta or full per Query.
	Tasks(ctx context.Context, q Query) ([]*model.LedgerTask, error)

	// TaskByID is a point lookup. Returns (nil, nil) when absent.
	TaskByID(ctx context.Context, id string) (*model.LedgerTask, error)

	// TaskByHumanRef covers refs minted after the snapshot was taken.
	// Returns (nil, nil) when absent.
	TaskByHumanRef(ctx context.Context, ownerID, ref string) (*model.LedgerTask, error)

	// TaskByLinkedDevice is the global dedupe pre-check used by the import
	// phase. Returns (nil, nil) when absent.
	TaskByLinkedDevice(ctx context.Context, ownerID, deviceID string) (*model.LedgerTask, error)

	// CreateTask assigns an id, writes the document, and returns the id.
	CreateTask(ctx context.Context, task *model.LedgerTask) (string, error)

	// Apply commits writes in batches of at most BatchLimit. Batches
	// already committed stay committed if a later one fails.
	Apply(ctx context.Context, writes []Write) error

	// DeleteTask removes a document outright (hard dedupe mode, TTL sweep).
	DeleteTask(ctx context.Context, id string) error

	// Stories, Goals and Sprints batch-fetch context documents by id,
	// internally chunked to ContextBatchLimit. Missing ids are simply
	// absent from the result map.
	Stories(ctx context.Context, ids []string) (map[string]*model.Story, error)
	Goals(ctx context.Context, ids []string) (map[string]*model.Goal, error)
	Sprints(ctx context.Context, ids []string) (map[string]*model.Sprint, error)

	// Claim writes an advisory creation claim for a device id and reports
	// whether this pass owns it. Best-effort: a lost race is cleaned up by
	// the deduplicator later.
	Claim(ctx context.Context, ownerID, deviceID string, ttl time.Duration) (bool, error)

	// AppendAudit appends a trail record, best effort.
	AppendAudit(ctx context.Context, rec AuditRecord) error
}
