package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harrisonrobin/bobsync/pkg/model"
)

const (
	colTasks   = "tasks"
	colStories = "stories"
	colGoals   = "goals"
	colSprints = "sprints"
	colAudit   = "audit"
	colClaims  = "claims"

	// fullPageSize caps one page of an exhaustive sweep.
	fullPageSize = 1000

	// prefetchConcurrency bounds concurrent context chunk queries.
	prefetchConcurrency = 4
)

// Firestore backs the Store interface with a Firestore database.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

var _ Store = (*Firestore)(nil)

func NewFirestore(client *firestore.Client, logger *slog.Logger) *Firestore {
	return &Firestore{client: client, logger: logger}
}

func (s *Firestore) Tasks(ctx context.Context, q Query) ([]*model.LedgerTask, error) {
	if q.Since.IsZero() {
		return s.fullTasks(ctx, q)
	}

	tasks, err := s.runTaskQuery(ctx, s.deltaQuery(q, "serverUpdatedAt"))
	if err == nil {
		return tasks, nil
	}
	if !IsMissingIndex(err) {
		return nil, fmt.Errorf("ledger: delta query: %w", err)
	}
	// Compound index on (ownerId, serverUpdatedAt) is missing in this
	// database. updatedAt is client-clock ordered, so the delta can miss
	// records written by skewed clocks; the periodic full resync covers
	// that gap.
	s.logger.Warn("delta index unavailable, falling back to updatedAt ordering", "owner", q.OwnerID)
	tasks, err = s.runTaskQuery(ctx, s.deltaQuery(q, "updatedAt"))
	if err != nil {
		return nil, fmt.Errorf("ledger: delta fallback query: %w", err)
	}
	return tasks, nil
}

func (s *Firestore) deltaQuery(q Query, orderField string) firestore.Query {
	fq := s.client.Collection(colTasks).
		Where("ownerId", "==", q.OwnerID).
		Where(orderField, ">", q.Since).
		OrderBy(orderField, firestore.Asc)
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

// fullTasks pages through every task for the owner, cursor-style, so an
// exhaustive sweep never materializes an unbounded result in one response.
func (s *Firestore) fullTasks(ctx context.Context, q Query) ([]*model.LedgerTask, error) {
	pageSize := fullPageSize
	if q.Limit > 0 && q.Limit < pageSize {
		pageSize = q.Limit
	}

	var all []*model.LedgerTask
	base := s.client.Collection(colTasks).
		Where("ownerId", "==", q.OwnerID).
		OrderBy(firestore.DocumentID, firestore.Asc)

	var cursor *firestore.DocumentSnapshot
	for {
		fq := base.Limit(pageSize)
		if cursor != nil {
			fq = fq.StartAfter(cursor)
		}

		iter := fq.Documents(ctx)
		count := 0
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fmt.Errorf("ledger: full query page: %w", err)
			}
			all = append(all, taskFromDoc(doc))
			cursor = doc
			count++
		}
		iter.Stop()

		if count < pageSize {
			return all, nil
		}
		if q.Limit > 0 && len(all) >= q.Limit {
			return all[:q.Limit], nil
		}
	}
}

func (s *Firestore) runTaskQuery(ctx context.Context, fq firestore.Query) ([]*model.LedgerTask, error) {
	iter := fq.Documents(ctx)
	defer iter.Stop()

	var tasks []*model.LedgerTask
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return tasks, nil
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, taskFromDoc(doc))
	}
}

func (s *Firestore) TaskByID(ctx context.Context, id string) (*model.LedgerTask, error) {
	doc, err := s.client.Collection(colTasks).Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get task %s: %w", id, err)
	}
	return taskFromDoc(doc), nil
}

// TaskByHumanRef expects ref in canonical (upper-case) form.
func (s *Firestore) TaskByHumanRef(ctx context.Context, ownerID, ref string) (*model.LedgerTask, error) {
	return s.firstTask(ctx, s.client.Collection(colTasks).
		Where("ownerId", "==", ownerID).
		Where("humanRef", "==", ref).
		Limit(1))
}

func (s *Firestore) TaskByLinkedDevice(ctx context.Context, ownerID, deviceID string) (*model.LedgerTask, error) {
	return s.firstTask(ctx, s.client.Collection(colTasks).
		Where("ownerId", "==", ownerID).
		Where("linkedDeviceId", "==", deviceID).
		Limit(1))
}

func (s *Firestore) firstTask(ctx context.Context, fq firestore.Query) (*model.LedgerTask, error) {
	tasks, err := s.runTaskQuery(ctx, fq)
	if err != nil {
		return nil, fmt.Errorf("ledger: point query: %w", err)
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (s *Firestore) CreateTask(ctx context.Context, task *model.LedgerTask) (string, error) {
	ref := s.client.Collection(colTasks).NewDoc()
	task.ID = ref.ID
	if _, err := ref.Set(ctx, taskData(task, nil)); err != nil {
		return "", fmt.Errorf("ledger: create task: %w", err)
	}
	return ref.ID, nil
}

func (s *Firestore) Apply(ctx context.Context, writes []Write) error {
	for start := 0; start < len(writes); start += BatchLimit {
		end := min(start+BatchLimit, len(writes))

		batch := s.client.Batch()
		for _, w := range writes[start:end] {
			ref := s.client.Collection(colTasks).Doc(w.Task.ID)
			if w.Delete {
				batch.Delete(ref)
				continue
			}
			batch.Set(ref, taskData(w.Task, w.ClearFields), firestore.MergeAll)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return fmt.Errorf("ledger: committing batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func (s *Firestore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.client.Collection(colTasks).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("ledger: delete task %s: %w", id, err)
	}
	return nil
}

func (s *Firestore) Stories(ctx context.Context, ids []string) (map[string]*model.Story, error) {
	out := make(map[string]*model.Story, len(ids))
	err := s.fetchByIDs(ctx, colStories, ids, func(doc *firestore.DocumentSnapshot) error {
		var story model.Story
		if err := doc.DataTo(&story); err != nil {
			return err
		}
		story.ID = doc.Ref.ID
		out[story.ID] = &story
		return nil
	})
	return out, err
}

func (s *Firestore) Goals(ctx context.Context, ids []string) (map[string]*model.Goal, error) {
	out := make(map[string]*model.Goal, len(ids))
	err := s.fetchByIDs(ctx, colGoals, ids, func(doc *firestore.DocumentSnapshot) error {
		var goal model.Goal
		if err := doc.DataTo(&goal); err != nil {
			return err
		}
		goal.ID = doc.Ref.ID
		out[goal.ID] = &goal
		return nil
	})
	return out, err
}

func (s *Firestore) Sprints(ctx context.Context, ids []string) (map[string]*model.Sprint, error) {
	out := make(map[string]*model.Sprint, len(ids))
	err := s.fetchByIDs(ctx, colSprints, ids, func(doc *firestore.DocumentSnapshot) error {
		var sprint model.Sprint
		if err := doc.DataTo(&sprint); err != nil {
			return err
		}
		sprint.ID = doc.Ref.ID
		out[sprint.ID] = &sprint
		return nil
	})
	return out, err
}

// fetchByIDs runs documentID "in" queries in chunks of ContextBatchLimit,
// fanning the chunks out concurrently. Decode callbacks are serialized
// under a mutex so they can write to a shared map.
func (s *Firestore) fetchByIDs(ctx context.Context, collection string, ids []string, decode func(*firestore.DocumentSnapshot) error) error {
	if len(ids) == 0 {
		return nil
	}
	coll := s.client.Collection(collection)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(prefetchConcurrency)

	var mu sync.Mutex
	for start := 0; start < len(ids); start += ContextBatchLimit {
		chunk := ids[start:min(start+ContextBatchLimit, len(ids))]
		refs := make([]*firestore.DocumentRef, len(chunk))
		for i, id := range chunk {
			refs[i] = coll.Doc(id)
		}
		group.Go(func() error {
			iter := coll.Query.Where(firestore.DocumentID, "in", refs).Documents(gctx)
			defer iter.Stop()
			for {
				doc, err := iter.Next()
				if err == iterator.Done {
					return nil
				}
				if err != nil {
					return fmt.Errorf("ledger: %s batch lookup: %w", collection, err)
				}
				mu.Lock()
				err = decode(doc)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("ledger: decoding %s %s: %w", collection, doc.Ref.ID, err)
				}
			}
		})
	}
	return group.Wait()
}

func (s *Firestore) Claim(ctx context.Context, ownerID, deviceID string, ttl time.Duration) (bool, error) {
	ref := s.client.Collection(colClaims).Doc(ownerID + ":" + deviceID)
	data := map[string]any{
		"ownerId":   ownerID,
		"deviceId":  deviceID,
		"createdAt": firestore.ServerTimestamp,
	}

	_, err := ref.Create(ctx, data)
	if err == nil {
		return true, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return false, fmt.Errorf("ledger: writing creation claim: %w", err)
	}

	// Someone holds the claim. Take it over only if it has gone stale.
	doc, err := ref.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("ledger: reading creation claim: %w", err)
	}
	if created, ok := doc.Data()["createdAt"].(time.Time); ok && time.Since(created) < ttl {
		return false, nil
	}
	if _, err := ref.Set(ctx, data); err != nil {
		return false, fmt.Errorf("ledger: refreshing stale claim: %w", err)
	}
	return true, nil
}

func (s *Firestore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	ref := s.client.Collection(colAudit).NewDoc()
	rec.ID = ref.ID
	data := map[string]any{
		"kind":      rec.Kind,
		"ownerId":   rec.OwnerID,
		"createdAt": firestore.ServerTimestamp,
	}
	if len(rec.Details) > 0 {
		data["details"] = rec.Details
	}
	if _, err := ref.Set(ctx, data); err != nil {
		return fmt.Errorf("ledger: appending audit record: %w", err)
	}
	return nil
}

func taskFromDoc(doc *firestore.DocumentSnapshot) *model.LedgerTask {
	var task model.LedgerTask
	if err := doc.DataTo(&task); err != nil {
		// A document too mangled to decode still participates in sync by
		// id so the pass can count and skip it.
		task = model.LedgerTask{Title: fmt.Sprintf("(undecodable %s)", doc.Ref.ID)}
	}
	task.ID = doc.Ref.ID
	task.NormalizeDecoded()
	return &task
}

// taskData renders the document fields for a merge write. serverUpdatedAt
// is always a server-clock transform; client clocks are untrusted for
// delta correctness.
func taskData(t *model.LedgerTask, clear []string) map[string]any {
	data := map[string]any{
		"ownerId":         t.OwnerID,
		"title":           t.Title,
		"status":          t.Status.String(),
		"createdAt":       t.CreatedAt,
		"updatedAt":       t.UpdatedAt,
		"serverUpdatedAt": firestore.ServerTimestamp,
	}
	if t.DueAt != nil {
		data["dueAt"] = t.DueAt.UnixMilli()
	}
	if t.CompletedAt != nil {
		data["completedAt"] = *t.CompletedAt
	}
	if t.DeleteAfter != nil {
		data["deleteAfter"] = *t.DeleteAfter
	}
	if t.DeviceMissingAt != nil {
		data["deviceMissingAt"] = *t.DeviceMissingAt
	}
	setIfNonEmpty(data, "linkedDeviceId", t.LinkedDeviceID)
	setIfNonEmpty(data, "humanRef", t.HumanRef)
	setIfNonEmpty(data, "parentId", t.StoryID)
	setIfNonEmpty(data, "groupId", t.GoalID)
	setIfNonEmpty(data, "sprintId", t.SprintID)
	setIfNonEmpty(data, "duplicateOf", t.DuplicateOf)
	setIfNonEmpty(data, "duplicateKey", t.DuplicateKey)
	setIfNonEmpty(data, "sourceRef", t.SourceRef)
	setIfNonEmpty(data, "externalId", t.ExternalID)
	setIfNonEmpty(data, "deviceAltId", t.DeviceAltID)
	setIfNonEmpty(data, "syncDirective", string(t.Directive))
	if t.Priority > 0 {
		data["priority"] = t.Priority
	}
	if len(t.Tags) > 0 {
		data["tags"] = t.Tags
	}
	for _, field := range clear {
		data[field] = firestore.Delete
	}
	return data
}

func setIfNonEmpty(data map[string]any, key, value string) {
	if value != "" {
		data[key] = value
	}
}
