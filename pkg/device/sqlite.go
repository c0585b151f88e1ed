package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrisonrobin/bobsync/pkg/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS lists (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS items (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	notes         TEXT NOT NULL DEFAULT '',
	completed     INTEGER NOT NULL DEFAULT 0,
	due_at        INTEGER,
	recurrence    TEXT NOT NULL DEFAULT '',
	list          TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 0,
	last_modified INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_list ON items(list);
`

// SQLite is the portable device store. The original platform reminders
// store hides behind the same interface; this one keeps the engine and its
// tests runnable anywhere.
type SQLite struct {
	db *sql.DB

	// now supplies last_modified stamps; tests pin it.
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the device database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("device: opening store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("device: initializing schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Items(ctx context.Context) ([]*model.DeviceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, notes, completed, due_at, recurrence, list, priority, last_modified FROM items`)
	if err != nil {
		return nil, fmt.Errorf("device: listing items: %w", err)
	}
	defer rows.Close()

	var items []*model.DeviceItem
	for rows.Next() {
		var (
			item      model.DeviceItem
			completed int
			due       sql.NullInt64
			modified  int64
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.Notes, &completed, &due,
			&item.Recurrence, &item.List, &item.Priority, &modified); err != nil {
			return nil, fmt.Errorf("device: scanning item: %w", err)
		}
		item.Completed = completed != 0
		if due.Valid && due.Int64 > 0 {
			item.Due = time.UnixMilli(due.Int64).UTC()
		}
		item.LastModified = time.UnixMilli(modified).UTC()
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (s *SQLite) Create(ctx context.Context, item *model.DeviceItem) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.LastModified.IsZero() {
		item.LastModified = s.now()
	}
	if item.List != "" {
		if err := s.EnsureList(ctx, item.List); err != nil {
			return "", err
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (id, title, notes, completed, due_at, recurrence, list, priority, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Title, item.Notes, boolToInt(item.Completed), dueMillis(item.Due),
		item.Recurrence, item.List, item.Priority, item.LastModified.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("device: creating item: %w", err)
	}
	return item.ID, nil
}

func (s *SQLite) Update(ctx context.Context, item *model.DeviceItem) error {
	item.LastModified = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET title = ?, notes = ?, completed = ?, due_at = ?, recurrence = ?,
		 list = ?, priority = ?, last_modified = ? WHERE id = ?`,
		item.Title, item.Notes, boolToInt(item.Completed), dueMillis(item.Due),
		item.Recurrence, item.List, item.Priority, item.LastModified.UnixMilli(), item.ID)
	if err != nil {
		return fmt.Errorf("device: updating item %s: %w", item.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device: item %s not found", item.ID)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("device: deleting item %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Move(ctx context.Context, id, list string) error {
	if err := s.EnsureList(ctx, list); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET list = ?, last_modified = ? WHERE id = ?`,
		list, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("device: moving item %s to %q: %w", id, list, err)
	}
	return nil
}

func (s *SQLite) Lists(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM lists ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("device: listing groupings: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLite) EnsureList(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO lists (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("device: ensuring list %q: %w", name, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dueMillis(due time.Time) any {
	if due.IsZero() {
		return nil
	}
	return due.UnixMilli()
}
