// Package device abstracts the local task list. The engine reads the whole
// store as a snapshot and applies mutations immediately and individually;
// the store has no batch or transaction concept at this boundary.
package device

import (
	"context"

	"github.com/harrisonrobin/bobsync/pkg/model"
)

// Store is the device-store surface the engine consumes.
type Store interface {
	// Items enumerates every item across all lists.
	Items(ctx context.Context) ([]*model.DeviceItem, error)

	// Create adds an item and returns its store-assigned id.
	Create(ctx context.Context, item *model.DeviceItem) (string, error)

	// Update writes back the fields the engine owns: title, notes, due
	// date, completion, priority, recurrence and list membership.
	Update(ctx context.Context, item *model.DeviceItem) error

	// Delete removes an item permanently. Only the TTL sweep calls this.
	Delete(ctx context.Context, id string) error

	// Move reassigns an item's list membership.
	Move(ctx context.Context, id, list string) error

	// Lists returns the available grouping names.
	Lists(ctx context.Context) ([]string, error)

	// EnsureList creates a grouping if it does not exist.
	EnsureList(ctx context.Context, name string) error
}
