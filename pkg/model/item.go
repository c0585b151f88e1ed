package model

import "time"

// DeviceItem is the local-store record. The device store owns it; the
// engine only touches the fields listed here.
type DeviceItem struct {
	ID           string
	Title        string
	Notes        string
	Completed    bool
	Due          time.Time // zero when no due date
	Recurrence   string    // opaque recurrence rule, passed through
	List         string    // grouping / list membership
	Priority     int       // device ordinal: 1 high .. 9 low, 0 none
	LastModified time.Time
}

// Clone returns a shallow copy. Engine phases mutate copies so an aborted
// pass never leaves a half-written snapshot item behind.
func (i *DeviceItem) Clone() *DeviceItem {
	clone := *i
	return &clone
}
