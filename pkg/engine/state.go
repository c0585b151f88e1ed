package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SyncState is the small JSON file that survives between passes: the delta
// watermark and the time of the last full resync. Losing it is harmless,
// the next pass simply runs full.
type SyncState struct {
	path  string
	mu    sync.RWMutex
	dirty bool
	data  stateData
}

type stateData struct {
	Watermark    time.Time `json:"watermark"`
	LastFullSync time.Time `json:"lastFullSync"`
}

// OpenState loads the state file, or starts empty when it does not exist.
func OpenState(path string) (*SyncState, error) {
	s := &SyncState{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&s.data); err != nil {
		// A corrupt state file degrades to a full resync, not a failure.
		s.data = stateData{}
	}
	return s, nil
}

func (s *SyncState) Watermark() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Watermark
}

func (s *SyncState) SetWatermark(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.Equal(s.data.Watermark) {
		s.data.Watermark = t
		s.dirty = true
	}
}

func (s *SyncState) LastFullSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.LastFullSync
}

func (s *SyncState) SetLastFullSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.Equal(s.data.LastFullSync) {
		s.data.LastFullSync = t
		s.dirty = true
	}
}

// Save writes the state file if anything changed since the last save.
func (s *SyncState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&s.data); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
