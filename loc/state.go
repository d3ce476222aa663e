package loc

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultTrailLength is how many past positions the tracker keeps for
// rendering
const DefaultTrailLength = 200

// TrailPoint is one published position
type TrailPoint struct {
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// StateTracker holds the latest published snapshot for HTTP, websocket and
// render consumers, plus a bounded trail of recent positions.
type StateTracker struct {
	mu          sync.RWMutex
	snapshot    *Snapshot
	trail       []TrailPoint
	trailLength int
	subscribers map[chan Snapshot]struct{}
	cachePath   string // last pose cache; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		trailLength: DefaultTrailLength,
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists the last
// published pose to cachePath on every update.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	return st
}

// Update records a new snapshot, extends the trail and fans the snapshot
// out to subscribers. Slow subscribers miss updates rather than block.
func (st *StateTracker) Update(snap Snapshot) {
	st.mu.Lock()
	copied := copySnapshot(snap)
	st.snapshot = &copied
	st.trail = append(st.trail, TrailPoint{
		X:          snap.Estimate.Position.X,
		Y:          snap.Estimate.Position.Y,
		Confidence: snap.Estimate.Confidence,
		Timestamp:  snap.Timestamp,
	})
	if len(st.trail) > st.trailLength {
		st.trail = st.trail[len(st.trail)-st.trailLength:]
	}
	for ch := range st.subscribers {
		select {
		case ch <- copySnapshot(snap):
		default:
		}
	}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveLastPose(snap.Estimate, cachePath); err != nil {
			log.Printf("Warning: failed to save pose cache: %v", err)
		}
	}
}

// Latest returns the latest snapshot
func (st *StateTracker) Latest() (Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.snapshot == nil {
		return Snapshot{}, false
	}
	return copySnapshot(*st.snapshot), true
}

// HasSnapshot returns true once at least one cycle was published
func (st *StateTracker) HasSnapshot() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshot != nil
}

// Trail returns a copy of the recent positions, oldest first
func (st *StateTracker) Trail() []TrailPoint {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]TrailPoint, len(st.trail))
	copy(out, st.trail)
	return out
}

// ClearTrail drops the position history, e.g. after a position reset
func (st *StateTracker) ClearTrail() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trail = st.trail[:0]
}

// Subscribe returns a channel receiving every future snapshot and a cancel
// function that must be called to release it.
func (st *StateTracker) Subscribe(buffer int) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, buffer)
	st.mu.Lock()
	st.subscribers[ch] = struct{}{}
	st.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subscribers, ch)
			st.mu.Unlock()
			close(ch)
		})
	}
}

func copySnapshot(s Snapshot) Snapshot {
	out := s
	out.Sensors = make([]SensorStatus, len(s.Sensors))
	copy(out.Sensors, s.Sensors)
	return out
}

// SaveLastPose writes an estimate to disk as JSON.
func SaveLastPose(est Estimate, path string) error {
	data, err := json.MarshalIndent(est, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pose: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pose cache: %w", err)
	}
	return nil
}

// LoadLastPose reads an estimate written by SaveLastPose.
func LoadLastPose(path string) (*Estimate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pose cache: %w", err)
	}
	var est Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		return nil, fmt.Errorf("unmarshal pose cache: %w", err)
	}
	return &est, nil
}
