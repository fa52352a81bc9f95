// Package streamstats keeps rolling per-class stream-quality analytics,
// adapted from the teacher's stats.DomainStats: the same mutex-guarded
// counters, overflow-safe accumulation and stale-entry reaper, re-keyed from
// request domain to (connectionClass, deviceClass) stream pairs.
package streamstats

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// maxCounterValue mirrors the teacher's overflow guard: reset running sums
// well below int64 overflow rather than risk wraparound on long-lived
// counters.
const maxCounterValue = 1 << 62

// staleAfter is how long a class can go unobserved before its entry is
// evicted by the reaper.
const staleAfter = 30 * time.Minute

const reapInterval = 5 * time.Minute

// classStats accumulates frame-quality observations for one
// (connectionClass, deviceClass) pair.
type classStats struct {
	mu sync.Mutex

	frameCount    int64
	totalFPS      float64
	totalQuality  int64
	totalLatency  int64
	latencySamples int64

	lastObserved time.Time
}

// Snapshot is a point-in-time read of a class's accumulated stats.
type Snapshot struct {
	ConnectionClass string
	DeviceClass     string
	FrameCount      int64
	AverageFPS      float64
	AverageQuality  float64
	AverageLatency  float64
	LastObserved    time.Time
}

func (s *classStats) record(fps float64, quality int, latencyMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frameCount >= maxCounterValue {
		s.frameCount = 0
		s.totalFPS = 0
		s.totalQuality = 0
		s.totalLatency = 0
		s.latencySamples = 0
	}

	s.frameCount++
	s.totalFPS += fps
	s.totalQuality += int64(quality)
	if latencyMs > 0 {
		s.totalLatency += latencyMs
		s.latencySamples++
	}
	s.lastObserved = time.Now()
}

func (s *classStats) snapshot(connClass, deviceClass string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		ConnectionClass: connClass,
		DeviceClass:     deviceClass,
		FrameCount:      s.frameCount,
		LastObserved:    s.lastObserved,
	}
	if s.frameCount > 0 {
		out.AverageFPS = s.totalFPS / float64(s.frameCount)
		out.AverageQuality = float64(s.totalQuality) / float64(s.frameCount)
	}
	if s.latencySamples > 0 {
		out.AverageLatency = float64(s.totalLatency) / float64(s.latencySamples)
	}
	return out
}

func (s *classStats) staleSince(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastObserved.IsZero() && time.Since(s.lastObserved) > maxAge
}

func key(connClass, deviceClass string) string {
	return fmt.Sprintf("%s|%s", connClass, deviceClass)
}

// Manager aggregates classStats across every observed (connectionClass,
// deviceClass) pair, with a background reaper for classes that have gone
// quiet.
type Manager struct {
	mu      sync.RWMutex
	classes map[string]*classStats
	names   map[string][2]string // key -> (connClass, deviceClass)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager and starts its stale-entry reaper.
func NewManager() *Manager {
	m := &Manager{
		classes: make(map[string]*classStats),
		names:   make(map[string][2]string),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

func (m *Manager) getOrCreate(connClass, deviceClass string) *classStats {
	k := key(connClass, deviceClass)

	m.mu.RLock()
	s, ok := m.classes[k]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.classes[k]; ok {
		return s
	}
	s = &classStats{}
	m.classes[k] = s
	m.names[k] = [2]string{connClass, deviceClass}
	return s
}

// RecordFrame folds one produced frame's observed fps, encode quality and
// (if known) round-trip latency into the (connClass, deviceClass) bucket.
func (m *Manager) RecordFrame(connClass, deviceClass string, observedFPS float64, quality int, latencyMs int64) {
	if connClass == "" {
		connClass = "unknown"
	}
	if deviceClass == "" {
		deviceClass = "unknown"
	}
	m.getOrCreate(connClass, deviceClass).record(observedFPS, quality, latencyMs)
}

// Snapshot returns the current stats for one class pair, or false if nothing
// has ever been recorded for it.
func (m *Manager) Snapshot(connClass, deviceClass string) (Snapshot, bool) {
	k := key(connClass, deviceClass)
	m.mu.RLock()
	s, ok := m.classes[k]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(connClass, deviceClass), true
}

// All returns a snapshot of every class pair observed so far.
func (m *Manager) All() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.classes))
	for k, s := range m.classes {
		names := m.names[k]
		out = append(out, s.snapshot(names[0], names[1]))
	}
	return out
}

// ClassCount returns the number of distinct class pairs being tracked.
func (m *Manager) ClassCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.classes)
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapStale()
		}
	}
}

func (m *Manager) reapStale() {
	m.mu.Lock()
	var staleKeys []string
	for k, s := range m.classes {
		if s.staleSince(staleAfter) {
			staleKeys = append(staleKeys, k)
		}
	}
	for _, k := range staleKeys {
		delete(m.classes, k)
		delete(m.names, k)
	}
	m.mu.Unlock()

	if len(staleKeys) > 0 {
		log.Debug().Int("count", len(staleKeys)).Msg("streamstats reaped stale class entries")
	}
}

// Close stops the background reaper.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}
