package streamstats

import "testing"

func TestRecordFrameAccumulates(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordFrame("fast", "desktop", 30, 80, 50)
	m.RecordFrame("fast", "desktop", 28, 75, 60)

	snap, ok := m.Snapshot("fast", "desktop")
	if !ok {
		t.Fatal("Snapshot() not found")
	}
	if snap.FrameCount != 2 {
		t.Errorf("FrameCount = %d, want 2", snap.FrameCount)
	}
	if snap.AverageFPS != 29 {
		t.Errorf("AverageFPS = %v, want 29", snap.AverageFPS)
	}
	wantQuality := (80.0 + 75.0) / 2
	if snap.AverageQuality != wantQuality {
		t.Errorf("AverageQuality = %v, want %v", snap.AverageQuality, wantQuality)
	}
}

func TestSnapshotUnknownClassNotFound(t *testing.T) {
	m := NewManager()
	defer m.Close()

	if _, ok := m.Snapshot("slow", "mobile"); ok {
		t.Error("Snapshot() on never-recorded class = found, want not found")
	}
}

func TestRecordFrameEmptyClassesFallBackToUnknown(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordFrame("", "", 30, 80, 0)
	if _, ok := m.Snapshot("unknown", "unknown"); !ok {
		t.Error("expected empty class names to bucket under \"unknown\"")
	}
}

func TestClassCountTracksDistinctPairs(t *testing.T) {
	m := NewManager()
	defer m.Close()

	m.RecordFrame("fast", "desktop", 30, 80, 0)
	m.RecordFrame("slow", "mobile", 10, 40, 0)
	m.RecordFrame("fast", "desktop", 29, 78, 0)

	if got := m.ClassCount(); got != 2 {
		t.Errorf("ClassCount() = %d, want 2", got)
	}
}
