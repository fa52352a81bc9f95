package streamengine

import (
	"testing"
	"time"

	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/types"
)

type recordingEmitter struct {
	frames          []types.FrameMessage
	settingsUpdates []types.SettingsValues
}

func (r *recordingEmitter) EmitFrame(f types.FrameMessage)              { r.frames = append(r.frames, f) }
func (r *recordingEmitter) EmitSettingsUpdated(s types.SettingsValues) { r.settingsUpdates = append(r.settingsUpdates, s) }

func newTestEngine(t *testing.T, init InitParams) (*Engine, *recordingEmitter) {
	t.Helper()
	cfg := config.Load()
	emitter := &recordingEmitter{}
	eng := New(cfg, nil, nil, "socket-1", "browser-1", emitter, init)
	return eng, emitter
}

func TestNewSeedsPresetSettingsWithinBounds(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "slow", DeviceClass: "mobile"})
	settings := eng.SettingsValues()

	if settings.FPS < 5 || settings.FPS > 60 {
		t.Errorf("FPS = %d, out of configured bounds", settings.FPS)
	}
	if settings.KeyframeInterval != 15 {
		t.Errorf("KeyframeInterval = %d, want 15 for slow connection class", settings.KeyframeInterval)
	}
}

func TestKeyframeIntervalDefaultsByConnectionClass(t *testing.T) {
	cases := map[string]int{"slow": 15, "medium": 10, "fast": 8, "unrecognized": 10}
	for class, want := range cases {
		if got := keyframeIntervalFor(class); got != want {
			t.Errorf("keyframeIntervalFor(%q) = %d, want %d", class, got, want)
		}
	}
}

func TestUpdateSettingsClampsAndForcesKeyframeReset(t *testing.T) {
	eng, emitter := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop"})

	// Advance keyframeCounter by hand, to prove UpdateSettings resets it.
	eng.mu.Lock()
	eng.keyframeCounter = 7
	eng.mu.Unlock()

	out := eng.UpdateSettings(types.StreamSettingsPayload{FPS: 1000, Quality: -5})

	if out.FPS != eng.cfg.MaxFPS {
		t.Errorf("FPS = %d, want clamped to MaxFPS %d", out.FPS, eng.cfg.MaxFPS)
	}
	if out.Quality != eng.cfg.MinQuality {
		t.Errorf("Quality = %d, want clamped to MinQuality %d", out.Quality, eng.cfg.MinQuality)
	}

	eng.mu.Lock()
	counter := eng.keyframeCounter
	force := eng.forceKeyframe
	eng.mu.Unlock()
	if counter != 0 || !force {
		t.Errorf("keyframeCounter=%d forceKeyframe=%v, want 0/true after a settings change", counter, force)
	}
	if len(emitter.settingsUpdates) != 1 {
		t.Errorf("settingsUpdates = %d, want 1", len(emitter.settingsUpdates))
	}
}

func TestUpdateSettingsNoopWhenUnchanged(t *testing.T) {
	eng, emitter := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop"})
	current := eng.SettingsValues()

	eng.UpdateSettings(types.StreamSettingsPayload{FPS: current.FPS, Quality: current.Quality})

	if len(emitter.settingsUpdates) != 0 {
		t.Errorf("settingsUpdates = %d, want 0 for a no-op update", len(emitter.settingsUpdates))
	}
}

func TestReportLatencyAdaptiveThresholds(t *testing.T) {
	adaptive := true
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop", Adaptive: adaptive})

	before := eng.SettingsValues()
	for i := 0; i < 3; i++ {
		eng.ReportLatency(250)
	}
	after := eng.SettingsValues()

	if after.Quality >= before.Quality {
		t.Errorf("Quality = %d, want decreased from %d after high-latency reports", after.Quality, before.Quality)
	}
	if after.FPS >= before.FPS {
		t.Errorf("FPS = %d, want decreased from %d after high-latency reports", after.FPS, before.FPS)
	}
	if after.FPS < eng.cfg.MinFPS || after.Quality < eng.cfg.MinQuality {
		t.Errorf("settings fell below configured floor: %+v", after)
	}
}

func TestReportLatencyIgnoredWhenNotAdaptive(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop", Adaptive: false})
	before := eng.SettingsValues()
	eng.ReportLatency(500)
	after := eng.SettingsValues()
	if before != after {
		t.Errorf("settings changed despite Adaptive=false: before=%+v after=%+v", before, after)
	}
}

func TestAdaptToProcessingTimeUsesFrameCadenceNotProcessingTime(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop", Adaptive: true})
	eng.mu.Lock()
	eng.settings.FPS = 30
	eng.mu.Unlock()

	// Processing itself is fast (a few ms), but frames are actually arriving
	// at half the target rate (60ms apart instead of ~33ms for 30fps). A
	// processing-time-only estimate would read this as "ahead of target"
	// and raise quality; the frame-cadence estimate must instead see it as
	// behind target and lower quality.
	before := eng.SettingsValues()
	eng.adaptToProcessingTime(60 * time.Millisecond)
	after := eng.SettingsValues()

	if after.Quality >= before.Quality {
		t.Errorf("Quality = %d, want decreased from %d when frame cadence trails target fps", after.Quality, before.Quality)
	}
}

func TestAdaptToProcessingTimeRaisesQualityWhenAheadOfTarget(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop", Adaptive: true})
	eng.mu.Lock()
	eng.settings.FPS = 30
	eng.settings.Quality = eng.cfg.MaxQuality - 10
	eng.mu.Unlock()

	before := eng.SettingsValues()
	eng.adaptToProcessingTime(10 * time.Millisecond)
	after := eng.SettingsValues()

	if after.Quality <= before.Quality {
		t.Errorf("Quality = %d, want increased from %d when frame cadence beats target fps", after.Quality, before.Quality)
	}
}

func TestAdaptToProcessingTimeIgnoresZeroElapsedAndNonAdaptive(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{ConnectionClass: "medium", DeviceClass: "desktop", Adaptive: false})
	before := eng.SettingsValues()
	eng.adaptToProcessingTime(60 * time.Millisecond)
	if got := eng.SettingsValues(); got != before {
		t.Errorf("settings changed despite Adaptive=false: before=%+v after=%+v", before, got)
	}

	eng.mu.Lock()
	eng.settings.Adaptive = true
	eng.mu.Unlock()
	before = eng.SettingsValues()
	eng.adaptToProcessingTime(0)
	if got := eng.SettingsValues(); got != before {
		t.Errorf("settings changed for zero frameElapsed: before=%+v after=%+v", before, got)
	}
}

func TestSetStreamingTogglesActiveState(t *testing.T) {
	eng, _ := newTestEngine(t, InitParams{})
	if got := eng.SetStreaming(false); got {
		t.Error("SetStreaming(false) = true, want false")
	}
	if got := eng.SetStreaming(true); !got {
		t.Error("SetStreaming(true) = false, want true")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateRunning:    "running",
		StatePaused:     "paused",
		StateTerminated: "terminated",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
