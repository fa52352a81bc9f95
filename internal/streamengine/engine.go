// Package streamengine implements the per-client frame-producer loop (spec.md
// §4.3): pacing, adaptive quality/fps, keyframe policy, and pause/resume with
// staleness-triggered keyframe resets. Grounded on the ticker-reset-on
// -settings-change producer goroutine in the retrieved window-streaming
// reference (internal-ws-streamer.go's streamFrames/handleControlMessage),
// rebuilt around this repo's browserpool.Pool and codec instead of that
// reference's direct OS-level capture.
package streamengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streambrowse/browserstream-go/internal/browserpool"
	"github.com/streambrowse/browserstream-go/internal/codec"
	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/streamstats"
	"github.com/streambrowse/browserstream-go/internal/types"
)

// State is the producer loop's lifecycle stage.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// staleResumeThreshold: resuming after this long parked forces a keyframe,
// since the client's decoded picture is assumed stale.
const staleResumeThreshold = time.Second

// minFrameInterval is the floor applied to the computed sleep between
// frames, so a slow capture never yields a zero or negative timer.
const minFrameInterval = time.Millisecond

// keyframePresets gives each connection class its default keyframe interval
// (every Nth frame is a full keyframe), per spec.md §4.3.
var keyframePresets = map[string]int{
	"slow":   15,
	"medium": 10,
	"fast":   8,
}

// classPreset is the initial (fps, quality) pair seeded for a
// (connectionClass, deviceClass) pairing absent explicit init overrides.
type classPreset struct {
	FPS     int
	Quality int
}

var presets = map[string]map[string]classPreset{
	"slow": {
		"desktop": {FPS: 15, Quality: 55},
		"tablet":  {FPS: 12, Quality: 50},
		"mobile":  {FPS: 10, Quality: 45},
		"tv":      {FPS: 15, Quality: 55},
	},
	"medium": {
		"desktop": {FPS: 30, Quality: 75},
		"tablet":  {FPS: 25, Quality: 70},
		"mobile":  {FPS: 20, Quality: 65},
		"tv":      {FPS: 25, Quality: 70},
	},
	"fast": {
		"desktop": {FPS: 60, Quality: 85},
		"tablet":  {FPS: 45, Quality: 80},
		"mobile":  {FPS: 30, Quality: 78},
		"tv":      {FPS: 45, Quality: 80},
	},
}

// Settings is the mutable piece of engine state: everything a
// "stream-settings" message, an adaptive-quality pass, or a latency report
// can change.
type Settings struct {
	FPS              int
	Quality          int
	Adaptive         bool
	ConnectionClass  string
	DeviceClass      string
	KeyframeInterval int
}

// Emitter delivers engine output to whatever transport owns the socket.
// EmitFrame is expected to be non-blocking: implementations should drop the
// frame under backpressure rather than block the producer loop.
type Emitter interface {
	EmitFrame(types.FrameMessage)
	EmitSettingsUpdated(types.SettingsValues)
}

// InitParams seeds an Engine's starting settings, normally taken from an
// "init" message and the owning session's classification.
type InitParams struct {
	FPS             int
	Quality         int
	Adaptive        bool
	ConnectionClass string
	DeviceClass     string
}

// Engine drives one client's frame production: capture from the pool,
// encode, pace, and adapt, until Stop is called or the owning browser
// instance disappears from the pool.
type Engine struct {
	cfg       *config.Config
	pool      *browserpool.Pool
	stats     *streamstats.Manager
	emitter   Emitter
	browserID string
	socketID  string

	mu              sync.Mutex
	settings        Settings
	keyframeCounter uint64
	forceKeyframe   bool

	active  atomic.Bool
	state   atomic.Int32
	started atomic.Bool

	frameCount        atomic.Uint64
	bytesSent         atomic.Int64
	lastFrameAtNano   atomic.Int64
	observedLatencyMs atomic.Int64

	resumeCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	startedAt time.Time

	onTerminate func(reason string)
}

// New constructs an Engine for one (socketID, browserID) pair. It does not
// start the producer loop; call Start.
func New(cfg *config.Config, pool *browserpool.Pool, stats *streamstats.Manager, socketID, browserID string, emitter Emitter, init InitParams) *Engine {
	connClass := init.ConnectionClass
	if connClass == "" {
		connClass = "medium"
	}
	deviceClass := init.DeviceClass
	if deviceClass == "" {
		deviceClass = "desktop"
	}

	preset := presetFor(connClass, deviceClass)
	settings := Settings{
		FPS:              clamp(orDefault(init.FPS, preset.FPS), cfg.MinFPS, cfg.MaxFPS),
		Quality:          clamp(orDefault(init.Quality, preset.Quality), cfg.MinQuality, cfg.MaxQuality),
		Adaptive:         init.Adaptive,
		ConnectionClass:  connClass,
		DeviceClass:      deviceClass,
		KeyframeInterval: keyframeIntervalFor(connClass),
	}

	return &Engine{
		cfg:       cfg,
		pool:      pool,
		stats:     stats,
		emitter:   emitter,
		browserID: browserID,
		socketID:  socketID,
		settings:  settings,
		resumeCh:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// OnTerminate registers a callback invoked exactly once, from the producer
// goroutine, when the engine stops itself due to a capture error or the
// owning browser instance vanishing from the pool. It is not called when Stop
// is invoked by the owner.
func (e *Engine) OnTerminate(fn func(reason string)) {
	e.onTerminate = fn
}

func presetFor(connClass, deviceClass string) classPreset {
	byConn, ok := presets[connClass]
	if !ok {
		byConn = presets["medium"]
	}
	p, ok := byConn[deviceClass]
	if !ok {
		p = byConn["desktop"]
	}
	return p
}

func keyframeIntervalFor(connClass string) int {
	if n, ok := keyframePresets[connClass]; ok {
		return n
	}
	return keyframePresets["medium"]
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start begins the producer loop in a background goroutine. Calling Start
// more than once is a no-op.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.startedAt = time.Now()
	e.active.Store(true)
	e.state.Store(int32(StateRunning))

	e.wg.Add(1)
	go e.run(ctx)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	defer e.state.Store(int32(StateTerminated))

	watch, ok := e.pool.Watch(e.browserID)
	if !ok {
		log.Warn().Str("browser_id", e.browserID).Msg("stream engine started against an already-gone browser")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		if !e.active.Load() {
			e.state.Store(int32(StatePaused))
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-watch:
				e.terminate("browser evicted while paused")
				return
			case <-e.resumeCh:
				e.state.Store(int32(StateRunning))
				if e.sinceLastFrame() > staleResumeThreshold {
					e.mu.Lock()
					e.forceKeyframe = true
					e.mu.Unlock()
				}
				timer.Reset(0)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-watch:
			e.terminate("browser evicted")
			return
		case <-timer.C:
			if !e.active.Load() {
				continue
			}
			prevFrameAtNano := e.lastFrameAtNano.Load()
			start := time.Now()
			if err := e.produceAndEmit(ctx); err != nil {
				log.Warn().Err(err).Str("socket_id", e.socketID).Msg("stream engine capture failed, terminating")
				e.terminate("capture error")
				return
			}
			processing := time.Since(start)
			var frameElapsed time.Duration
			if prevFrameAtNano != 0 {
				frameElapsed = start.Sub(time.Unix(0, prevFrameAtNano))
			}
			e.adaptToProcessingTime(frameElapsed)
			timer.Reset(e.nextSleep(processing))
		}
	}
}

func (e *Engine) terminate(reason string) {
	if e.onTerminate != nil {
		e.onTerminate(reason)
	}
}

func (e *Engine) sinceLastFrame() time.Duration {
	last := e.lastFrameAtNano.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

func (e *Engine) nextSleep(processing time.Duration) time.Duration {
	e.mu.Lock()
	fps := e.settings.FPS
	e.mu.Unlock()
	if fps <= 0 {
		fps = e.cfg.DefaultFPS
	}
	target := time.Duration(float64(time.Second) / float64(fps))
	sleep := target - processing
	if sleep < minFrameInterval {
		sleep = minFrameInterval
	}
	return sleep
}

func (e *Engine) produceAndEmit(ctx context.Context) error {
	e.mu.Lock()
	settings := e.settings
	isKeyframe := e.forceKeyframe || settings.KeyframeInterval <= 0 || e.keyframeCounter%uint64(settings.KeyframeInterval) == 0
	e.forceKeyframe = false
	e.keyframeCounter++
	e.mu.Unlock()

	raw, err := e.pool.Snapshot(ctx, e.browserID, browserpool.SnapshotOptions{
		Format:  e.cfg.ScreenshotType,
		Quality: settings.Quality,
	})
	if err != nil {
		return err
	}

	payload, byteLen := codec.Encode(raw)

	e.frameCount.Add(1)
	e.bytesSent.Add(int64(byteLen))
	now := time.Now()
	// The first frame of a run has no predecessor and records the target fps.
	observedFPS := float64(settings.FPS)
	if prev := e.lastFrameAtNano.Load(); prev != 0 {
		if elapsed := now.Sub(time.Unix(0, prev)); elapsed > 0 {
			observedFPS = float64(time.Second) / float64(elapsed)
		}
	}
	e.lastFrameAtNano.Store(now.UnixNano())

	frame := types.FrameMessage{
		Name:       types.MsgFrame,
		Image:      payload,
		IsKeyframe: isKeyframe,
		Quality:    settings.Quality,
		Timestamp:  now.Sub(e.startedAt).Milliseconds(),
	}
	e.emitter.EmitFrame(frame)

	if e.stats != nil {
		e.stats.RecordFrame(settings.ConnectionClass, settings.DeviceClass, observedFPS, settings.Quality, e.observedLatencyMs.Load())
	}
	return nil
}

// adaptToProcessingTime nudges quality based on the achieved frame cadence
// (the elapsed time between successive frames actually emitted, including
// both processing and the paced sleep between them), not the processing time
// alone — processing time is almost always a fraction of the frame budget,
// so using it as a stand-in for fps would read as "ahead of target" on
// nearly every frame and never trigger the quality-down branch.
// frameElapsed is zero for the first frame of a run/resume, in which case
// there is nothing yet to compare against target cadence.
func (e *Engine) adaptToProcessingTime(frameElapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settings.Adaptive || frameElapsed <= 0 || e.settings.FPS <= 0 {
		return
	}

	observedFPS := float64(time.Second) / float64(frameElapsed)
	targetFPS := float64(e.settings.FPS)

	switch {
	case observedFPS < 0.9*targetFPS && e.settings.Quality > e.cfg.MinQuality:
		e.settings.Quality = clamp(e.settings.Quality-5, e.cfg.MinQuality, e.cfg.MaxQuality)
	case observedFPS > 1.1*targetFPS && e.settings.Quality < e.cfg.MaxQuality:
		e.settings.Quality = clamp(e.settings.Quality+2, e.cfg.MinQuality, e.cfg.MaxQuality)
	}
}

// ReportLatency folds a client-measured round-trip latency sample into the
// adaptive quality/fps decision, per spec.md §4.3's latency thresholds.
func (e *Engine) ReportLatency(latencyMs int) {
	e.observedLatencyMs.Store(int64(latencyMs))

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.settings.Adaptive {
		return
	}

	switch {
	case latencyMs > 200:
		e.settings.Quality = clamp(e.settings.Quality-5, e.cfg.MinQuality, e.cfg.MaxQuality)
		e.settings.FPS = clamp(e.settings.FPS-2, e.cfg.MinFPS, e.cfg.MaxFPS)
	case latencyMs > 100:
		e.settings.Quality = clamp(e.settings.Quality-2, e.cfg.MinQuality, e.cfg.MaxQuality)
	default:
		e.settings.Quality = clamp(e.settings.Quality+1, e.cfg.MinQuality, e.cfg.MaxQuality)
		if e.settings.FPS < e.cfg.DefaultFPS {
			e.settings.FPS = clamp(e.settings.FPS+1, e.cfg.MinFPS, e.cfg.MaxFPS)
		}
	}
}

// UpdateSettings applies a partial "stream-settings" payload, clamping every
// field to the configured bounds and resetting the keyframe counter (forcing
// the next frame to be a keyframe) whenever anything actually changed.
func (e *Engine) UpdateSettings(p types.StreamSettingsPayload) types.SettingsValues {
	e.mu.Lock()
	before := e.settings

	if p.FPS != 0 {
		e.settings.FPS = clamp(p.FPS, e.cfg.MinFPS, e.cfg.MaxFPS)
	}
	if p.Quality != 0 {
		e.settings.Quality = clamp(p.Quality, e.cfg.MinQuality, e.cfg.MaxQuality)
	}
	if p.AdaptiveBitrate != nil {
		e.settings.Adaptive = *p.AdaptiveBitrate
	}
	if p.ConnectionQuality != "" {
		e.settings.ConnectionClass = p.ConnectionQuality
		e.settings.KeyframeInterval = keyframeIntervalFor(p.ConnectionQuality)
	}

	changed := before != e.settings
	if changed {
		e.keyframeCounter = 0
		e.forceKeyframe = true
	}
	out := e.settingsValuesLocked()
	e.mu.Unlock()

	if changed {
		log.Info().Str("socket_id", e.socketID).Interface("settings", out).Msg("stream settings updated")
		e.emitter.EmitSettingsUpdated(out)
		e.wakeIfParked()
	}
	return out
}

func (e *Engine) settingsValuesLocked() types.SettingsValues {
	return types.SettingsValues{
		FPS:              e.settings.FPS,
		Quality:          e.settings.Quality,
		Adaptive:         e.settings.Adaptive,
		KeyframeInterval: e.settings.KeyframeInterval,
	}
}

// SettingsValues returns the current settings snapshot, for status acks.
func (e *Engine) SettingsValues() types.SettingsValues {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settingsValuesLocked()
}

// SetStreaming pauses or resumes the producer loop, returning the resulting
// streaming state.
func (e *Engine) SetStreaming(on bool) bool {
	wasActive := e.active.Swap(on)
	if on && !wasActive {
		e.wakeIfParked()
	}
	return on
}

func (e *Engine) wakeIfParked() {
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

// State returns the engine's current lifecycle stage.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Summary builds the "stream" block of a status ack.
func (e *Engine) Summary() types.StreamSummary {
	settings := e.SettingsValues()
	return types.StreamSummary{
		Active:          e.active.Load(),
		TargetFPS:       settings.FPS,
		Quality:         settings.Quality,
		Adaptive:        settings.Adaptive,
		FrameCount:      e.frameCount.Load(),
		BytesSent:       e.bytesSent.Load(),
		ConnectionClass: e.connectionClass(),
		DeviceClass:     e.deviceClass(),
	}
}

func (e *Engine) connectionClass() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.ConnectionClass
}

func (e *Engine) deviceClass() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings.DeviceClass
}

// Stop halts the producer loop and waits for it to exit. Safe to call more
// than once.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
		return
	default:
		close(e.stopCh)
	}
	e.wg.Wait()
}
