// Package browserpool manages the per-client dedicated browser instances
// that back every streamed session (spec.md §4.2). Unlike a traditional
// fixed-size worker pool that hands the same browser back and forth between
// unrelated callers, this pool keys one *rod.Browser per logical client: it
// admits up to MaxBrowsers instances, evicts the least-recently-active one
// on overflow, and reclaims instances that go idle past BrowserIdleTimeout.
package browserpool

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/streambrowse/browserstream-go/internal/actions"
	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/security"
	"github.com/streambrowse/browserstream-go/internal/types"
)

// reaperInterval is how often the idle reaper sweeps the pool for instances
// past BrowserIdleTimeout.
const reaperInterval = 5 * time.Minute

// SnapshotOptions controls a single screenshot capture.
type SnapshotOptions struct {
	Format   string // "jpeg" or "png"
	Quality  int    // 1-100, ignored for png
	FullPage bool
}

// instance is one per-client browser, holding its dedicated rod.Browser/Page
// plus the bookkeeping the pool needs for LRU eviction and idle reclaim.
//
// Lock ordering: Pool.mu must be acquired before any instance.mu — never
// hold Pool.mu while performing slow I/O (navigation, screenshot capture).
type instance struct {
	id      string
	browser *rod.Browser
	page    *rod.Page

	createdAt time.Time
	useCount  atomic.Int64

	mu             sync.Mutex
	lastActivityAt time.Time
	width, height  int
	currentURL     string

	closeOnce sync.Once
	closeCh   chan struct{}
}

// evicted closes closeCh exactly once, signalling any watcher (the stream
// engine owning this instance) that it has been removed from the pool.
func (in *instance) evicted() {
	in.closeOnce.Do(func() { close(in.closeCh) })
}

func (in *instance) touch() {
	in.mu.Lock()
	in.lastActivityAt = time.Now()
	in.mu.Unlock()
	in.useCount.Add(1)
}

func (in *instance) idleFor() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	return time.Since(in.lastActivityAt)
}

// Pool owns the map of live per-client browser instances. All map mutation
// (admission, eviction, removal) is serialised by mu; per-instance state
// mutates under the instance's own mutex.
type Pool struct {
	cfg *config.Config

	mu        sync.Mutex
	instances map[string]*instance

	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool and starts its background idle reaper. The pool
// starts empty; instances are created lazily by Create.
func New(cfg *config.Config) *Pool {
	p := &Pool{
		cfg:       cfg,
		instances: make(map[string]*instance),
		stopCh:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.reapLoop()

	return p
}

// Create launches a dedicated stealth-patched browser for one client,
// evicting the least-recently-active instance if the pool is already at
// MaxBrowsers, and returns its id.
func (p *Pool) Create(ctx context.Context, url string, width, height int) (string, error) {
	if p.closed.Load() {
		return "", types.NewCapacityError("create")
	}

	if err := p.admit(); err != nil {
		return "", err
	}

	in, err := p.spawn(ctx, url, width, height)
	if err != nil {
		return "", types.NewCaptureError("create", err)
	}

	p.mu.Lock()
	p.instances[in.id] = in
	p.mu.Unlock()

	log.Info().Str("browser_id", in.id).Str("url", url).Msg("browser instance created")
	return in.id, nil
}

// admit reserves a slot for a new instance, evicting the least-recently
// active one if the pool is at capacity. Returns a Capacity-kind error only
// if the pool is at capacity with no instance to evict (MaxBrowsers <= 0).
func (p *Pool) admit() error {
	p.mu.Lock()
	if len(p.instances) < p.cfg.MaxBrowsers {
		p.mu.Unlock()
		return nil
	}

	var oldestID string
	var oldestAt time.Time
	for id, in := range p.instances {
		in.mu.Lock()
		last := in.lastActivityAt
		in.mu.Unlock()
		if oldestID == "" || last.Before(oldestAt) {
			oldestID, oldestAt = id, last
		}
	}
	victim, ok := p.instances[oldestID]
	if ok {
		delete(p.instances, oldestID)
	}
	p.mu.Unlock()

	if !ok {
		return types.NewCapacityError("create")
	}

	log.Info().Str("browser_id", oldestID).Msg("evicting least-recently-active browser for new admission")
	p.closeInstance(victim)
	return nil
}

// spawn launches a fresh browser process + stealth page for one client.
func (p *Pool) spawn(ctx context.Context, url string, width, height int) (*instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := p.createLauncher()
	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create stealth page: %w", err)
	}

	if width <= 0 {
		width = 1920
	}
	if height <= 0 {
		height = 1080
	}
	if err := setViewport(page, width, height); err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	if url == "" {
		url = p.cfg.DefaultURL
	}
	resolved, _, err := security.ValidateAndResolveURLWithContext(ctx, withScheme(url))
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to validate initial url: %w", err)
	}
	if err := page.Context(ctx).Navigate(resolved); err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	id, err := security.GenerateSessionID()
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to generate browser id: %w", err)
	}

	now := time.Now()
	in := &instance{
		id:             id,
		browser:        browser,
		page:           page,
		createdAt:      now,
		lastActivityAt: now,
		width:          width,
		height:         height,
		currentURL:     resolved,
		closeCh:        make(chan struct{}),
	}
	return in, nil
}

// createLauncher assembles the anti-detection Chrome flag set, adapted from
// the teacher's pool.go createLauncher — repurposed here from defeating
// Cloudflare's bot checks to producing a browser that renders like a real
// desktop session for screen capture.
func (p *Pool) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if p.cfg.BrowserPath != "" {
		l = l.Bin(p.cfg.BrowserPath)
	}

	if p.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled").
		Delete("enable-automation").
		Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2").
		Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

func setViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

// withScheme prepends https:// when rawURL has no scheme.
func withScheme(rawURL string) string {
	for i := 0; i < len(rawURL); i++ {
		switch rawURL[i] {
		case ':':
			return rawURL
		case '/', ' ':
			i = len(rawURL)
		}
	}
	return "https://" + rawURL
}

// get returns the instance for id without touching its activity clock;
// callers touch it themselves. Returns a NotFound-kind error if the id is
// unknown or the pool is closed.
func (p *Pool) get(id string) (*instance, error) {
	if p.closed.Load() {
		return nil, types.NewNotFoundError("get", id)
	}
	p.mu.Lock()
	in, ok := p.instances[id]
	p.mu.Unlock()
	if !ok {
		return nil, types.NewNotFoundError("get", id)
	}
	return in, nil
}

// Close closes and removes a single instance.
func (p *Pool) Close(id string) bool {
	p.mu.Lock()
	in, ok := p.instances[id]
	if ok {
		delete(p.instances, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.closeInstance(in)
	return true
}

func (p *Pool) closeInstance(in *instance) {
	in.evicted()

	done := make(chan struct{})
	go func() {
		defer close(done)
		in.browser.Close()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Str("browser_id", in.id).Msg("browser close timed out, abandoning")
	}
}

// Snapshot captures a screenshot of the instance's current page.
func (p *Pool) Snapshot(ctx context.Context, id string, opts SnapshotOptions) ([]byte, error) {
	in, err := p.get(id)
	if err != nil {
		return nil, err
	}

	format := proto.PageCaptureScreenshotFormatJpeg
	if opts.Format == "png" {
		format = proto.PageCaptureScreenshotFormatPng
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if format == proto.PageCaptureScreenshotFormatJpeg {
		q := opts.Quality
		if q <= 0 || q > 100 {
			q = p.cfg.ScreenshotQuality
		}
		req.Quality = &q
	}

	data, err := in.page.Context(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, types.NewCaptureError("snapshot", err)
	}

	in.touch()
	return data, nil
}

// Navigate sends the instance's page to rawURL, validating it against the
// SSRF/DNS-rebinding guard first. A missing scheme is prepended as https://
// before validation. Returns once the new document fires DOMContentLoaded.
func (p *Pool) Navigate(ctx context.Context, id, rawURL string) (string, error) {
	in, err := p.get(id)
	if err != nil {
		return "", err
	}

	resolved, _, err := security.ValidateAndResolveURLWithContext(ctx, withScheme(rawURL))
	if err != nil {
		return "", types.NewValidationError("navigate", err.Error())
	}

	page := in.page.Context(ctx)
	waitDOMReady := page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	if err := page.Navigate(resolved); err != nil {
		return "", types.NewNavigationError("navigate", resolved, err)
	}
	waitDOMReady()

	in.mu.Lock()
	in.currentURL = resolved
	in.mu.Unlock()
	in.touch()

	return resolved, nil
}

// Resize updates the instance's viewport.
func (p *Pool) Resize(id string, width, height int) error {
	in, err := p.get(id)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return types.NewValidationError("resize", "width and height must be positive")
	}

	if err := setViewport(in.page, width, height); err != nil {
		return types.NewCaptureError("resize", err)
	}

	in.mu.Lock()
	in.width, in.height = width, height
	in.mu.Unlock()
	in.touch()
	return nil
}

// CurrentURL returns the instance's last known URL without touching the
// browser, used by the router's getCurrentUrl fast path (spec.md §4.5).
func (p *Pool) CurrentURL(id string) (string, error) {
	in, err := p.get(id)
	if err != nil {
		return "", err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.currentURL, nil
}

// Page returns the instance's underlying rod.Page for the actions package
// to drive input on. Touches the activity clock.
func (p *Pool) Page(id string) (*rod.Page, error) {
	in, err := p.get(id)
	if err != nil {
		return nil, err
	}
	in.touch()
	return in.page, nil
}

// Viewport returns the instance's tracked viewport size.
func (p *Pool) Viewport(id string) (width, height int, err error) {
	in, getErr := p.get(id)
	if getErr != nil {
		return 0, 0, getErr
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.width, in.height, nil
}

// Execute drives one input action against the instance's page, passing the
// instance's tracked viewport size, which scrollBy checks before scaling its
// deltas. Touches the activity clock on success.
func (p *Pool) Execute(ctx context.Context, id, action string, params map[string]interface{}) (actions.Result, error) {
	in, err := p.get(id)
	if err != nil {
		return actions.Result{}, err
	}

	in.mu.Lock()
	w, h := in.width, in.height
	in.mu.Unlock()

	res, err := actions.Execute(ctx, in.page, action, params, w, h)
	if err != nil {
		return actions.Result{}, err
	}
	in.touch()
	return res, nil
}

// Watch returns a channel that closes when id is removed from the pool
// (explicit Close, LRU eviction, idle reap, or Shutdown), and false if id is
// already unknown. The stream engine owning id selects on this channel to
// terminate itself promptly when its browser disappears out from under it.
func (p *Pool) Watch(id string) (<-chan struct{}, bool) {
	in, err := p.get(id)
	if err != nil {
		return nil, false
	}
	return in.closeCh, true
}

// List returns all live browser ids.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live instances.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// reapLoop periodically closes instances idle past BrowserIdleTimeout.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var victims []*instance
	for id, in := range p.instances {
		if in.idleFor() > p.cfg.BrowserTimeout {
			victims = append(victims, in)
			delete(p.instances, id)
		}
	}
	p.mu.Unlock()

	for _, in := range victims {
		log.Info().Str("browser_id", in.id).Dur("idle_for", in.idleFor()).Msg("reaping idle browser instance")
		p.closeInstance(in)
	}
}

// Shutdown stops the reaper and closes every remaining instance in
// parallel, bounded to 4 concurrent closes at a time. A nil ctx is treated
// as context.Background().
func (p *Pool) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	victims := make([]*instance, 0, len(p.instances))
	for id, in := range p.instances {
		victims = append(victims, in)
		delete(p.instances, id)
	}
	p.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, in := range victims {
		in := in
		g.Go(func() error {
			p.closeInstance(in)
			return nil
		})
	}
	return g.Wait()
}
