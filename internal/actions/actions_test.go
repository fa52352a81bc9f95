package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/streambrowse/browserstream-go/internal/types"
)

// skipCI skips tests that require launching a real browser in short mode.
func skipCI(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping browser test in short mode")
	}
}

// setupTestPage launches a headless browser and returns a blank page scrolled
// into a tall synthetic document, for exercising the scroll verbs against
// real CDP evaluation rather than a nil page.
func setupTestPage(t *testing.T) *rod.Page {
	t.Helper()

	l := launcher.New().
		Headless(true).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	url, err := l.Launch()
	if err != nil {
		t.Fatalf("failed to launch browser: %v", err)
	}
	t.Cleanup(l.Cleanup)

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		t.Fatalf("failed to connect to browser: %v", err)
	}
	t.Cleanup(func() { browser.Close() })

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	if _, err := page.Eval(`() => {
		document.body.style.height = '10000px';
		document.body.style.width = '10000px';
	}`); err != nil {
		t.Fatalf("failed to build tall document: %v", err)
	}
	return page
}

func scrollPosition(t *testing.T, page *rod.Page) (x, y float64) {
	t.Helper()
	res, err := page.Eval(`() => ({x: window.scrollX, y: window.scrollY})`)
	if err != nil {
		t.Fatalf("failed to read scroll position: %v", err)
	}
	m := res.Value.Map()
	return m["x"].Num(), m["y"].Num()
}

func TestScrollByConvertsClientPixelsToDevicePixels(t *testing.T) {
	skipCI(t)

	page := setupTestPage(t)
	ctx := context.Background()

	if _, err := page.Context(ctx).Eval(`() => Object.defineProperty(window, 'devicePixelRatio', {get: () => 2})`); err != nil {
		t.Fatalf("failed to stub devicePixelRatio: %v", err)
	}

	_, err := Execute(ctx, page, ScrollBy, map[string]interface{}{"x": 0.0, "y": 50.0}, 1920, 1080)
	if err != nil {
		t.Fatalf("Execute(scrollBy): %v", err)
	}

	// The smooth-scroll animation settles asynchronously; poll briefly for
	// the final position rather than racing it.
	var gotY float64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, gotY = scrollPosition(t, page)
		if gotY >= 99 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A 50 client-pixel delta at devicePixelRatio=2 must land near 100
	// device pixels, not 50 — this is the conversion the no-op bug skipped.
	if gotY < 90 || gotY > 110 {
		t.Errorf("scrollY = %v, want ~100 (50 client px * devicePixelRatio 2)", gotY)
	}
}

func TestScrollByNoConversionAtUnitRatio(t *testing.T) {
	skipCI(t)

	page := setupTestPage(t)
	ctx := context.Background()

	_, err := Execute(ctx, page, ScrollBy, map[string]interface{}{"x": 0.0, "y": 40.0}, 1920, 1080)
	if err != nil {
		t.Fatalf("Execute(scrollBy): %v", err)
	}

	var gotY float64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, gotY = scrollPosition(t, page)
		if gotY >= 39 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if gotY < 30 || gotY > 50 {
		t.Errorf("scrollY = %v, want ~40 at devicePixelRatio 1", gotY)
	}
}

func TestScrollAbsoluteMovesToPosition(t *testing.T) {
	skipCI(t)

	page := setupTestPage(t)
	ctx := context.Background()

	_, err := Execute(ctx, page, Scroll, map[string]interface{}{"x": 0.0, "y": 500.0}, 0, 0)
	if err != nil {
		t.Fatalf("Execute(scroll): %v", err)
	}

	var gotY float64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, gotY = scrollPosition(t, page)
		if gotY >= 490 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if gotY < 480 || gotY > 520 {
		t.Errorf("scrollY = %v, want ~500", gotY)
	}
}

func TestTypeTextInsertsEachCharacter(t *testing.T) {
	skipCI(t)

	page := setupTestPage(t)
	ctx := context.Background()

	if _, err := page.Eval(`() => {
		const input = document.createElement('input');
		input.id = 'target';
		document.body.appendChild(input);
		input.focus();
	}`); err != nil {
		t.Fatalf("failed to create input: %v", err)
	}

	if _, err := Execute(ctx, page, Type, map[string]interface{}{"text": "hi"}, 0, 0); err != nil {
		t.Fatalf("Execute(type): %v", err)
	}

	res, err := page.Eval(`() => document.getElementById('target').value`)
	if err != nil {
		t.Fatalf("failed to read input value: %v", err)
	}
	if got := res.Value.Str(); got != "hi" {
		t.Errorf("input value = %q, want %q", got, "hi")
	}
}

func TestExecuteUnknownActionRejected(t *testing.T) {
	_, err := Execute(context.Background(), nil, "teleport", nil, 0, 0)
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
	var opErr *types.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *types.OpError, got %T", err)
	}
	if opErr.Kind != types.KindValidation {
		t.Errorf("Kind = %v, want %v", opErr.Kind, types.KindValidation)
	}
	if !errors.Is(err, types.ErrUnknownAction) {
		t.Error("expected errors.Is(err, types.ErrUnknownAction)")
	}
}

func TestExecuteMissingParamsRejected(t *testing.T) {
	cases := []struct {
		action string
		params map[string]interface{}
	}{
		{Click, nil},
		{Click, map[string]interface{}{"x": 1.0}},
		{MouseMove, map[string]interface{}{"y": 1.0}},
		{Type, nil},
		{Key, nil},
		{Scroll, nil},
		{ScrollBy, nil},
		{Hover, nil},
	}

	for _, c := range cases {
		t.Run(c.action, func(t *testing.T) {
			_, err := Execute(context.Background(), nil, c.action, c.params, 0, 0)
			if err == nil {
				t.Fatalf("expected validation error for %s with params %v", c.action, c.params)
			}
			var opErr *types.OpError
			if !errors.As(err, &opErr) {
				t.Fatalf("expected *types.OpError, got %T", err)
			}
			if opErr.Kind != types.KindValidation {
				t.Errorf("Kind = %v, want %v", opErr.Kind, types.KindValidation)
			}
		})
	}
}

func TestMouseButtonRejectsUnknownButton(t *testing.T) {
	_, err := Execute(context.Background(), nil, MouseDown, map[string]interface{}{"button": "fourth"}, 0, 0)
	if err == nil {
		t.Fatal("expected error for unknown button")
	}
}

func TestParseKeyNamed(t *testing.T) {
	if _, err := parseKey("Enter"); err != nil {
		t.Fatalf("parseKey(Enter): %v", err)
	}
	if _, err := parseKey("ArrowDown"); err != nil {
		t.Fatalf("parseKey(ArrowDown): %v", err)
	}
}

func TestParseKeySingleChar(t *testing.T) {
	if _, err := parseKey("a"); err != nil {
		t.Fatalf("parseKey(a): %v", err)
	}
}

func TestParseKeyUnrecognized(t *testing.T) {
	if _, err := parseKey("NotARealKey"); err == nil {
		t.Fatal("expected error for unrecognized key")
	}
}

func TestFloatAndStringParamHelpers(t *testing.T) {
	params := map[string]interface{}{"x": 1.5, "text": "hello"}

	if v, ok := floatParam(params, "x"); !ok || v != 1.5 {
		t.Errorf("floatParam(x) = %v,%v want 1.5,true", v, ok)
	}
	if _, ok := floatParam(params, "missing"); ok {
		t.Error("floatParam(missing) ok = true, want false")
	}
	if v, ok := stringParam(params, "text"); !ok || v != "hello" {
		t.Errorf("stringParam(text) = %v,%v want hello,true", v, ok)
	}
	if _, ok := stringParam(params, "x"); ok {
		t.Error("stringParam(x) on a float value should fail the type assertion")
	}
}
