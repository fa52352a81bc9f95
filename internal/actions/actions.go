// Package actions implements the closed action-verb set the Browser Pool's
// execute() dispatches to (spec.md §4.2), driving input through the
// teacher's humanize package so replayed client input looks like a real
// user rather than a scripted automation client.
package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/streambrowse/browserstream-go/internal/humanize"
	"github.com/streambrowse/browserstream-go/internal/types"
)

// Closed verb set (spec.md §4.2).
const (
	Click        = "click"
	DoubleClick  = "doubleClick"
	MouseDown    = "mouseDown"
	MouseUp      = "mouseUp"
	MouseMove    = "mouseMove"
	Type         = "type"
	Key          = "key"
	KeyDown      = "keyDown"
	KeyUp        = "keyUp"
	Scroll       = "scroll"
	ScrollBy     = "scrollBy"
	Hover        = "hover"
	Reload       = "reload"
	GoBack       = "goBack"
	GoForward    = "goForward"
)

// Result is the outcome of a successful action, carrying an optional
// resulting URL (populated for navigation verbs) per the "action" ack shape
// {success, url?} in spec.md §4.5.
type Result struct {
	URL string
}

var buttons = map[string]proto.InputMouseButton{
	"left":   proto.InputMouseButtonLeft,
	"right":  proto.InputMouseButtonRight,
	"middle": proto.InputMouseButtonMiddle,
}

// Execute dispatches action against page with params, rejecting any verb
// outside the closed set explicitly. Viewport is the instance's tracked
// size; once it is set, scrollBy scales its client-canvas-pixel deltas into
// device pixels by the page's devicePixelRatio. scroll's absolute positions
// are passed through unscaled.
func Execute(ctx context.Context, page *rod.Page, action string, params map[string]interface{}, viewportW, viewportH int) (Result, error) {
	switch action {
	case Click:
		return Result{}, click(ctx, page, params, false)
	case DoubleClick:
		return Result{}, click(ctx, page, params, true)
	case MouseDown:
		return Result{}, mouseButton(ctx, page, params, true)
	case MouseUp:
		return Result{}, mouseButton(ctx, page, params, false)
	case MouseMove:
		return Result{}, mouseMove(ctx, page, params)
	case Type:
		return Result{}, typeText(ctx, page, params)
	case Key:
		return Result{}, pressKey(page, params)
	case KeyDown:
		return Result{}, keyToggle(page, params, true)
	case KeyUp:
		return Result{}, keyToggle(page, params, false)
	case Scroll:
		return Result{}, scrollAbsolute(ctx, page, params)
	case ScrollBy:
		return Result{}, scrollBy(ctx, page, params, viewportW, viewportH)
	case Hover:
		return Result{}, hover(ctx, page, params)
	case Reload:
		return Result{}, reload(page)
	case GoBack:
		return navHistory(page, true)
	case GoForward:
		return navHistory(page, false)
	default:
		return Result{}, types.NewUnknownActionError(action)
	}
}

func floatParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func click(ctx context.Context, page *rod.Page, params map[string]interface{}, double bool) error {
	x, okX := floatParam(params, "x")
	y, okY := floatParam(params, "y")
	if !okX || !okY {
		return types.NewValidationError("click", "x and y are required")
	}

	m := humanize.NewMouse(page)
	if err := m.Click(ctx, x, y); err != nil {
		return types.NewCaptureError("click", err)
	}
	if double {
		if err := m.Click(ctx, x, y); err != nil {
			return types.NewCaptureError("click", err)
		}
	}
	return nil
}

func mouseButton(ctx context.Context, page *rod.Page, params map[string]interface{}, down bool) error {
	btnName, _ := stringParam(params, "button")
	if btnName == "" {
		btnName = "left"
	}
	btn, ok := buttons[btnName]
	if !ok {
		return types.NewValidationError("mouseDown/mouseUp", "unknown button: "+btnName)
	}

	if x, okX := floatParam(params, "x"); okX {
		if y, okY := floatParam(params, "y"); okY {
			if err := page.Context(ctx).Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
				return types.NewCaptureError("mouse-move", err)
			}
		}
	}

	var err error
	if down {
		err = page.Context(ctx).Mouse.Down(btn, 1)
	} else {
		err = page.Context(ctx).Mouse.Up(btn, 1)
	}
	if err != nil {
		return types.NewCaptureError("mouse-button", err)
	}
	return nil
}

func mouseMove(ctx context.Context, page *rod.Page, params map[string]interface{}) error {
	x, okX := floatParam(params, "x")
	y, okY := floatParam(params, "y")
	if !okX || !okY {
		return types.NewValidationError("mouseMove", "x and y are required")
	}

	m := humanize.NewMouse(page)
	if err := m.MoveTo(ctx, x, y); err != nil {
		return types.NewCaptureError("mouseMove", err)
	}
	return nil
}

// typeText replays text one rune at a time with a randomized inter-keystroke
// delay, rather than inserting the whole string in a single CDP call, so the
// stream shows natural typing cadence instead of text appearing instantly.
func typeText(ctx context.Context, page *rod.Page, params map[string]interface{}) error {
	text, ok := stringParam(params, "text")
	if !ok {
		return types.NewValidationError("type", "text is required")
	}

	timing := humanize.NewTiming()
	keyboard := page.Context(ctx).Keyboard
	for _, r := range text {
		if err := keyboard.InsertText(string(r)); err != nil {
			return types.NewCaptureError("type", err)
		}
		if !humanize.SleepWithContext(ctx, timing.TypingDelay()) {
			return ctx.Err()
		}
	}
	return nil
}

func pressKey(page *rod.Page, params map[string]interface{}) error {
	key, ok := stringParam(params, "key")
	if !ok {
		return types.NewValidationError("key", "key is required")
	}
	k, err := parseKey(key)
	if err != nil {
		return types.NewValidationError("key", err.Error())
	}
	if err := page.Keyboard.Type(k); err != nil {
		return types.NewCaptureError("key", err)
	}
	return nil
}

func keyToggle(page *rod.Page, params map[string]interface{}, down bool) error {
	key, ok := stringParam(params, "key")
	if !ok {
		return types.NewValidationError("keyDown/keyUp", "key is required")
	}
	k, err := parseKey(key)
	if err != nil {
		return types.NewValidationError("keyDown/keyUp", err.Error())
	}

	if down {
		err = page.Keyboard.Press(k)
	} else {
		err = page.Keyboard.Release(k)
	}
	if err != nil {
		return types.NewCaptureError("key-toggle", err)
	}
	return nil
}

// parseKey resolves a key name (single key or "Mod1+Mod2+K" combo) to a
// rod input.Key. Only the final key of a combo is pressed as a distinct
// key event; modifiers are expected to already be held via keyDown.
func parseKey(name string) (input.Key, error) {
	if i := strings.LastIndex(name, "+"); i >= 0 && i < len(name)-1 {
		name = name[i+1:]
	}
	if k, ok := namedKeys[name]; ok {
		return k, nil
	}
	if len(name) == 1 {
		r := rune(name[0])
		if k, ok := input.Keys[r]; ok {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unrecognized key: %q", name)
}

var namedKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
	"Shift":      input.ShiftLeft,
	"Control":    input.ControlLeft,
	"Alt":        input.AltLeft,
	"Meta":       input.MetaLeft,
	"Space":      input.Space,
}

// scrollAbsolute scrolls the document to an absolute (x, y) position, via the
// same smooth-scroll animation used for scrollBy so the stream shows natural
// motion rather than an instant jump.
func scrollAbsolute(ctx context.Context, page *rod.Page, params map[string]interface{}) error {
	x, _ := floatParam(params, "x")
	y, okY := floatParam(params, "y")
	if !okY {
		return types.NewValidationError("scroll", "y is required")
	}

	if err := humanize.NewScroller(page).ScrollToPosition(ctx, x, y); err != nil {
		return types.NewCaptureError("scroll", err)
	}
	return nil
}

// scrollBy applies a relative scroll delta given in client canvas pixels,
// converting to device pixels via the instance's current devicePixelRatio
// before replaying it (Decision Log resolution of the scroll/scrollBy Open
// Question). The viewport dimensions only gate whether a viewport has been
// established yet; the actual scale factor is read live from the page
// because devicePixelRatio can change independently of the tracked
// width/height (e.g. a client-side zoom). The converted delta is replayed
// through the same smooth-scroll animation as the absolute scroll verb.
func scrollBy(ctx context.Context, page *rod.Page, params map[string]interface{}, viewportW, viewportH int) error {
	dx, _ := floatParam(params, "x")
	dy, okY := floatParam(params, "y")
	if !okY {
		return types.NewValidationError("scrollBy", "y is required")
	}

	if viewportW > 0 && viewportH > 0 {
		if ratio, err := devicePixelRatio(ctx, page); err == nil && ratio > 0 {
			dx *= ratio
			dy *= ratio
		}
	}

	if dx != 0 {
		if _, err := page.Context(ctx).Eval(`(x) => window.scrollBy({left: x, behavior: 'instant'})`, dx); err != nil {
			return types.NewCaptureError("scrollBy", err)
		}
	}

	if err := humanize.NewScroller(page).ScrollBy(ctx, dy); err != nil {
		return types.NewCaptureError("scrollBy", err)
	}
	return nil
}

func devicePixelRatio(ctx context.Context, page *rod.Page) (float64, error) {
	res, err := page.Context(ctx).Eval(`() => window.devicePixelRatio || 1`)
	if err != nil {
		return 1, err
	}
	return res.Value.Num(), nil
}

func hover(ctx context.Context, page *rod.Page, params map[string]interface{}) error {
	text, ok := stringParam(params, "text")
	if !ok {
		return types.NewValidationError("hover", "text is required")
	}

	el, err := page.Context(ctx).ElementR("*", text)
	if err != nil {
		return types.NewCaptureError("hover", err)
	}

	shape, err := el.Shape()
	if err != nil || len(shape.Quads) == 0 {
		return types.NewCaptureError("hover", fmt.Errorf("element %q has no visible bounds", text))
	}
	box := shape.Box()
	centerX := box.X + box.Width/2
	centerY := box.Y + box.Height/2

	m := humanize.NewMouse(page)
	if err := m.MoveTo(ctx, centerX, centerY); err != nil {
		return types.NewCaptureError("hover", err)
	}
	return nil
}

func reload(page *rod.Page) error {
	if err := page.Reload(); err != nil {
		return types.NewCaptureError("reload", err)
	}
	return nil
}

func navHistory(page *rod.Page, back bool) (Result, error) {
	var err error
	if back {
		err = page.NavigateBack()
	} else {
		err = page.NavigateForward()
	}
	if err != nil {
		return Result{}, types.NewCaptureError("navHistory", err)
	}

	url := page.MustInfo().URL
	return Result{URL: url}, nil
}
