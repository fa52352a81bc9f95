package session

import (
	"testing"
	"time"

	"github.com/streambrowse/browserstream-go/internal/config"
)

func newTestManager(timeout time.Duration) *Manager {
	cfg := config.Load()
	cfg.SessionTimeout = timeout
	return NewManager(cfg)
}

func TestGetOrCreateMintsFreshSession(t *testing.T) {
	m := newTestManager(time.Hour)
	defer m.Close()

	sess, err := m.GetOrCreate("", "1.2.3.4", "test-agent")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.ID == "" || sess.Token == "" {
		t.Fatal("expected non-empty ID and Token")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestGetOrCreateReusesKnownToken(t *testing.T) {
	m := newTestManager(time.Hour)
	defer m.Close()

	first, err := m.GetOrCreate("", "1.2.3.4", "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	second, err := m.GetOrCreate(first.Token, "5.6.7.8", "b")
	if err != nil {
		t.Fatalf("GetOrCreate reuse: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("ID = %q, want reused %q", second.ID, first.ID)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (no duplicate session)", m.Count())
	}
}

func TestGetOrCreateExpiredTokenMintsNew(t *testing.T) {
	m := newTestManager(time.Millisecond)
	defer m.Close()

	first, err := m.GetOrCreate("", "1.2.3.4", "a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	second, err := m.GetOrCreate(first.Token, "1.2.3.4", "a")
	if err != nil {
		t.Fatalf("GetOrCreate after expiry: %v", err)
	}
	if second.ID == first.ID {
		t.Error("expected a fresh session after expiry, got the same ID")
	}
}

func TestValidateUnknownTokenFails(t *testing.T) {
	m := newTestManager(time.Hour)
	defer m.Close()

	if _, ok := m.Validate("does-not-exist"); ok {
		t.Error("Validate() on unknown token = true, want false")
	}
}

func TestUpdateAndSetBrowserID(t *testing.T) {
	m := newTestManager(time.Hour)
	defer m.Close()

	sess, _ := m.GetOrCreate("", "1.2.3.4", "a")

	adaptive := true
	if err := m.Update(sess.ID, UpdateFields{
		ConnectionClass: "fast",
		DeviceClass:     "desktop",
		FPS:             24,
		Adaptive:        &adaptive,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.SetBrowserID(sess.ID, "browser-123"); err != nil {
		t.Fatalf("SetBrowserID: %v", err)
	}

	got, ok := m.Get(sess.ID)
	if !ok {
		t.Fatal("Get after update: not found")
	}
	if got.ConnectionClass != "fast" || got.DeviceClass != "desktop" {
		t.Errorf("classes = %q/%q, want fast/desktop", got.ConnectionClass, got.DeviceClass)
	}
	if got.Settings.FPS != 24 || !got.Settings.Adaptive {
		t.Errorf("settings = %+v, want FPS=24 Adaptive=true", got.Settings)
	}
	if got.BrowserID != "browser-123" {
		t.Errorf("BrowserID = %q, want browser-123", got.BrowserID)
	}
}

func TestDeleteRemovesTokenIndex(t *testing.T) {
	m := newTestManager(time.Hour)
	defer m.Close()

	sess, _ := m.GetOrCreate("", "1.2.3.4", "a")
	if !m.Delete(sess.ID) {
		t.Fatal("Delete() = false, want true")
	}
	if _, ok := m.Get(sess.Token); ok {
		t.Error("Get(token) after Delete = found, want not found")
	}
	if m.Delete(sess.ID) {
		t.Error("second Delete() = true, want false")
	}
}
