package wsrouter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streambrowse/browserstream-go/internal/browserpool"
	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/session"
	"github.com/streambrowse/browserstream-go/internal/streamstats"
	"github.com/streambrowse/browserstream-go/internal/types"
)

func newTestRouter(t *testing.T) (*Router, func()) {
	t.Helper()
	cfg := config.Load()
	cfg.MaxBrowsers = 1

	pool := browserpool.New(cfg)
	sessions := session.NewManager(cfg)
	stats := streamstats.NewManager()

	rt := New(cfg, pool, sessions, stats)
	cleanup := func() {
		rt.Shutdown()
		sessions.Close()
		stats.Close()
		pool.Shutdown(nil)
	}
	return rt, cleanup
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestPingPong(t *testing.T) {
	rt, cleanup := newTestRouter(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	req, _ := json.Marshal(types.Envelope{Name: types.MsgPing, Payload: json.RawMessage(`{"t0":123}`)})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var pong types.PongMessage
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if pong.Name != types.MsgPong {
		t.Errorf("Name = %q, want %q", pong.Name, types.MsgPong)
	}
}

func TestNavigateWithoutInitReturnsError(t *testing.T) {
	rt, cleanup := newTestRouter(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	req, _ := json.Marshal(types.Envelope{
		Name:    types.MsgNavigate,
		Payload: json.RawMessage(`{"url":"https://example.com"}`),
		Ack:     "ack-1",
	})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var ackEnv types.AckEnvelope
	if err := json.Unmarshal(data, &ackEnv); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackEnv.Ack != "ack-1" {
		t.Errorf("Ack = %q, want ack-1", ackEnv.Ack)
	}
	ack, _ := ackEnv.Data.(map[string]interface{})
	if ack["success"] != false || ack["error"] == nil {
		t.Errorf("Data = %v, want success=false with an error", ackEnv.Data)
	}
}

func TestUnknownMessageNameReturnsError(t *testing.T) {
	rt, cleanup := newTestRouter(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	req, _ := json.Marshal(types.Envelope{Name: "not-a-real-message", Ack: "ack-2"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ackEnv types.AckEnvelope
	if err := json.Unmarshal(data, &ackEnv); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackEnv.Ack != "ack-2" {
		t.Errorf("Ack = %q, want ack-2", ackEnv.Ack)
	}
	ack, _ := ackEnv.Data.(map[string]interface{})
	if ack["success"] != false || ack["error"] == nil {
		t.Errorf("Data = %v, want success=false with an error", ackEnv.Data)
	}
}

func TestStatusWithoutBrowserReportsDisconnectedBrowser(t *testing.T) {
	rt, cleanup := newTestRouter(t)
	defer cleanup()

	srv := httptest.NewServer(http.HandlerFunc(rt.HandleWebSocket))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	req, _ := json.Marshal(types.Envelope{Name: types.MsgStatus, Ack: "ack-3"})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ackEnv types.AckEnvelope
	if err := json.Unmarshal(data, &ackEnv); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ackEnv.Ack != "ack-3" {
		t.Errorf("Ack = %q, want ack-3", ackEnv.Ack)
	}
	ack, _ := ackEnv.Data.(map[string]interface{})
	if _, ok := ack["browserId"]; ok {
		t.Errorf("Data = %v, want no browserId", ackEnv.Data)
	}
}

func TestHandleHealthReportsJSON(t *testing.T) {
	rt, cleanup := newTestRouter(t)
	defer cleanup()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	rt.HandleHealth(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}
