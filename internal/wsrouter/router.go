// Package wsrouter is the Socket Router (spec.md §4.5): it upgrades the
// control connection, binds it to a Session Binder session, owns exactly one
// browser instance per socket, and dispatches each {name, payload, ack?}
// envelope to the operation it names. Grounded on the retrieved
// window-streaming reference's StreamManager/HandleWebSocket/
// handleClientMessages/handleControlMessage shape (ReadJSON dispatch loop,
// command switch, status/stop handling), rebuilt against this repo's wire
// protocol, browser pool, session binder and stream engine.
package wsrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/streambrowse/browserstream-go/internal/browserpool"
	"github.com/streambrowse/browserstream-go/internal/config"
	"github.com/streambrowse/browserstream-go/internal/metrics"
	"github.com/streambrowse/browserstream-go/internal/security"
	"github.com/streambrowse/browserstream-go/internal/session"
	"github.com/streambrowse/browserstream-go/internal/streamengine"
	"github.com/streambrowse/browserstream-go/internal/streamstats"
	"github.com/streambrowse/browserstream-go/internal/types"
	"github.com/streambrowse/browserstream-go/pkg/version"
)

// outboundFrameBuffer is how many pending frames a connection's writer
// goroutine will queue before new frames are dropped under backpressure.
const outboundFrameBuffer = 2

// Router upgrades HTTP requests to the control socket and dispatches every
// inbound envelope, per spec.md §4.5.
type Router struct {
	cfg      *config.Config
	pool     *browserpool.Pool
	sessions *session.Manager
	stats    *streamstats.Manager

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*connection
}

// New constructs a Router bound to the given pool, session binder and stats
// collector.
func New(cfg *config.Config, pool *browserpool.Pool, sessions *session.Manager, stats *streamstats.Manager) *Router {
	rt := &Router{
		cfg:      cfg,
		pool:     pool,
		sessions: sessions,
		stats:    stats,
		conns:    make(map[string]*connection),
	}
	rt.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1 << 20,
		CheckOrigin:     rt.checkOrigin,
	}
	return rt
}

func (rt *Router) checkOrigin(r *http.Request) bool {
	if rt.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == rt.cfg.CORSOrigin
}

// connection is one upgraded socket's state: its owned browser (if any), its
// stream engine (if initialised), and the outbound writer goroutine that
// serialises every write to the underlying *websocket.Conn.
type connection struct {
	id   string
	conn *websocket.Conn
	sess session.Session

	writeMu sync.Mutex

	mu        sync.Mutex
	browserID string
	engine    *streamengine.Engine

	frameCh  chan []byte
	doneOnce sync.Once
	done     chan struct{}
}

func newConnection(id string, conn *websocket.Conn, sess session.Session) *connection {
	return &connection{
		id:      id,
		conn:    conn,
		sess:    sess,
		frameCh: make(chan []byte, outboundFrameBuffer),
		done:    make(chan struct{}),
	}
}

// EmitFrame implements streamengine.Emitter: it is non-blocking and drops the
// frame if the outbound buffer is saturated.
func (c *connection) EmitFrame(f types.FrameMessage) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.frameCh <- data:
		metrics.RecordFrame(f.IsKeyframe, len(f.Image))
	default:
		metrics.RecordFrameDropped()
	}
}

// EmitSettingsUpdated implements streamengine.Emitter.
func (c *connection) EmitSettingsUpdated(s types.SettingsValues) {
	_ = c.writeJSON(types.StreamSettingsUpdatedMessage{Name: types.MsgStreamSettingsUpdated, Settings: &s})
}

func (c *connection) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *connection) writeAck(ack string, data interface{}) error {
	if ack == "" {
		return nil
	}
	return c.writeJSON(types.AckEnvelope{Ack: ack, Data: data})
}

func (c *connection) frameWriterLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.frameCh:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := c.conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *connection) getBrowserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.browserID
}

func (c *connection) setOwnership(browserID string, eng *streamengine.Engine) {
	c.mu.Lock()
	c.browserID = browserID
	c.engine = eng
	c.mu.Unlock()
}

func (c *connection) getEngine() *streamengine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// HandleWebSocket upgrades the request and serves the control protocol for
// its lifetime. Intended to be wired into an HTTP mux behind the server's
// middleware chain.
func (rt *Router) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	socketID, err := security.GenerateSessionID()
	if err != nil {
		conn.Close()
		return
	}

	token := r.URL.Query().Get("token")
	sess, err := rt.sessions.GetOrCreate(token, clientIP(r), r.UserAgent())
	if err != nil {
		log.Warn().Err(err).Msg("session binder rejected connection")
		conn.Close()
		return
	}

	c := newConnection(socketID, conn, sess)

	rt.mu.Lock()
	rt.conns[socketID] = c
	rt.mu.Unlock()
	metrics.UpdateSessionMetrics(rt.sessions.Count(), rt.SocketCount())

	log.Info().Str("socket_id", socketID).Str("session_id", sess.ID).Msg("control socket connected")

	go c.frameWriterLoop()
	rt.readLoop(c)
}

// SocketCount returns the number of currently open control-socket connections.
func (rt *Router) SocketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.conns)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func (rt *Router) readLoop(c *connection) {
	defer rt.cleanup(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Debug().Err(err).Str("socket_id", c.id).Msg("malformed envelope")
			continue
		}

		start := time.Now()
		status := "ok"
		if err := rt.dispatch(c, env); err != nil {
			status = "error"
			log.Warn().Err(err).Str("socket_id", c.id).Str("message", env.Name).Msg("control message failed")
		}
		metrics.RecordMessage(env.Name, status, time.Since(start))
	}
}

func (rt *Router) cleanup(c *connection) {
	c.close()

	browserID := c.getBrowserID()
	if eng := c.getEngine(); eng != nil {
		eng.Stop()
	}
	if browserID != "" {
		rt.pool.Close(browserID)
	}

	rt.mu.Lock()
	delete(rt.conns, c.id)
	remaining := len(rt.conns)
	rt.mu.Unlock()

	metrics.UpdateSessionMetrics(rt.sessions.Count(), remaining)
	log.Info().Str("socket_id", c.id).Msg("control socket disconnected")
}

// dispatch routes one decoded envelope to its handler and, when the envelope
// carries an ack token, writes exactly one correlated reply.
func (rt *Router) dispatch(c *connection, env types.Envelope) error {
	ctx := context.Background()

	switch env.Name {
	case types.MsgInit:
		return rt.handleInit(ctx, c, env)
	case types.MsgNavigate:
		return rt.handleNavigate(ctx, c, env)
	case types.MsgAction:
		return rt.handleAction(ctx, c, env)
	case types.MsgResize:
		return rt.handleResize(c, env)
	case types.MsgStatus:
		return rt.handleStatus(c, env)
	case types.MsgStreamSettings:
		return rt.handleStreamSettings(c, env)
	case types.MsgStreamControl:
		return rt.handleStreamControl(c, env)
	case types.MsgLatencyReport:
		return rt.handleLatencyReport(c, env)
	case types.MsgPing:
		return rt.handlePing(c, env)
	default:
		err := types.NewUnknownActionError(env.Name)
		_ = c.writeAck(env.Ack, types.ActionAck{Success: false, Error: err.Error()})
		return err
	}
}

func (rt *Router) handleInit(ctx context.Context, c *connection, env types.Envelope) error {
	var p types.InitPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
	}

	if existing := c.getBrowserID(); existing != "" {
		return c.writeAck(env.Ack, types.InitAck{Success: true, BrowserID: existing})
	}

	// A token may arrive late, in the init payload, for clients that cannot
	// set a query parameter on the upgrade request; rebind to the session it
	// names before creating the browser.
	if p.Token != "" && p.Token != c.sess.Token {
		if rebound, err := rt.sessions.GetOrCreate(p.Token, c.sess.IPAddress, c.sess.UserAgent); err == nil {
			c.sess = rebound
		}
	}

	browserID, err := rt.pool.Create(ctx, p.URL, p.Width, p.Height)
	if err != nil {
		_ = c.writeAck(env.Ack, types.InitAck{Success: false, Error: err.Error()})
		return err
	}
	metrics.RecordBrowserCreated()
	metrics.UpdatePoolMetrics(rt.cfg.MaxBrowsers, rt.pool.Count())

	adaptive := false
	if p.AdaptiveBitrate != nil {
		adaptive = *p.AdaptiveBitrate
	}
	eng := streamengine.New(rt.cfg, rt.pool, rt.stats, c.id, browserID, c, streamengine.InitParams{
		FPS:             p.FPS,
		Quality:         p.Quality,
		Adaptive:        adaptive,
		ConnectionClass: p.ConnectionClass,
		DeviceClass:     p.DeviceClass,
	})
	eng.OnTerminate(func(reason string) {
		log.Info().Str("socket_id", c.id).Str("browser_id", browserID).Str("reason", reason).Msg("stream engine terminated")
	})
	eng.Start(ctx)

	c.setOwnership(browserID, eng)
	_ = rt.sessions.SetBrowserID(c.sess.ID, browserID)
	_ = rt.sessions.Update(c.sess.ID, session.UpdateFields{
		ConnectionClass: p.ConnectionClass,
		DeviceClass:     p.DeviceClass,
	})

	settings := eng.SettingsValues()
	metrics.UpdateStreamSettings(p.ConnectionClass, p.DeviceClass, settings.Quality, settings.FPS)

	return c.writeAck(env.Ack, types.InitAck{Success: true, BrowserID: browserID})
}

func (rt *Router) handleNavigate(ctx context.Context, c *connection, env types.Envelope) error {
	browserID := c.getBrowserID()
	if browserID == "" {
		return c.writeAck(env.Ack, types.NavigateAck{Success: false, Error: "no browser initialised for this socket"})
	}

	var p types.NavigatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	resolved, err := rt.pool.Navigate(ctx, browserID, p.URL)
	if err != nil {
		_ = c.writeAck(env.Ack, types.NavigateAck{Success: false, Error: err.Error()})
		return err
	}
	return c.writeAck(env.Ack, types.NavigateAck{Success: true, CurrentURL: resolved})
}

func (rt *Router) handleAction(ctx context.Context, c *connection, env types.Envelope) error {
	browserID := c.getBrowserID()
	if browserID == "" {
		return c.writeAck(env.Ack, types.ActionAck{Success: false, Error: "no browser initialised for this socket"})
	}

	var p types.ActionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	// getCurrentUrl is answered directly from the pool's tracked URL rather
	// than entering the generic action dispatch, per spec.md §4.5 Ownership.
	if p.Action == types.ActionGetCurrentURL {
		url, err := rt.pool.CurrentURL(browserID)
		if err != nil {
			_ = c.writeAck(env.Ack, types.ActionAck{Success: false, Error: err.Error()})
			return err
		}
		return c.writeAck(env.Ack, types.ActionAck{Success: true, URL: url})
	}

	res, err := rt.pool.Execute(ctx, browserID, p.Action, p.Params)
	if err != nil {
		_ = c.writeAck(env.Ack, types.ActionAck{Success: false, Error: err.Error()})
		return err
	}
	return c.writeAck(env.Ack, types.ActionAck{Success: true, URL: res.URL})
}

func (rt *Router) handleResize(c *connection, env types.Envelope) error {
	browserID := c.getBrowserID()
	if browserID == "" {
		return c.writeAck(env.Ack, types.ResizeAck{Success: false, Error: "no browser initialised for this socket"})
	}

	var p types.ResizePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	if err := rt.pool.Resize(browserID, p.Width, p.Height); err != nil {
		_ = c.writeAck(env.Ack, types.ResizeAck{Success: false, Error: err.Error()})
		return err
	}
	return c.writeAck(env.Ack, types.ResizeAck{Success: true})
}

func (rt *Router) handleStatus(c *connection, env types.Envelope) error {
	browserID := c.getBrowserID()
	ack := types.StatusAck{
		Connected:      true,
		BrowserID:      browserID,
		ActiveBrowsers: rt.pool.Count(),
		AllBrowserIDs:  rt.pool.List(),
	}
	if eng := c.getEngine(); eng != nil {
		summary := eng.Summary()
		ack.Stream = &summary
	}
	return c.writeAck(env.Ack, ack)
}

func (rt *Router) handleStreamSettings(c *connection, env types.Envelope) error {
	eng := c.getEngine()
	if eng == nil {
		return c.writeAck(env.Ack, types.StreamSettingsAck{Success: false, Error: "stream not initialised"})
	}

	var p types.StreamSettingsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	if p.Width > 0 && p.Height > 0 {
		if browserID := c.getBrowserID(); browserID != "" {
			_ = rt.pool.Resize(browserID, p.Width, p.Height)
		}
	}

	settings := eng.UpdateSettings(p)
	metrics.UpdateStreamSettings(settings2ConnClass(c), deviceClassOf(c), settings.Quality, settings.FPS)
	return c.writeAck(env.Ack, types.StreamSettingsAck{Success: true, Settings: &settings})
}

func settings2ConnClass(c *connection) string {
	eng := c.getEngine()
	if eng == nil {
		return ""
	}
	return eng.Summary().ConnectionClass
}

func deviceClassOf(c *connection) string {
	eng := c.getEngine()
	if eng == nil {
		return ""
	}
	return eng.Summary().DeviceClass
}

func (rt *Router) handleStreamControl(c *connection, env types.Envelope) error {
	eng := c.getEngine()
	if eng == nil {
		return c.writeAck(env.Ack, types.StreamControlAck{Success: false})
	}

	var p types.StreamControlPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}

	streaming := eng.SetStreaming(p.Streaming)
	return c.writeAck(env.Ack, types.StreamControlAck{Success: true, Streaming: streaming})
}

func (rt *Router) handleLatencyReport(c *connection, env types.Envelope) error {
	eng := c.getEngine()
	if eng == nil {
		return nil
	}
	var p types.LatencyReportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return err
	}
	eng.ReportLatency(p.Latency)
	return nil
}

func (rt *Router) handlePing(c *connection, env types.Envelope) error {
	var raw struct {
		T0 interface{} `json:"t0"`
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			return err
		}
	}
	return c.writeJSON(types.PongMessage{Name: types.MsgPong, T0: raw.T0})
}

// HandleHealth reports pool/session/version status for load balancer health
// checks and the streamctl monitoring TUI.
func (rt *Router) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status         string `json:"status"`
		Version        string `json:"version"`
		ActiveBrowsers int    `json:"activeBrowsers"`
		MaxBrowsers    int    `json:"maxBrowsers"`
		ActiveSessions int    `json:"activeSessions"`
		ActiveSockets  int    `json:"activeSockets"`
	}{
		Status:         "ok",
		Version:        version.Full(),
		ActiveBrowsers: rt.pool.Count(),
		MaxBrowsers:    rt.cfg.MaxBrowsers,
		ActiveSessions: rt.sessions.Count(),
		ActiveSockets:  rt.SocketCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// Shutdown closes every open connection's browser and stream engine, for
// graceful server shutdown.
func (rt *Router) Shutdown() {
	rt.mu.Lock()
	conns := make([]*connection, 0, len(rt.conns))
	for _, c := range rt.conns {
		conns = append(conns, c)
	}
	rt.mu.Unlock()

	for _, c := range conns {
		if eng := c.getEngine(); eng != nil {
			eng.Stop()
		}
		if browserID := c.getBrowserID(); browserID != "" {
			rt.pool.Close(browserID)
		}
		c.close()
		_ = c.conn.Close()
	}
}
