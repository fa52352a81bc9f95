package types

import "encoding/json"

// Message names exchanged over the per-client control socket (spec.md §4.5).
// Each inbound message is {name, payload, ack?}; the router dispatches by
// Name and, when Ack is non-empty, returns exactly one reply correlated by
// the same Ack token.
const (
	MsgInit             = "init"
	MsgNavigate         = "navigate"
	MsgAction           = "action"
	MsgResize           = "resize"
	MsgStatus           = "status"
	MsgStreamSettings   = "stream-settings"
	MsgStreamControl    = "stream-control"
	MsgLatencyReport    = "latency-report"
	MsgPing             = "ping"

	// Out-only messages.
	MsgFrame                 = "frame"
	MsgPong                  = "pong"
	MsgStreamSettingsUpdated = "stream-settings-updated"
)

// getCurrentUrl is handled by the router directly rather than through the
// pool's generic execute dispatch, per spec.md §4.5 Ownership.
const ActionGetCurrentURL = "getCurrentUrl"

// Envelope is the generic shape of every inbound socket message:
// {name, payload, ack?}. Payload is decoded into the message-specific
// struct once Name has been dispatched on.
type Envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     string          `json:"ack,omitempty"`
}

// InitPayload is the payload of an "init" message.
type InitPayload struct {
	URL             string `json:"url,omitempty"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	FPS             int    `json:"fps,omitempty"`
	Quality         int    `json:"quality,omitempty"`
	AdaptiveBitrate *bool  `json:"adaptiveBitrate,omitempty"`
	Token           string `json:"token,omitempty"`
	ConnectionClass string `json:"connectionClass,omitempty"`
	DeviceClass     string `json:"deviceClass,omitempty"`
}

// InitAck is the ack payload for a successful "init".
type InitAck struct {
	Success   bool   `json:"success"`
	BrowserID string `json:"browserId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NavigatePayload is the payload of a "navigate" message.
type NavigatePayload struct {
	URL string `json:"url"`
}

// NavigateAck is the ack payload for "navigate".
type NavigateAck struct {
	Success    bool   `json:"success"`
	CurrentURL string `json:"currentUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ActionPayload is the payload of an "action" message: the action verb plus
// its loosely-typed params, matching the closed verb set in §4.2.
type ActionPayload struct {
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ActionAck is the ack payload for "action".
type ActionAck struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ResizePayload is the payload of a "resize" message.
type ResizePayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ResizeAck is the ack payload for "resize".
type ResizeAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// StatusAck is the ack payload for a "status" request.
type StatusAck struct {
	Connected      bool           `json:"connected"`
	BrowserID      string         `json:"browserId,omitempty"`
	ActiveBrowsers int            `json:"activeBrowsers"`
	AllBrowserIDs  []string       `json:"allBrowserIds"`
	Stream         *StreamSummary `json:"stream,omitempty"`
}

// StreamSummary is the "stream" field nested in a status ack.
type StreamSummary struct {
	Active          bool   `json:"active"`
	TargetFPS       int    `json:"targetFps"`
	Quality         int    `json:"quality"`
	Adaptive        bool   `json:"adaptive"`
	FrameCount      uint64 `json:"frameCount"`
	BytesSent       int64  `json:"bytesSent"`
	ConnectionClass string `json:"connectionClass,omitempty"`
	DeviceClass     string `json:"deviceClass,omitempty"`
}

// StreamSettingsPayload is the payload of a "stream-settings" message. Zero
// values / nil pointers mean "leave unchanged".
type StreamSettingsPayload struct {
	FPS               int    `json:"fps,omitempty"`
	Quality           int    `json:"quality,omitempty"`
	Width             int    `json:"width,omitempty"`
	Height            int    `json:"height,omitempty"`
	AdaptiveBitrate   *bool  `json:"adaptiveBitrate,omitempty"`
	ConnectionQuality string `json:"connectionQuality,omitempty"`
}

// StreamSettingsAck is the ack payload for "stream-settings".
type StreamSettingsAck struct {
	Success  bool            `json:"success"`
	Settings *SettingsValues `json:"settings,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SettingsValues is the settings snapshot echoed in acks and in the
// "stream-settings-updated" push.
type SettingsValues struct {
	FPS              int  `json:"fps"`
	Quality          int  `json:"quality"`
	Adaptive         bool `json:"adaptive"`
	KeyframeInterval int  `json:"keyframeInterval"`
}

// StreamControlPayload is the payload of a "stream-control" message.
type StreamControlPayload struct {
	Streaming bool `json:"streaming"`
}

// StreamControlAck is the ack payload for "stream-control".
type StreamControlAck struct {
	Success   bool `json:"success"`
	Streaming bool `json:"streaming"`
}

// LatencyReportPayload is the payload of a "latency-report" message; no ack
// is sent for this message.
type LatencyReportPayload struct {
	Latency int `json:"latency"`
}

// FrameMessage is the "frame" out-message: image is base64 of the
// DEFLATE-compressed raster with no MIME prefix; the client reconstructs a
// data URL by prepending "data:image/jpeg;base64,".
type FrameMessage struct {
	Name       string `json:"name"`
	Image      string `json:"image"`
	IsKeyframe bool   `json:"isKeyframe"`
	Quality    int    `json:"quality"`
	Timestamp  int64  `json:"timestamp"`
}

// PongMessage answers a "ping" message, echoing back the client's t0.
type PongMessage struct {
	Name string      `json:"name"`
	T0   interface{} `json:"t0"`
}

// StreamSettingsUpdatedMessage precedes the first frame produced under new
// settings, per the ordering guarantee in §5.
type StreamSettingsUpdatedMessage struct {
	Name     string          `json:"name"`
	Settings *SettingsValues `json:"settings"`
}

// AckEnvelope wraps any ack payload with its correlating token.
type AckEnvelope struct {
	Ack  string      `json:"ack"`
	Data interface{} `json:"data"`
}
