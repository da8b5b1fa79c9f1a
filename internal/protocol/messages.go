// Package protocol defines the JSON envelopes exchanged over the gateway's
// bidirectional streaming transport, plus the WebRTC signaling envelope
// used to negotiate the secondary DataChannel transport.
package protocol

import "encoding/json"

// MessageType enumerates the envelope type tag.
type MessageType string

const (
	// Inbound
	MessageTypeConfig  MessageType = "config"
	MessageTypeAudio   MessageType = "audio"
	MessageTypeControl MessageType = "control"

	// Outbound
	MessageTypeStatus MessageType = "status"
	MessageTypeResult MessageType = "result"
	MessageTypeError  MessageType = "error"
)

// Message is the envelope carried by every frame on the primary transport:
// { "type": T, "data": D, "timestamp": ms_since_epoch }.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConfigData configures a session at connect time.
type ConfigData struct {
	APIKey        string  `json:"api_key"`
	EnableLLM     bool    `json:"enable_llm"`
	Language      string  `json:"language,omitempty"`
	VADThreshold  float64 `json:"vad_threshold,omitempty"`
	ChunkDuration float64 `json:"chunk_duration,omitempty"`
}

// AudioData carries a push of raw PCM samples on the text-frame variant of
// the transport. AudioData is normalized float samples in [-1, 1]; the
// binary-frame variant carries the same payload as little-endian float32
// without the JSON envelope.
type AudioData struct {
	AudioData  []float32 `json:"audio_data"`
	SampleRate int       `json:"sample_rate"`
}

// ControlCommand enumerates the commands a client may send.
type ControlCommand string

const (
	ControlStart  ControlCommand = "start"
	ControlStop   ControlCommand = "stop"
	ControlReset  ControlCommand = "reset"
	ControlPause  ControlCommand = "pause"
	ControlResume ControlCommand = "resume"
)

// ControlData wraps a control command.
type ControlData struct {
	Command    ControlCommand  `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// SessionStatus enumerates outbound session status values.
type SessionStatus string

const (
	StatusConnecting   SessionStatus = "connecting"
	StatusReady        SessionStatus = "ready"
	StatusProcessing   SessionStatus = "processing"
	StatusError        SessionStatus = "error"
	StatusDisconnected SessionStatus = "disconnected"
)

// VADStateData is the VAD snapshot optionally attached to a status message.
type VADStateData struct {
	IsSpeaking     bool    `json:"is_speaking"`
	Probability    float64 `json:"probability"`
	RMS            float64 `json:"rms"`
	Peak           float64 `json:"peak"`
	SilenceTimeout bool    `json:"silence_timeout"`
}

// StatusData is the payload of a "status" outbound message.
type StatusData struct {
	Status   SessionStatus `json:"status"`
	VADState *VADStateData `json:"vad_state,omitempty"`
}

// ResultData is the payload of a "result" outbound message: one emitted
// transcript segment.
type ResultData struct {
	SegmentID        int64          `json:"segment_id"`
	Text             string         `json:"text"`
	CorrectedText    string         `json:"corrected_text,omitempty"`
	IsFinal          bool           `json:"is_final"`
	IsTimeoutChunk   bool           `json:"is_timeout_chunk"`
	IsReprocessed    bool           `json:"is_reprocessed"`
	ReplacesSegments []int64        `json:"replaces_segments"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ErrorData is the payload of an "error" outbound message.
type ErrorData struct {
	Error       string         `json:"error"`
	ErrorCode   string         `json:"error_code"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// SignalingMessage carries WebRTC SDP/ICE negotiation over the signaling
// websocket; it is a distinct envelope from Message because signaling
// happens before a Session (and thus a Message stream) exists.
type SignalingMessage struct {
	Type string          `json:"type"` // "offer", "answer", "ice"
	Data json.RawMessage `json:"data"`
}
