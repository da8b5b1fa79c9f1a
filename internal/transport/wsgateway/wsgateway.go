// Package wsgateway is the primary streaming transport: it upgrades an
// HTTP request to a websocket connection, binds it to a gateway.Session,
// and pumps both the JSON envelope variant and the binary float32 audio
// frame variant of the wire protocol onto that session.
package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/logger"
	"github.com/lucianhymer/asrgateway/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades connections and hands them to a SessionManager.
type Handler struct {
	Manager *gateway.SessionManager
	Logger  *logger.ContextLogger
}

// New constructs a Handler.
func New(mgr *gateway.SessionManager, log *logger.ContextLogger) *Handler {
	return &Handler{Manager: mgr, Logger: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("websocket upgrade failed: %v", err)
		}
		return
	}

	transport := &wsTransport{conn: conn}
	sess, err := h.Manager.Open(transport)
	if err != nil {
		code := gatewayerr.CodeOf(err)
		_ = conn.WriteJSON(protocol.Message{
			Type: protocol.MessageTypeError,
			Data: mustMarshal(protocol.ErrorData{
				Error:       err.Error(),
				ErrorCode:   string(code),
				Recoverable: false,
			}),
		})
		conn.Close()
		return
	}
	defer h.Manager.Close(sess.ID)

	h.readLoop(conn, sess)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *gateway.Session) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if h.Logger != nil {
				h.Logger.Debug("session %s read loop ended: %v", sess.ID, err)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			h.handleEnvelope(sess, data)
		case websocket.BinaryMessage:
			h.handleBinaryFrame(sess, data)
		}
	}
}

// handleEnvelope dispatches a single JSON envelope to the session.
func (h *Handler) handleEnvelope(sess *gateway.Session, raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendValidationError(sess, fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeConfig:
		var cfgData protocol.ConfigData
		if err := json.Unmarshal(msg.Data, &cfgData); err != nil {
			h.logWarn(sess, "malformed config payload", err)
			return
		}
		if err := sess.Configure(context.Background(), gateway.SessionConfig{
			APIKey:        cfgData.APIKey,
			EnableLLM:     cfgData.EnableLLM,
			Language:      cfgData.Language,
			VADThreshold:  cfgData.VADThreshold,
			ChunkDuration: cfgData.ChunkDuration,
		}); err != nil && h.Logger != nil {
			h.Logger.Error("session %s: configure failed: %v", sess.ID, err)
		}

	case protocol.MessageTypeAudio:
		var audioData protocol.AudioData
		if err := json.Unmarshal(msg.Data, &audioData); err != nil {
			h.logWarn(sess, "malformed audio payload", err)
			return
		}
		if err := sess.PushAudio(audioData.AudioData); err != nil && h.Logger != nil {
			h.Logger.Error("session %s: push audio failed: %v", sess.ID, err)
		}

	case protocol.MessageTypeControl:
		var ctrlData protocol.ControlData
		if err := json.Unmarshal(msg.Data, &ctrlData); err != nil {
			h.logWarn(sess, "malformed control payload", err)
			return
		}
		if err := sess.Control(ctrlData.Command); err != nil && h.Logger != nil {
			h.Logger.Error("session %s: control failed: %v", sess.ID, err)
		}

	default:
		h.sendValidationError(sess, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// sendValidationError reports a VALIDATION_ERROR back to the client
// without touching session state, per spec: unknown envelope types are
// rejected, not silently dropped.
func (h *Handler) sendValidationError(sess *gateway.Session, msg string) {
	if h.Logger != nil {
		h.Logger.Warn("session %s: %s", sess.ID, msg)
	}
	_ = sess.SendError(gatewayerr.ValidationError, msg, true)
}

// handleBinaryFrame handles the binary-audio-frame variant of the
// transport: little-endian float32 samples, with an empty frame
// signaling end-of-stream.
func (h *Handler) handleBinaryFrame(sess *gateway.Session, data []byte) {
	if len(data) == 0 {
		if err := sess.Control(protocol.ControlStop); err != nil && h.Logger != nil {
			h.Logger.Error("session %s: stop on end-of-stream failed: %v", sess.ID, err)
		}
		return
	}

	samples, err := decodeFloat32LE(data)
	if err != nil {
		h.logWarn(sess, "malformed binary audio frame", err)
		return
	}
	if err := sess.PushAudio(samples); err != nil && h.Logger != nil {
		h.Logger.Error("session %s: push audio failed: %v", sess.ID, err)
	}
}

func (h *Handler) logWarn(sess *gateway.Session, msg string, err error) {
	h.sendValidationError(sess, fmt.Sprintf("%s: %v", msg, err))
}

func decodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("binary audio frame length %d not a multiple of 4", len(data))
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// wsTransport adapts a gorilla websocket connection to gateway.Transport.
// Writes are serialized with a mutex: gorilla connections are not safe for
// concurrent writers, and Session may call Send from its dispatch
// goroutine while the read loop is otherwise idle.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(msg protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
