// Package webrtcgw is the secondary streaming transport: clients negotiate
// a WebRTC PeerConnection over a signaling websocket, then push audio and
// exchange the same JSON envelopes as wsgateway over a DataChannel instead
// of the raw websocket connection. It is an alternative ingress onto the
// same gateway.Session, not a second protocol.
package webrtcgw

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/logger"
	"github.com/lucianhymer/asrgateway/internal/protocol"
)

var signalUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler negotiates PeerConnections over a signaling websocket and binds
// each resulting DataChannel to a gateway.Session.
type Handler struct {
	Manager *gateway.SessionManager
	Logger  *logger.ContextLogger
	config  webrtc.Configuration
}

// New constructs a Handler configured with the given ICE servers.
func New(mgr *gateway.SessionManager, iceServers []webrtc.ICEServer, log *logger.ContextLogger) *Handler {
	return &Handler{
		Manager: mgr,
		Logger:  log,
		config:  webrtc.Configuration{ICEServers: iceServers},
	}
}

// ServeHTTP upgrades the request to a signaling websocket and drives offer/
// answer/ICE exchange for one PeerConnection until the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := signalUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("webrtc signaling upgrade failed: %v", err)
		}
		return
	}
	defer conn.Close()

	pc, err := webrtc.NewPeerConnection(h.config)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("creating peer connection: %v", err)
		}
		return
	}
	defer pc.Close()

	peer := &peerBinding{pc: pc, manager: h.Manager, log: h.Logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.SignalingMessage{Type: "ice", Data: raw})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			peer.closeSession()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer.bindDataChannel(dc)
	})

	for {
		var msg protocol.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if h.Logger != nil {
				h.Logger.Debug("signaling socket closed: %v", err)
			}
			peer.closeSession()
			return
		}

		switch msg.Type {
		case "offer":
			var offer webrtc.SessionDescription
			if err := json.Unmarshal(msg.Data, &offer); err != nil {
				continue
			}
			if err := pc.SetRemoteDescription(offer); err != nil {
				if h.Logger != nil {
					h.Logger.Error("set remote description: %v", err)
				}
				continue
			}
			answer, err := pc.CreateAnswer(nil)
			if err != nil {
				continue
			}
			if err := pc.SetLocalDescription(answer); err != nil {
				continue
			}
			raw, err := json.Marshal(pc.LocalDescription())
			if err != nil {
				continue
			}
			_ = conn.WriteJSON(protocol.SignalingMessage{Type: "answer", Data: raw})

		case "ice":
			var cand webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Data, &cand); err != nil {
				continue
			}
			_ = pc.AddICECandidate(cand)

		default:
			if h.Logger != nil {
				h.Logger.Warn("unknown signaling message type %q", msg.Type)
			}
		}
	}
}

// peerBinding owns the lazily-created Session for one PeerConnection: the
// Session is opened only once the client's DataChannel actually comes up,
// mirroring the capacity check happening at the point a client would
// otherwise start pushing audio.
type peerBinding struct {
	pc      *webrtc.PeerConnection
	manager *gateway.SessionManager
	log     *logger.ContextLogger

	mu   sync.Mutex
	sess *gateway.Session
}

func (p *peerBinding) bindDataChannel(dc *webrtc.DataChannel) {
	transport := &dcTransport{dc: dc}

	dc.OnOpen(func() {
		sess, err := p.manager.Open(transport)
		if err != nil {
			code := gatewayerr.CodeOf(err)
			raw, _ := json.Marshal(protocol.ErrorData{
				Error:       err.Error(),
				ErrorCode:   string(code),
				Recoverable: false,
			})
			_ = dc.Send(mustEnvelope(protocol.MessageTypeError, raw))
			_ = dc.Close()
			return
		}
		p.mu.Lock()
		p.sess = sess
		p.mu.Unlock()
	})

	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		p.mu.Lock()
		sess := p.sess
		p.mu.Unlock()
		if sess == nil {
			return
		}
		if m.IsString {
			dispatchEnvelope(sess, m.Data, p.log)
		} else {
			dispatchBinary(sess, m.Data, p.log)
		}
	})

	dc.OnClose(func() {
		p.closeSession()
	})
}

func (p *peerBinding) closeSession() {
	p.mu.Lock()
	sess := p.sess
	p.sess = nil
	p.mu.Unlock()
	if sess != nil {
		_ = p.manager.Close(sess.ID)
	}
}

func mustEnvelope(t protocol.MessageType, data json.RawMessage) []byte {
	raw, _ := json.Marshal(protocol.Message{Type: t, Data: data, Timestamp: time.Now().UnixMilli()})
	return raw
}

// dispatchEnvelope decodes and routes one JSON envelope the same way
// wsgateway does for its text-frame variant.
func dispatchEnvelope(sess *gateway.Session, raw []byte, log *logger.ContextLogger) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		sendValidationError(sess, log, fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	switch msg.Type {
	case protocol.MessageTypeConfig:
		var cfgData protocol.ConfigData
		if err := json.Unmarshal(msg.Data, &cfgData); err != nil {
			sendValidationError(sess, log, fmt.Sprintf("malformed config payload: %v", err))
			return
		}
		if err := sess.Configure(context.Background(), gateway.SessionConfig{
			APIKey:        cfgData.APIKey,
			EnableLLM:     cfgData.EnableLLM,
			Language:      cfgData.Language,
			VADThreshold:  cfgData.VADThreshold,
			ChunkDuration: cfgData.ChunkDuration,
		}); err != nil && log != nil {
			log.Error("session %s: configure failed: %v", sess.ID, err)
		}

	case protocol.MessageTypeAudio:
		var audioData protocol.AudioData
		if err := json.Unmarshal(msg.Data, &audioData); err != nil {
			sendValidationError(sess, log, fmt.Sprintf("malformed audio payload: %v", err))
			return
		}
		if err := sess.PushAudio(audioData.AudioData); err != nil && log != nil {
			log.Error("session %s: push audio failed: %v", sess.ID, err)
		}

	case protocol.MessageTypeControl:
		var ctrlData protocol.ControlData
		if err := json.Unmarshal(msg.Data, &ctrlData); err != nil {
			sendValidationError(sess, log, fmt.Sprintf("malformed control payload: %v", err))
			return
		}
		if err := sess.Control(ctrlData.Command); err != nil && log != nil {
			log.Error("session %s: control failed: %v", sess.ID, err)
		}

	default:
		sendValidationError(sess, log, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// sendValidationError reports a VALIDATION_ERROR back over the
// DataChannel without touching session state.
func sendValidationError(sess *gateway.Session, log *logger.ContextLogger, msg string) {
	if log != nil {
		log.Warn("session %s: %s", sess.ID, msg)
	}
	_ = sess.SendError(gatewayerr.ValidationError, msg, true)
}

// dispatchBinary handles the raw little-endian float32 audio frame variant
// carried over the DataChannel; an empty frame signals end-of-stream, same
// as wsgateway's binary frame handling.
func dispatchBinary(sess *gateway.Session, data []byte, log *logger.ContextLogger) {
	if len(data) == 0 {
		if err := sess.Control(protocol.ControlStop); err != nil && log != nil {
			log.Error("session %s: stop on end-of-stream failed: %v", sess.ID, err)
		}
		return
	}
	if len(data)%4 != 0 {
		if log != nil {
			log.Warn("session %s: malformed binary audio frame (length %d)", sess.ID, len(data))
		}
		return
	}
	samples := make([]float32, len(data)/4)
	for i := range samples {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		samples[i] = math.Float32frombits(bits)
	}
	if err := sess.PushAudio(samples); err != nil && log != nil {
		log.Error("session %s: push audio failed: %v", sess.ID, err)
	}
}

// dcTransport adapts a pion DataChannel to gateway.Transport.
type dcTransport struct {
	dc *webrtc.DataChannel
	mu sync.Mutex
}

func (t *dcTransport) Send(msg protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dc.Send(raw)
}

func (t *dcTransport) Close() error {
	return t.dc.Close()
}
