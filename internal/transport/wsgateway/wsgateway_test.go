package wsgateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lucianhymer/asrgateway/internal/asr"
	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/protocol"
)

func silentASRServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": ""})
	}))
}

func testManager(asrURL string) *gateway.SessionManager {
	return gateway.NewManager(gateway.ManagerConfig{
		MaxSessions: 10,
		Deps: gateway.Deps{
			SampleRate:         16000,
			MaxSegmentDuration: 3.0,
			LookbackDuration:   9.0,
			PreRoll:            0.5,
			ASRProvider:        asr.Config{APIURL: asrURL, Model: "whisper-1"},
		},
	})
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHandlerConfigureSendsReady(t *testing.T) {
	asrSrv := silentASRServer(t)
	defer asrSrv.Close()

	mgr := testManager(asrSrv.URL)
	h := New(mgr, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	cfgMsg := protocol.Message{Type: protocol.MessageTypeConfig, Data: mustMarshal(protocol.ConfigData{APIKey: "k"})}
	if err := conn.WriteJSON(cfgMsg); err != nil {
		t.Fatalf("write config: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Message
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != protocol.MessageTypeStatus {
		t.Errorf("reply.Type = %v, want status", reply.Type)
	}
	var status protocol.StatusData
	if err := json.Unmarshal(reply.Data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Status != protocol.StatusReady {
		t.Errorf("status = %v, want ready", status.Status)
	}
}

func TestHandlerBinaryEndOfStreamStopsRecording(t *testing.T) {
	asrSrv := silentASRServer(t)
	defer asrSrv.Close()

	mgr := testManager(asrSrv.URL)
	h := New(mgr, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()

	cfgMsg := protocol.Message{Type: protocol.MessageTypeConfig, Data: mustMarshal(protocol.ConfigData{APIKey: "k"})}
	conn.WriteJSON(cfgMsg)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ready protocol.Message
	conn.ReadJSON(&ready)

	startMsg := protocol.Message{Type: protocol.MessageTypeControl, Data: mustMarshal(protocol.ControlData{Command: protocol.ControlStart})}
	if err := conn.WriteJSON(startMsg); err != nil {
		t.Fatalf("write start: %v", err)
	}

	// empty binary frame signals end-of-stream, handled as a stop command.
	if err := conn.WriteMessage(websocket.BinaryMessage, nil); err != nil {
		t.Fatalf("write empty binary frame: %v", err)
	}

	// With recording stopped, a further audio push produces no processing
	// status, so nothing arrives before the read deadline.
	audioMsg := protocol.Message{Type: protocol.MessageTypeAudio, Data: mustMarshal(protocol.AudioData{AudioData: make([]float32, 256), SampleRate: 16000})}
	if err := conn.WriteJSON(audioMsg); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var reply protocol.Message
	if err := conn.ReadJSON(&reply); err == nil {
		t.Errorf("got %v message after end-of-stream, want none", reply.Type)
	}
}
