package webrtcgw

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/lucianhymer/asrgateway/internal/asr"
	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/protocol"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (f *fakeTransport) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) messagesOfType(t protocol.MessageType) []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func silentASRServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": ""})
	}))
}

func newTestSession(t *testing.T, asrURL string) (*gateway.Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	sess := gateway.New("sess-1", tr, gateway.Deps{
		SampleRate:         16000,
		MaxSegmentDuration: 3.0,
		LookbackDuration:   9.0,
		PreRoll:            0.5,
		ASRProvider:        asr.Config{APIURL: asrURL, Model: "whisper-1"},
	})
	return sess, tr
}

func TestDispatchEnvelopeUnknownTypeSendsValidationError(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	sess, tr := newTestSession(t, srv.URL)
	raw, _ := json.Marshal(protocol.Message{Type: "bogus"})
	dispatchEnvelope(sess, raw, nil)

	errs := tr.messagesOfType(protocol.MessageTypeError)
	if len(errs) != 1 {
		t.Fatalf("got %d error messages, want 1", len(errs))
	}
	var data protocol.ErrorData
	if err := json.Unmarshal(errs[0].Data, &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.ErrorCode != "VALIDATION_ERROR" {
		t.Errorf("ErrorCode = %q, want VALIDATION_ERROR", data.ErrorCode)
	}
}

func TestDispatchEnvelopeMalformedJSONSendsValidationError(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	sess, tr := newTestSession(t, srv.URL)
	dispatchEnvelope(sess, []byte("not json"), nil)

	if len(tr.messagesOfType(protocol.MessageTypeError)) != 1 {
		t.Fatalf("expected one validation error for malformed envelope")
	}
}

func TestDispatchBinaryEmptyFrameStopsRecording(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	sess, tr := newTestSession(t, srv.URL)
	if err := sess.Configure(context.Background(), gateway.SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control(start): %v", err)
	}

	dispatchBinary(sess, nil, nil) // must not panic; treated as stop

	// With recording stopped, a further push emits no processing status.
	if err := sess.PushAudio(make([]float32, 256)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if n := len(tr.messagesOfType(protocol.MessageTypeStatus)); n != 1 { // only the ready status
		t.Errorf("got %d status messages, want 1 (ready only)", n)
	}
}

func TestDispatchBinaryDecodesFloat32Frame(t *testing.T) {
	samples := []float32{0.25, -0.5, 1.0}
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		bits := math.Float32bits(s)
		buf[i*4] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}

	srv := silentASRServer(t)
	defer srv.Close()
	sess, tr := newTestSession(t, srv.URL)
	if err := sess.Configure(context.Background(), gateway.SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control(start): %v", err)
	}

	dispatchBinary(sess, buf, nil) // must not panic on a well-formed frame

	// The processing status carries the decoded push's peak: |1.0|.
	statuses := tr.messagesOfType(protocol.MessageTypeStatus)
	if len(statuses) != 2 { // ready + processing
		t.Fatalf("got %d status messages, want 2", len(statuses))
	}
	var status protocol.StatusData
	if err := json.Unmarshal(statuses[1].Data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.VADState == nil || status.VADState.Peak != 1.0 {
		t.Errorf("VADState = %+v, want Peak 1.0", status.VADState)
	}
}
