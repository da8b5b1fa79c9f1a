package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/protocol"
)

func TestSessionConfigureSendsReady(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))

	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	statuses := tr.messagesOfType(protocol.MessageTypeStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status message, got %d", len(statuses))
	}
}

func TestSessionConfigureFailsOnBadConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))

	err := sess.Configure(context.Background(), SessionConfig{APIKey: "bad"})
	if err == nil {
		t.Fatal("expected Configure to fail")
	}
	if gatewayerr.CodeOf(err) != gatewayerr.ConfigurationError {
		t.Errorf("code = %v, want CONFIGURATION_ERROR", gatewayerr.CodeOf(err))
	}
}

func TestPushAudioNoOpWhenNotRecording(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	if err := sess.PushAudio(make([]float32, 256)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	if len(tr.messagesOfType(protocol.MessageTypeStatus)) != 1 { // only the ready status
		t.Error("expected no processing status while not recording")
	}
}

func TestControlStartEnablesRecordingAndPushEmitsProcessingStatus(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()

	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control(start): %v", err)
	}
	if err := sess.PushAudio(make([]float32, 256)); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}

	statuses := tr.messagesOfType(protocol.MessageTypeStatus)
	if len(statuses) != 2 { // ready + processing
		t.Fatalf("expected 2 status messages, got %d", len(statuses))
	}
}

func TestControlUnknownCommandSendsValidationError(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()
	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlCommand("bogus")); err != nil {
		t.Fatalf("Control: %v", err)
	}
	errs := tr.messagesOfType(protocol.MessageTypeError)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error message, got %d", len(errs))
	}
}

func TestResetIsIdempotent(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()
	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control(start): %v", err)
	}
	if err := sess.Control(protocol.ControlReset); err != nil {
		t.Fatalf("Control(reset) 1: %v", err)
	}
	gen1 := sess.generation
	recording1 := sess.recording
	if err := sess.Control(protocol.ControlReset); err != nil {
		t.Fatalf("Control(reset) 2: %v", err)
	}
	if sess.recording != recording1 {
		t.Error("recording flag differs after second reset")
	}
	if sess.generation <= gen1 {
		t.Error("expected generation to still advance monotonically on repeated reset")
	}
}

func TestCloseClosesTransport(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()
	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.closed {
		t.Error("expected transport closed")
	}
}

func TestControlBeforeConfigureReportsError(t *testing.T) {
	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps("http://unused.invalid"))
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control: %v", err)
	}
	if len(tr.messagesOfType(protocol.MessageTypeError)) != 1 {
		t.Fatal("expected an error message for control before configure")
	}
}

// An utterance-end edge trims the buffer prefix immediately; a job queued
// behind an in-flight transcription must still carry its audio.
func TestQueuedUtteranceJobSurvivesBufferTrim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": "hi"})
	}))
	defer srv.Close()

	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := sess.Control(protocol.ControlStart); err != nil {
		t.Fatalf("Control(start): %v", err)
	}

	// Simulate an in-flight transcription so edge-produced jobs queue up.
	sess.mu.Lock()
	sess.busy = true
	sess.mu.Unlock()

	speech := make([]float32, 512)
	for i := range speech {
		speech[i] = 0.5
	}
	if err := sess.PushAudio(speech); err != nil {
		t.Fatalf("PushAudio(speech): %v", err)
	}
	if err := sess.PushAudio(make([]float32, 512)); err != nil {
		t.Fatalf("PushAudio(silence): %v", err)
	}

	sess.mu.Lock()
	if len(sess.pending) != 1 {
		sess.mu.Unlock()
		t.Fatalf("pending = %d jobs, want 1", len(sess.pending))
	}
	if len(sess.pending[0].samples) == 0 {
		sess.mu.Unlock()
		t.Fatal("queued job lost its audio to the utterance-end trim")
	}
	sess.busy = false
	sess.drainQueueLocked()
	sess.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		results := tr.messagesOfType(protocol.MessageTypeResult)
		if len(results) == 1 {
			var data protocol.ResultData
			if err := json.Unmarshal(results[0].Data, &data); err != nil {
				t.Fatalf("unmarshal result: %v", err)
			}
			if data.Text != "hi" {
				t.Errorf("Text = %q, want %q", data.Text, "hi")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the queued job's result")
}

func TestIdleDurationAdvances(t *testing.T) {
	srv := silentASRServer(t)
	defer srv.Close()
	tr := &fakeTransport{}
	sess := New("s1", tr, testDeps(srv.URL))
	if err := sess.Configure(context.Background(), SessionConfig{APIKey: "k"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if d := sess.IdleDuration(); d < 0 {
		t.Errorf("IdleDuration = %v, want >= 0", d)
	}
	time.Sleep(time.Millisecond)
	if sess.IdleDuration() <= 0 {
		t.Error("expected IdleDuration to advance")
	}
}
