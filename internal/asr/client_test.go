package asr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
)

func TestTranscribeExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "hello world"})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "whisper-1"})
	res, err := c.Transcribe(context.Background(), make([]float32, 1600), 16000, "", "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
}

func TestTranscribeFallsBackToSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"segments": []map[string]any{{"text": "one"}, {"text": "two"}},
		})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "whisper-1"})
	res, err := c.Transcribe(context.Background(), make([]float32, 1600), 16000, "", "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "one two" {
		t.Errorf("Text = %q, want %q", res.Text, "one two")
	}
}

func TestTranscribeAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "whisper-1", APIKey: "bad"})
	_, err := c.Transcribe(context.Background(), make([]float32, 1600), 16000, "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if gatewayerr.CodeOf(err) != gatewayerr.ASRProviderError {
		t.Errorf("code = %v, want ASR_PROVIDER_ERROR", gatewayerr.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "AUTH_ERROR") {
		t.Errorf("error = %v, want AUTH_ERROR", err)
	}
}

func TestTranscribeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "whisper-1"})
	_, err := c.Transcribe(context.Background(), make([]float32, 1600), 16000, "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if gatewayerr.CodeOf(err) != gatewayerr.ASRProviderError {
		t.Errorf("code = %v, want ASR_PROVIDER_ERROR", gatewayerr.CodeOf(err))
	}
}

func TestFireworksURLAddsExtraFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("vad_model"); got != "silero" {
			t.Errorf("vad_model = %q, want silero", got)
		}
		if got := r.FormValue("temperature"); got != "0.0" {
			t.Errorf("temperature = %q, want 0.0", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"text": "ok"})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL + "/fireworks/v1/audio/transcriptions", Model: "whisper-v3"})
	if _, err := c.Transcribe(context.Background(), make([]float32, 1600), 16000, "", ""); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"text": ""})
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "whisper-1"})
	ok, _ := c.TestConnection(context.Background())
	if !ok {
		t.Error("expected TestConnection to succeed")
	}
}
