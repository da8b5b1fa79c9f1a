// Package api is the gateway's HTTP surface: health, the primary
// websocket streaming transport, the secondary WebRTC signaling
// transport, and the auxiliary one-shot REST endpoints for non-streaming
// clients (spec.md §6).
package api

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lucianhymer/asrgateway/internal/asr"
	"github.com/lucianhymer/asrgateway/internal/audiobuf"
	"github.com/lucianhymer/asrgateway/internal/gateway"
	"github.com/lucianhymer/asrgateway/internal/logger"
	"github.com/lucianhymer/asrgateway/internal/transport/webrtcgw"
	"github.com/lucianhymer/asrgateway/internal/transport/wsgateway"
	"github.com/lucianhymer/asrgateway/internal/vad"
)

// AuxConfig configures the auxiliary one-shot REST handlers: they build
// their own short-lived audiobuf.Buffer + vad.Engine + asr.Client per
// request rather than going through a Session, since they have no
// streaming lifecycle.
type AuxConfig struct {
	SampleRate  int
	ASRProvider asr.Config
}

// Server is the gateway's HTTP server: one mux serving every transport and
// auxiliary endpoint.
type Server struct {
	bindAddr string
	logger   *logger.ContextLogger
	server   *http.Server

	manager *gateway.SessionManager
	aux     AuxConfig
}

// New creates a Server that routes onto the given SessionManager.
func New(bindAddr string, log *logger.Logger, manager *gateway.SessionManager, iceServers []webrtc.ICEServer, aux AuxConfig) *Server {
	l := log.With("api")
	mux := http.NewServeMux()

	s := &Server{bindAddr: bindAddr, logger: l, manager: manager, aux: aux}

	wsHandler := wsgateway.New(manager, log.With("wsgateway"))
	rtcHandler := webrtcgw.New(manager, iceServers, log.With("webrtcgw"))

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/api/v1/stream", wsHandler)
	mux.Handle("/api/v1/stream/signal", rtcHandler)
	mux.HandleFunc("/api/v1/analyze-audio", s.handleAnalyzeAudio)
	mux.HandleFunc("/api/v1/transcribe", s.handleTranscribe)

	s.server = &http.Server{
		Addr:         bindAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until it is stopped or fails.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server on %s", s.bindAddr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	return s.server.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"timestamp":       time.Now().Unix(),
		"active_sessions": stats.ActiveSessions,
		"total_opened":    stats.TotalOpened,
		"uptime_seconds":  stats.UptimeSeconds,
	})
}

// analyzeAudioRequest is the body of POST /api/v1/analyze-audio: audio
// supplied as a JSON array of normalized float samples; a base64 string or
// a multipart upload is not accepted (callers that carry
// another container format resample/transcode before calling in, per
// spec.md §6's "thin adapter layer outside the core").
type analyzeAudioRequest struct {
	AudioData  []float32 `json:"audio_data"`
	SampleRate int       `json:"sample_rate"`
}

// analyzeAudioResponse mirrors the teacher's AudioStatistics, grounded on
// server/internal/api/server.go: handleAnalyzeAudio/calculateAudioStatistics.
type analyzeAudioResponse struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	P5          float64 `json:"p5"`
	P95         float64 `json:"p95"`
	SampleCount int     `json:"sample_count"`
	IsSpeaking  bool    `json:"is_speaking"`
}

// handleAnalyzeAudio runs a one-shot VAD pass over a posted clip and
// returns energy statistics plus the final speech/silence call, without
// opening a streaming Session.
func (s *Server) handleAnalyzeAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeAudioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "error_code": "VALIDATION_ERROR"})
		return
	}
	if len(req.AudioData) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no audio data provided", "error_code": "VALIDATION_ERROR"})
		return
	}
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = s.aux.SampleRate
	}

	engine := vad.New(vad.Config{SampleRate: sampleRate})
	vadRes, err := engine.Process(req.AudioData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "error_code": "VALIDATION_ERROR"})
		return
	}

	stats := frameEnergyStats(req.AudioData, sampleRate)
	writeJSON(w, http.StatusOK, analyzeAudioResponse{
		Min:         stats.min,
		Max:         stats.max,
		Avg:         stats.avg,
		P5:          stats.p5,
		P95:         stats.p95,
		SampleCount: len(req.AudioData),
		IsSpeaking:  vadRes.IsSpeaking,
	})
}

// transcribeRequest is the body of POST /api/v1/transcribe: a decoded
// clip plus the provider credential/model to use for the one-shot call.
type transcribeRequest struct {
	AudioData  []float32 `json:"audio_data"`
	SampleRate int       `json:"sample_rate"`
	APIKey     string    `json:"api_key"`
	Language   string    `json:"language,omitempty"`
}

// handleTranscribe transcribes a whole posted clip in one ASR call,
// straight through audiobuf + asr with no segmentation, grounded on the
// teacher's single-shot REST surface and original_source's
// api/v1/transcription.py.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body", "error_code": "VALIDATION_ERROR"})
		return
	}
	if len(req.AudioData) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no audio data provided", "error_code": "VALIDATION_ERROR"})
		return
	}
	if req.APIKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "api_key is required", "error_code": "CONFIGURATION_ERROR"})
		return
	}
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = s.aux.SampleRate
	}

	buf := audiobuf.New(sampleRate)
	buf.Append(req.AudioData)

	cfg := s.aux.ASRProvider
	cfg.APIKey = req.APIKey
	client := asr.New(cfg)

	start := time.Now()
	samples, err := buf.Extract(buf.BaseOffset(), -1)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "error_code": "AUDIO_PROCESSING_ERROR"})
		return
	}

	res, err := client.Transcribe(r.Context(), samples, sampleRate, "", req.Language)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "error_code": "ASR_PROVIDER_ERROR"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"text":               res.Text,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type energyStats struct {
	min, max, avg, p5, p95 float64
}

// frameEnergyStats computes RMS energy over 10ms frames and its
// percentiles, grounded on the teacher's calculateAudioStatistics.
func frameEnergyStats(samples []float32, sampleRate int) energyStats {
	frameSize := sampleRate / 100
	if frameSize <= 0 {
		frameSize = 160
	}

	var energies []float64
	for i := 0; i+frameSize <= len(samples); i += frameSize {
		energies = append(energies, rms(samples[i:i+frameSize]))
	}
	if len(energies) == 0 {
		return energyStats{}
	}

	min, max, sum := energies[0], energies[0], 0.0
	for _, e := range energies {
		sum += e
		if e < min {
			min = e
		}
		if e > max {
			max = e
		}
	}

	sorted := append([]float64(nil), energies...)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	p5 := sorted[int(float64(len(sorted))*0.05)]
	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return energyStats{min: min, max: max, avg: sum / float64(len(energies)), p5: p5, p95: sorted[p95Index]}
}

func rms(frame []float32) float64 {
	var sumSq float64
	for _, s := range frame {
		v := float64(s)
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(frame)))
}
