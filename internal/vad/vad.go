// Package vad implements the per-session voice-activity state machine: a
// fixed-hop frame classifier with an energy-threshold fallback, edge-change
// detection, and a silence-duration timer.
package vad

import (
	"math"
	"time"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/logger"
)

// Classifier produces a speech probability for one hop-sized frame of
// 16-bit PCM samples. A real classifier is an external collaborator;
// Engine falls back to energy thresholding if none is configured or if a
// call to it fails.
type Classifier interface {
	Classify(frame []int16) (probability float64, err error)
}

// Config configures an Engine.
type Config struct {
	SampleRate      int
	HopSize         int     // frame size the classifier expects, default 256
	ProbThreshold   float64 // classifier probability at or above which a frame counts as speech, default 0.5
	EnergyThreshold float64 // RMS threshold used by the fallback, default 500.0
	SilenceDuration time.Duration // default 800ms
	Classifier      Classifier    // optional; nil means energy-only
	Logger          *logger.ContextLogger
}

// Result is the outcome of one Process call.
type Result struct {
	IsSpeaking     bool
	StateChanged   bool
	Probability    float64
	RMS            float64
	Peak           float64
	SilenceTimeout bool
}

// Engine is the per-session VAD state machine. Not safe for concurrent use.
type Engine struct {
	cfg Config

	frameBuffer []int16
	isSpeaking  bool
	silenceSince time.Time
	hasSilenceSince bool

	now func() time.Time
}

// New creates an Engine with defaults applied for zero-valued Config fields.
func New(cfg Config) *Engine {
	if cfg.HopSize == 0 {
		cfg.HopSize = 256
	}
	if cfg.ProbThreshold == 0 {
		cfg.ProbThreshold = 0.5
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = 500.0
	}
	if cfg.SilenceDuration == 0 {
		cfg.SilenceDuration = 800 * time.Millisecond
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// Process consumes an arbitrary-length push of float samples in [-1, 1],
// converts to 16-bit PCM for the classifier, and returns the VAD result for
// the last hop frame it was able to drain from the residual buffer (or the
// carried-forward state if fewer than one hop's worth of samples has
// accumulated).
func (e *Engine) Process(samples []float32) (Result, error) {
	if len(samples) == 0 {
		return Result{}, gatewayerr.New(gatewayerr.VADError, "VAD_EMPTY_INPUT")
	}

	rms, peak := energyStats(samples)

	for _, s := range samples {
		e.frameBuffer = append(e.frameBuffer, floatToInt16(s))
	}

	var lastProb float64
	var lastSpeaking bool
	sawFrame := false

	for len(e.frameBuffer) >= e.cfg.HopSize {
		frame := e.frameBuffer[:e.cfg.HopSize]
		e.frameBuffer = e.frameBuffer[e.cfg.HopSize:]

		prob, speaking := e.classify(frame)
		lastProb = prob
		lastSpeaking = speaking
		sawFrame = true
	}

	if !sawFrame {
		// Not enough samples yet for a full hop; report carried-forward
		// state with this push's energy stats and no edge.
		return Result{
			IsSpeaking:     e.isSpeaking,
			StateChanged:   false,
			RMS:            rms,
			Peak:           peak,
			SilenceTimeout: e.silenceTimeout(),
		}, nil
	}

	stateChanged := lastSpeaking != e.isSpeaking
	e.isSpeaking = lastSpeaking
	if stateChanged {
		if lastSpeaking {
			e.hasSilenceSince = false
		} else {
			e.silenceSince = e.now()
			e.hasSilenceSince = true
		}
	}

	return Result{
		IsSpeaking:     e.isSpeaking,
		StateChanged:   stateChanged,
		Probability:    lastProb,
		RMS:            rms,
		Peak:           peak,
		SilenceTimeout: e.silenceTimeout(),
	}, nil
}

func (e *Engine) silenceTimeout() bool {
	if e.isSpeaking || !e.hasSilenceSince {
		return false
	}
	return e.now().Sub(e.silenceSince) >= e.cfg.SilenceDuration
}

// classify invokes the configured classifier, falling back to energy
// thresholding if none is configured or if the call fails.
func (e *Engine) classify(frame []int16) (probability float64, speaking bool) {
	if e.cfg.Classifier != nil {
		prob, err := e.cfg.Classifier.Classify(frame)
		if err == nil {
			return prob, prob >= e.cfg.ProbThreshold
		}
		if e.cfg.Logger != nil {
			e.cfg.Logger.Warn("classifier failed, falling back to energy threshold: %v", err)
		}
	}
	rms := rmsInt16(frame)
	if rms > e.cfg.EnergyThreshold {
		return 1.0, true
	}
	return 0.0, false
}

// Reset clears frame_buffer, is_speaking, and silence_since.
func (e *Engine) Reset() {
	e.frameBuffer = e.frameBuffer[:0]
	e.isSpeaking = false
	e.hasSilenceSince = false
}

// IsSpeaking reports the current speaking state without consuming input.
func (e *Engine) IsSpeaking() bool { return e.isSpeaking }

func energyStats(samples []float32) (rms, peak float64) {
	var sumSq float64
	for _, s := range samples {
		v := float64(s)
		sumSq += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms = math.Sqrt(sumSq / float64(len(samples)))
	return rms, peak
}

func rmsInt16(frame []int16) float64 {
	var sumSq float64
	for _, s := range frame {
		v := float64(s)
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(frame)))
}

func floatToInt16(s float32) int16 {
	v := s * 32767.0
	if v > 32767 {
		v = 32767
	}
	if v < -32768 {
		v = -32768
	}
	return int16(v)
}
