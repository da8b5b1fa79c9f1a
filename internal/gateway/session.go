// Package gateway ties the audio buffer, VAD engine, segmentation
// controller, transcription/corrector clients, and wire protocol together
// into a per-client Session, and multiplexes many such sessions through a
// SessionManager.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/lucianhymer/asrgateway/internal/asr"
	"github.com/lucianhymer/asrgateway/internal/audiobuf"
	"github.com/lucianhymer/asrgateway/internal/corrector"
	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/logger"
	"github.com/lucianhymer/asrgateway/internal/logsink"
	"github.com/lucianhymer/asrgateway/internal/protocol"
	"github.com/lucianhymer/asrgateway/internal/segmentation"
	"github.com/lucianhymer/asrgateway/internal/vad"
)

// Transport is the one-way handle a Session holds to its transport: a
// send-only channel to the client. The Session never holds a back
// reference into the transport's own connection state; teardown always
// flows manager -> session -> (transport.Close).
type Transport interface {
	Send(msg protocol.Message) error
	Close() error
}

// SessionConfig is the per-client configuration supplied on a "config"
// message.
type SessionConfig struct {
	APIKey        string
	EnableLLM     bool
	Language      string
	VADThreshold  float64
	ChunkDuration float64
}

// Deps are the process-wide collaborators a Session needs, templated by
// the SessionManager and specialized per session (e.g. with the client's
// own provider credential).
type Deps struct {
	SampleRate         int
	MaxSegmentDuration float64
	LookbackDuration   float64
	PreRoll            float64

	VADHopSize         int
	VADProbThreshold   float64
	VADSilenceDuration time.Duration

	ASRProvider  asr.Config
	LLMProvider  corrector.Config
	VADClassifier vad.Classifier

	// LogSink optionally records a WAV + JSON pair for every emitted
	// segment. Nil or inactive means recording is fully disabled.
	LogSink *logsink.Sink

	Logger *logger.ContextLogger
}

// Session owns one client's streaming pipeline end to end.
type Session struct {
	ID string

	deps      Deps
	transport Transport
	log       *logger.ContextLogger

	mu         sync.Mutex
	cfg        SessionConfig
	recording  bool
	configured bool

	buffer     *audiobuf.Buffer
	vadEngine  *vad.Engine
	controller *segmentation.Controller
	asrClient  *asr.Client
	llmClient  *corrector.Client

	pending    []pendingJob
	busy       bool
	generation int

	connectedAt   time.Time
	lastActivity  time.Time
	totalMessages uint64
	totalTranscriptionMs int64
}

// New constructs a Session in the not-yet-configured state.
func New(id string, transport Transport, deps Deps) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		deps:         deps,
		transport:    transport,
		log:          deps.Logger,
		connectedAt:  now,
		lastActivity: now,
	}
}

// Configure builds the transcription/corrector clients from the supplied
// credential, runs the connectivity self-test, and emits a "ready" status.
// It is the Session-level analogue of §4.6 "configure".
func (s *Session) Configure(ctx context.Context, cfg SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	asrCfg := s.deps.ASRProvider
	asrCfg.APIKey = cfg.APIKey
	s.asrClient = asr.New(asrCfg)

	if cfg.EnableLLM {
		llmCfg := s.deps.LLMProvider
		s.llmClient = corrector.New(llmCfg)
	}

	if ok, msg := s.asrClient.TestConnection(ctx); !ok {
		return gatewayerr.New(gatewayerr.ConfigurationError, "ASR provider connectivity check failed: "+msg)
	}

	maxSeg := s.deps.MaxSegmentDuration
	if cfg.ChunkDuration > 0 {
		maxSeg = cfg.ChunkDuration
	}

	probThreshold := s.deps.VADProbThreshold
	if cfg.VADThreshold > 0 {
		probThreshold = cfg.VADThreshold
	}

	s.buffer = audiobuf.New(s.deps.SampleRate)
	s.vadEngine = vad.New(vad.Config{
		SampleRate:      s.deps.SampleRate,
		HopSize:         s.deps.VADHopSize,
		ProbThreshold:   probThreshold,
		SilenceDuration: s.deps.VADSilenceDuration,
		Classifier:      s.deps.VADClassifier,
		Logger:          s.log,
	})
	s.controller = segmentation.New(segmentation.Config{
		SampleRate:         s.deps.SampleRate,
		MaxSegmentDuration: maxSeg,
		LookbackDuration:   s.deps.LookbackDuration,
		PreRoll:            s.deps.PreRoll,
	})
	s.configured = true

	return s.sendLocked(protocol.MessageTypeStatus, protocol.StatusData{Status: protocol.StatusReady})
}

// PushAudio appends samples to the buffer iff recording, drives the VAD
// and segmentation controller, and emits a processing status followed by
// any result messages produced, honoring the ordering guarantee in §5:
// status precedes results for a given push.
func (s *Session) PushAudio(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touchLocked()
	if !s.configured || !s.recording {
		return nil
	}
	if len(samples) == 0 {
		return nil
	}

	s.buffer.Append(samples)
	now := s.buffer.End()

	vadRes, err := s.vadEngine.Process(samples)
	if err != nil {
		return s.sendErrorLocked(gatewayerr.CodeOf(err), err.Error(), true, nil)
	}

	if err := s.sendLocked(protocol.MessageTypeStatus, protocol.StatusData{
		Status: protocol.StatusProcessing,
		VADState: &protocol.VADStateData{
			IsSpeaking:     vadRes.IsSpeaking,
			Probability:    vadRes.Probability,
			RMS:            vadRes.RMS,
			Peak:           vadRes.Peak,
			SilenceTimeout: vadRes.SilenceTimeout,
		},
	}); err != nil {
		return err
	}

	if vadRes.StateChanged {
		jobs, trim := s.controller.OnSpeechEdge(vadRes.IsSpeaking, now)
		for _, j := range jobs {
			s.enqueueLocked(j)
		}
		if trim {
			s.buffer.TrimBefore(now)
		}
	} else if s.controller.State() == segmentation.StateActive && !s.busy {
		if job, ok := s.controller.MaybeCutTimeoutChunk(now); ok {
			s.enqueueLocked(job)
		}
	} else if s.controller.State() == segmentation.StateIdle {
		if action, ok := s.controller.CheckIdleTrim(s.buffer.BaseOffset(), now); ok {
			s.buffer.TrimBefore(action.Index)
		}
	}

	s.drainQueueLocked()
	return nil
}

// Control handles a control command per §4.6.
func (s *Session) Control(cmd protocol.ControlCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()

	if !s.configured {
		return s.sendErrorLocked(gatewayerr.ValidationError, "session not configured", true, nil)
	}

	switch cmd {
	case protocol.ControlStart:
		s.recording = true
		s.controller.Reset()
	case protocol.ControlStop:
		s.recording = false
		if jobs := s.controller.Stop(s.buffer.End()); len(jobs) > 0 {
			for _, j := range jobs {
				s.enqueueLocked(j)
			}
			s.drainQueueLocked()
		}
	case protocol.ControlPause:
		s.recording = false
	case protocol.ControlResume:
		s.recording = true
	case protocol.ControlReset:
		s.recording = false
		s.generation++ // invalidate any in-flight transcription
		s.pending = nil
		s.controller.Reset()
		s.vadEngine.Reset()
		s.buffer.Clear()
	default:
		return s.sendErrorLocked(gatewayerr.ValidationError, "unknown control command", true, map[string]any{"command": cmd})
	}
	return nil
}

// pendingJob pairs a queued transcription job with its sample range,
// captured at enqueue time: an utterance-end edge trims the buffer prefix
// immediately, so a job queued behind an in-flight transcription cannot
// extract its range later.
type pendingJob struct {
	job     segmentation.Job
	samples []float32
}

func (s *Session) enqueueLocked(job segmentation.Job) {
	samples, err := s.buffer.Extract(job.StartIndex, job.EndIndex)
	if err != nil {
		s.logError("extracting segment range for job: %v", err)
		return
	}
	s.pending = append(s.pending, pendingJob{job: job, samples: samples})
}

// drainQueueLocked dispatches the next queued job if the session is not
// already waiting on a transcription. This is the backpressure rule of
// §5: at most one in-flight transcription per session, with further
// due timeout chunks coalesced because MaybeCutTimeoutChunk is simply
// never invoked again until busy clears.
func (s *Session) drainQueueLocked() {
	if s.busy || len(s.pending) == 0 {
		return
	}
	p := s.pending[0]
	s.pending = s.pending[1:]

	s.busy = true
	gen := s.generation
	go s.dispatch(p.job, p.samples, gen)
}

func (s *Session) dispatch(job segmentation.Job, samples []float32, gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	res, err := s.asrClient.Transcribe(ctx, samples, s.deps.SampleRate, job.Prompt, s.cfg.Language)

	var text string
	failed := err != nil
	if !failed {
		text = res.Text
	} else {
		s.logWarn("transcription failed for segment: %v", err)
	}

	var corrected string
	if !failed && s.llmClient != nil && text != "" {
		corrected = s.llmClient.Correct(ctx, text)
	}

	elapsed := time.Since(start).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		// Session has moved on (reset/closed); drop this stale result.
		s.busy = false
		s.drainQueueLocked()
		return
	}

	seg := s.controller.Complete(job, text, corrected, elapsed, failed)
	s.totalTranscriptionMs += elapsed

	if s.deps.LogSink.Active() {
		s.deps.LogSink.WriteSegment(samples, s.deps.SampleRate, logsink.Record{
			SessionID:    s.ID,
			SegmentID:    seg.ID,
			Kind:         string(seg.Kind),
			StartIndex:   seg.StartIndex,
			EndIndex:     seg.EndIndex,
			Replaces:     seg.Replaces,
			Text:         seg.TextRaw,
			ProcessingMs: seg.ProcessingMs,
		})
	}

	result := protocol.ResultData{
		SegmentID:        seg.ID,
		Text:             seg.TextRaw,
		CorrectedText:    seg.TextCorrected,
		IsFinal:          seg.Kind == segmentation.KindFinal,
		IsTimeoutChunk:   seg.Kind == segmentation.KindTimeoutChunk,
		IsReprocessed:    seg.Kind == segmentation.KindReprocessed,
		ReplacesSegments: seg.Replaces,
		ProcessingTimeMs: seg.ProcessingMs,
	}
	_ = s.sendLocked(protocol.MessageTypeResult, result)

	s.busy = false
	s.drainQueueLocked()
}

func (s *Session) sendLocked(t protocol.MessageType, data any) error {
	msg, err := encodeMessage(t, data)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.InternalError, "encoding outbound message", err)
	}
	if err := s.transport.Send(msg); err != nil {
		return gatewayerr.Wrap(gatewayerr.StreamingError, "sending outbound message", err)
	}
	return nil
}

// SendError reports an error envelope to the client without mutating any
// pipeline state, e.g. for a transport-level rejection (malformed or
// unknown inbound message) that never reaches Configure/PushAudio/Control.
func (s *Session) SendError(code gatewayerr.Code, message string, recoverable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErrorLocked(code, message, recoverable, nil)
}

func (s *Session) sendErrorLocked(code gatewayerr.Code, message string, recoverable bool, details map[string]any) error {
	return s.sendLocked(protocol.MessageTypeError, protocol.ErrorData{
		Error:       message,
		ErrorCode:   string(code),
		Recoverable: recoverable && code.Recoverable(),
		Details:     details,
	})
}

func (s *Session) logWarn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}

func (s *Session) logError(format string, args ...any) {
	if s.log != nil {
		s.log.Error(format, args...)
	}
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
	s.totalMessages++
}

// Close tears down the session: cancels in-flight work (cooperatively, by
// invalidating its generation) and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	s.generation++
	s.recording = false
	transport := s.transport
	s.mu.Unlock()
	return transport.Close()
}

// IdleDuration reports how long it has been since the last inbound
// message, used by the SessionManager's idle-timeout sweep.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}
