// Package logsink is the gateway's optional advisory recorder: when
// configured with a directory, it writes a WAV file and a JSON record for
// each emitted segment, grounded on the teacher's debug-WAV writer
// (server/internal/transcription/pipeline.go: saveDebugWAV/saveWAV). It is
// never on the hot path's error return — a write failure is logged and
// dropped, never surfaced to the client.
package logsink

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/lucianhymer/asrgateway/internal/logger"
)

// Config configures a Sink. A zero-valued Config disables recording.
type Config struct {
	Dir     string
	Enabled bool
}

// Record is the JSON side-record written alongside each segment's WAV.
type Record struct {
	SessionID    string  `json:"session_id"`
	SegmentID    int64   `json:"segment_id"`
	Kind         string  `json:"kind"`
	StartIndex   int64   `json:"start_index"`
	EndIndex     int64   `json:"end_index"`
	Replaces     []int64 `json:"replaces"`
	Text         string  `json:"text"`
	ProcessingMs int64   `json:"processing_ms"`
	RecordedAtMs int64   `json:"recorded_at_ms"`
}

// Sink writes the optional per-segment WAV + JSON pair. Safe for
// concurrent use: every call opens its own files.
type Sink struct {
	cfg Config
	log *logger.ContextLogger
}

// New builds a Sink from cfg. If cfg.Enabled is false or cfg.Dir is empty,
// the returned Sink's WriteSegment calls are no-ops.
func New(cfg Config, log *logger.ContextLogger) *Sink {
	return &Sink{cfg: cfg, log: log}
}

// Active reports whether this sink will actually write anything.
func (s *Sink) Active() bool {
	return s != nil && s.cfg.Enabled && s.cfg.Dir != ""
}

// WriteSegment persists samples (the exact range sent for transcription)
// and rec as a WAV/JSON pair named by session and segment id. Errors are
// logged and swallowed; this is advisory tooling, never a pipeline
// dependency.
func (s *Sink) WriteSegment(samples []float32, sampleRate int, rec Record) {
	if !s.Active() {
		return
	}
	rec.RecordedAtMs = time.Now().UnixMilli()

	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		s.warn("creating log sink directory: %v", err)
		return
	}

	base := filepath.Join(s.cfg.Dir, sinkBaseName(rec.SessionID, rec.SegmentID))

	if err := writeWAV(base+".wav", samples, sampleRate); err != nil {
		s.warn("writing segment WAV: %v", err)
	}
	if err := writeJSON(base+".json", rec); err != nil {
		s.warn("writing segment record: %v", err)
	}
}

func (s *Sink) warn(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}

func sinkBaseName(sessionID string, segmentID int64) string {
	return sessionID + "-" + itoa(segmentID)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func writeJSON(path string, rec Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

// writeWAV writes normalized float samples as little-endian 16-bit mono
// PCM, mirroring the teacher's saveWAV but taking float32 input directly
// instead of an already-encoded int16 byte slice.
func writeWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := uint32(len(samples) * 2)

	f.WriteString("RIFF")
	binary.Write(f, binary.LittleEndian, uint32(36)+dataSize)
	f.WriteString("WAVE")

	f.WriteString("fmt ")
	binary.Write(f, binary.LittleEndian, uint32(16))
	binary.Write(f, binary.LittleEndian, uint16(1))
	binary.Write(f, binary.LittleEndian, uint16(1))
	binary.Write(f, binary.LittleEndian, uint32(sampleRate))
	binary.Write(f, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(f, binary.LittleEndian, uint16(2))
	binary.Write(f, binary.LittleEndian, uint16(16))

	f.WriteString("data")
	binary.Write(f, binary.LittleEndian, dataSize)

	pcm := make([]int16, len(samples))
	for i, v := range samples {
		scaled := v * 32767.0
		if scaled > 32767 {
			scaled = 32767
		}
		if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = int16(scaled)
	}
	return binary.Write(f, binary.LittleEndian, pcm)
}
