// Package segmentation implements the core state machine: given a stream
// of VAD results and an append-only audio buffer, it decides when to emit
// transcription requests, classifies the resulting segments, and tracks
// which earlier segments a new one supersedes.
package segmentation

import "sync/atomic"

// Kind classifies an emitted segment.
type Kind string

const (
	KindTimeoutChunk Kind = "TIMEOUT_CHUNK"
	KindFinal        Kind = "FINAL"
	KindReprocessed  Kind = "REPROCESSED"
)

// State is the controller's coarse utterance state.
type State string

const (
	StateIdle   State = "IDLE"
	StateActive State = "ACTIVE"
)

// Segment is one unit of transcription work together with the bookkeeping
// needed to render an ordered, monotonically-improving transcript.
type Segment struct {
	ID         int64
	StartIndex int64
	EndIndex   int64
	Kind       Kind
	Replaces   []int64

	TextRaw       string
	TextCorrected string
	ProcessingMs  int64
}

// Config configures a Controller. Durations are expressed in seconds;
// SampleRate converts them to sample counts.
type Config struct {
	SampleRate         int
	MaxSegmentDuration float64 // default 3.0s
	LookbackDuration   float64 // default 9.0s
	PreRoll            float64 // default 0.5s
	SilenceKeep        float64 // default 2 * MaxSegmentDuration
	HistoryCap         int     // default 10
	RecentChunksCap    int     // default 3
}

func (c *Config) applyDefaults() {
	if c.MaxSegmentDuration == 0 {
		c.MaxSegmentDuration = 3.0
	}
	if c.LookbackDuration == 0 {
		c.LookbackDuration = 9.0
	}
	if c.PreRoll == 0 {
		c.PreRoll = 0.5
	}
	if c.SilenceKeep == 0 {
		c.SilenceKeep = 2 * c.MaxSegmentDuration
	}
	if c.HistoryCap == 0 {
		c.HistoryCap = 10
	}
	if c.RecentChunksCap == 0 {
		c.RecentChunksCap = 3
	}
}

func (c *Config) rate() int64 { return int64(c.SampleRate) }

// Job is a transcription request produced by the Controller. The caller
// (Session) extracts [StartIndex, EndIndex) from the audio buffer,
// transcribes it, and reports the outcome back via Complete.
type Job struct {
	Kind       Kind
	StartIndex int64
	EndIndex   int64
	Replaces   []int64
	// Prompt is the concatenation of the last two accepted (not yet
	// replaced) transcripts, excluding any being replaced by this job.
	Prompt string

	segmentID int64
}

// TrimAction tells the caller to trim the audio buffer prefix up to Index.
type TrimAction struct {
	Index int64
}

// Controller is the per-session segmentation state machine. Not safe for
// concurrent use; the owning Session serializes all calls.
type Controller struct {
	cfg Config

	state            State
	utteranceStart   int64
	utteranceStartSet bool
	lastChunkEnd     int64
	recentChunks     []*Segment
	history          []historyEntry // accepted transcripts, most recent last
	nextID           int64
}

// historyEntry is one accepted (not-yet-replaced) transcript, keyed by its
// segment id so a later REPROCESSED segment can retire it.
type historyEntry struct {
	id   int64
	text string
}

// New builds a Controller with defaults applied for zero-valued fields.
func New(cfg Config) *Controller {
	cfg.applyDefaults()
	return &Controller{cfg: cfg, state: StateIdle}
}

// State returns the current coarse state.
func (c *Controller) State() State { return c.state }

func (c *Controller) nextSegmentID() int64 { return atomic.AddInt64(&c.nextID, 1) }

// OnSpeechEdge processes a VAD edge (state_changed == true). speaking is
// the VAD's new is_speaking value. nowIndex is the buffer's current
// absolute end index. Returns any jobs produced (silence->speech produces
// none; speech->silence runs the utterance-end policy and may produce one)
// and whether the buffer prefix should be trimmed up to nowIndex.
func (c *Controller) OnSpeechEdge(speaking bool, nowIndex int64) ([]Job, bool) {
	if speaking {
		c.onSilenceToSpeech(nowIndex)
		return nil, false
	}
	jobs := c.onSpeechToSilence(nowIndex)
	return jobs, true
}

func (c *Controller) onSilenceToSpeech(nowIndex int64) {
	preRollSamples := int64(c.cfg.PreRoll * float64(c.cfg.rate()))
	start := nowIndex - preRollSamples
	if start < 0 {
		start = 0
	}
	c.utteranceStart = start
	c.utteranceStartSet = true
	c.lastChunkEnd = start
	c.recentChunks = nil
	c.state = StateActive
}

func (c *Controller) onSpeechToSilence(nowIndex int64) []Job {
	jobs := c.runUtteranceEndPolicy(nowIndex)
	c.resetUtteranceState()
	c.state = StateIdle
	return jobs
}

func (c *Controller) resetUtteranceState() {
	c.utteranceStartSet = false
	c.recentChunks = nil
}

// MaybeCutTimeoutChunk checks whether enough unprocessed audio has
// accumulated to cut a timeout chunk. The caller must only invoke this
// when it is not already awaiting a transcription result for this
// session: deferring the check while busy, and re-checking once free
// with the then-current nowIndex, is exactly the backpressure coalescing
// rule — at most one timeout chunk is ever cut per busy window.
func (c *Controller) MaybeCutTimeoutChunk(nowIndex int64) (Job, bool) {
	if c.state != StateActive {
		return Job{}, false
	}
	rate := c.cfg.rate()
	maxSamples := int64(c.cfg.MaxSegmentDuration * float64(rate))
	unprocessed := nowIndex - c.lastChunkEnd
	if unprocessed < maxSamples {
		return Job{}, false
	}

	end := c.lastChunkEnd + maxSamples
	if end > nowIndex {
		end = nowIndex
	}
	if end-c.lastChunkEnd < maxSamples/2 {
		// Truncated chunk would be too short; wait for more audio.
		return Job{}, false
	}

	seg := &Segment{
		ID:         c.nextSegmentID(),
		StartIndex: c.lastChunkEnd,
		EndIndex:   end,
		Kind:       KindTimeoutChunk,
	}
	start := c.lastChunkEnd
	c.lastChunkEnd = end
	c.recentChunks = append(c.recentChunks, seg)
	if len(c.recentChunks) > c.cfg.RecentChunksCap {
		c.recentChunks = c.recentChunks[1:]
	}

	return Job{
		Kind:       KindTimeoutChunk,
		StartIndex: start,
		EndIndex:   end,
		Prompt:     c.buildPrompt(nil),
		segmentID:  seg.ID,
	}, true
}

// runUtteranceEndPolicy implements §4.5's utterance-end policy.
func (c *Controller) runUtteranceEndPolicy(nowIndex int64) []Job {
	if !c.utteranceStartSet {
		return nil
	}
	u := c.utteranceStart
	e := nowIndex
	rate := float64(c.cfg.rate())
	duration := float64(e-u) / rate

	if len(c.recentChunks) == 0 {
		return []Job{c.finalJob(u, e)}
	}

	if duration <= c.cfg.LookbackDuration {
		replaces := idsOf(c.recentChunks)
		return []Job{c.reprocessedJob(u, e, replaces)}
	}

	lookbackStart := e - int64(c.cfg.LookbackDuration*rate)
	for i, chunk := range c.recentChunks {
		if chunk.StartIndex >= lookbackStart {
			replaces := idsOf(c.recentChunks[i:])
			return []Job{c.reprocessedJob(chunk.StartIndex, e, replaces)}
		}
	}

	// No chunk boundary falls within the lookback window: transcribe only
	// the un-cut tail as a FINAL segment; earlier chunks remain accepted.
	return []Job{c.finalJob(c.lastChunkEnd, e)}
}

func (c *Controller) finalJob(start, end int64) Job {
	return Job{
		Kind:       KindFinal,
		StartIndex: start,
		EndIndex:   end,
		Prompt:     c.buildPrompt(nil),
		segmentID:  c.nextSegmentID(),
	}
}

func (c *Controller) reprocessedJob(start, end int64, replaces []int64) Job {
	return Job{
		Kind:       KindReprocessed,
		StartIndex: start,
		EndIndex:   end,
		Replaces:   replaces,
		Prompt:     c.buildPrompt(replaces),
		segmentID:  c.nextSegmentID(),
	}
}

// buildPrompt concatenates the last two accepted transcripts, excluding
// any being replaced by the job currently under construction.
func (c *Controller) buildPrompt(excludeReplaced []int64) string {
	excluded := make(map[int64]bool, len(excludeReplaced))
	for _, id := range excludeReplaced {
		excluded[id] = true
	}
	var picked []string
	for i := len(c.history) - 1; i >= 0 && len(picked) < 2; i-- {
		if excluded[c.history[i].id] {
			continue
		}
		picked = append(picked, c.history[i].text)
	}
	if len(picked) == 2 {
		return picked[1] + " " + picked[0]
	}
	if len(picked) == 1 {
		return picked[0]
	}
	return ""
}

// Complete finalizes a Job once its transcription (and optional
// correction) has completed. failed indicates the provider call errored;
// per §7, the resulting segment still carries the job's id/range with
// empty text, and a failed REPROCESSED does not retire recent_chunks.
func (c *Controller) Complete(job Job, textRaw, textCorrected string, processingMs int64, failed bool) Segment {
	seg := Segment{
		ID:            job.segmentID,
		StartIndex:    job.StartIndex,
		EndIndex:      job.EndIndex,
		Kind:          job.Kind,
		Replaces:      job.Replaces,
		TextRaw:       textRaw,
		TextCorrected: textCorrected,
		ProcessingMs:  processingMs,
	}

	if failed {
		if job.Kind == KindReprocessed {
			seg.Replaces = nil
		}
		return seg
	}

	c.acceptSegment(seg)
	return seg
}

func (c *Controller) acceptSegment(seg Segment) {
	if seg.Kind == KindTimeoutChunk {
		for _, rc := range c.recentChunks {
			if rc.ID == seg.ID {
				rc.TextRaw = seg.TextRaw
			}
		}
	}
	if seg.Kind == KindReprocessed {
		c.removeFromHistory(seg.Replaces)
	}

	text := seg.TextCorrected
	if text == "" {
		text = seg.TextRaw
	}
	if text == "" {
		return
	}
	c.history = append(c.history, historyEntry{id: seg.ID, text: text})
	if len(c.history) > c.cfg.HistoryCap {
		c.history = c.history[1:]
	}
}

func (c *Controller) removeFromHistory(ids []int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := c.history[:0]
	for _, h := range c.history {
		if !drop[h.id] {
			kept = append(kept, h)
		}
	}
	c.history = kept
}

// CheckIdleTrim implements the IDLE-state silence-keep rule: once idle
// buffer duration reaches SilenceKeep, trim the prefix down to the last
// MaxSegmentDuration worth of samples.
func (c *Controller) CheckIdleTrim(baseOffset, nowIndex int64) (TrimAction, bool) {
	if c.state != StateIdle {
		return TrimAction{}, false
	}
	rate := float64(c.cfg.rate())
	idleDuration := float64(nowIndex-baseOffset) / rate
	if idleDuration < c.cfg.SilenceKeep {
		return TrimAction{}, false
	}
	keepSamples := int64(c.cfg.MaxSegmentDuration * rate)
	trimTo := nowIndex - keepSamples
	if trimTo < baseOffset {
		return TrimAction{}, false
	}
	return TrimAction{Index: trimTo}, true
}

// Stop treats an explicit control "stop" as a synthetic speech->silence
// edge when the controller is ACTIVE.
func (c *Controller) Stop(nowIndex int64) []Job {
	if c.state != StateActive {
		return nil
	}
	return c.onSpeechToSilence(nowIndex)
}

// Reset discards all controller state, returning to IDLE.
func (c *Controller) Reset() {
	c.state = StateIdle
	c.utteranceStartSet = false
	c.lastChunkEnd = 0
	c.recentChunks = nil
	c.history = nil
}

func idsOf(segs []*Segment) []int64 {
	ids := make([]int64, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	return ids
}
