// Package audiobuf implements the per-session audio sample store: an
// append-only buffer of normalized float samples addressed by an absolute
// sample index that survives prefix trimming.
package audiobuf

import (
	"math"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
)

// Buffer is an append-only store of normalized [-1, 1] float samples,
// indexed by an absolute sample index that is stable across trims.
//
// Not safe for concurrent use; callers serialize access per session.
type Buffer struct {
	samples    []float32
	sampleRate int
	baseOffset int64 // absolute index of samples[0]
}

// New creates an empty Buffer at the given sample rate.
func New(sampleRate int) *Buffer {
	return &Buffer{sampleRate: sampleRate}
}

// SampleRate returns the buffer's fixed sample rate.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Append clips each sample to [-1, 1] and appends it. Empty input is a
// no-op.
func (b *Buffer) Append(samples []float32) {
	for _, s := range samples {
		b.samples = append(b.samples, clip(s))
	}
}

func clip(x float32) float32 {
	if x > 1.0 {
		return 1.0
	}
	if x < -1.0 {
		return -1.0
	}
	return x
}

// Length returns the current sample count.
func (b *Buffer) Length() int { return len(b.samples) }

// Duration returns the current buffered duration in seconds.
func (b *Buffer) Duration() float64 {
	if b.sampleRate == 0 {
		return 0
	}
	return float64(len(b.samples)) / float64(b.sampleRate)
}

// BaseOffset returns the absolute index of the oldest sample still held.
func (b *Buffer) BaseOffset() int64 { return b.baseOffset }

// End returns the absolute index one past the newest sample (the "now"
// index the Segmentation Controller drives off of).
func (b *Buffer) End() int64 { return b.baseOffset + int64(len(b.samples)) }

// Extract returns a copy of the half-open absolute range [startAbs, endAbs).
// endAbs == -1 means "to current end". Fails with AUDIO_PROCESSING_ERROR if
// startAbs is outside [baseOffset, baseOffset+length].
func (b *Buffer) Extract(startAbs, endAbs int64) ([]float32, error) {
	end := b.End()
	if endAbs < 0 {
		endAbs = end
	}
	if startAbs < b.baseOffset || startAbs > end {
		return nil, gatewayerr.New(gatewayerr.AudioProcessingError, "extract range out of bounds").
			WithDetails(map[string]any{"start_abs": startAbs, "base_offset": b.baseOffset, "end": end})
	}
	if endAbs < startAbs {
		endAbs = startAbs
	}
	if endAbs > end {
		endAbs = end
	}
	lo := startAbs - b.baseOffset
	hi := endAbs - b.baseOffset
	out := make([]float32, hi-lo)
	copy(out, b.samples[lo:hi])
	return out, nil
}

// TrimBefore drops all samples with absolute index < absIndex. Idempotent
// if absIndex <= BaseOffset().
func (b *Buffer) TrimBefore(absIndex int64) {
	if absIndex <= b.baseOffset {
		return
	}
	end := b.End()
	if absIndex >= end {
		b.samples = b.samples[:0]
		b.baseOffset = end
		return
	}
	drop := absIndex - b.baseOffset
	b.samples = append([]float32(nil), b.samples[drop:]...)
	b.baseOffset = absIndex
}

// Clear discards all samples; BaseOffset becomes the current End().
func (b *Buffer) Clear() {
	b.baseOffset = b.End()
	b.samples = b.samples[:0]
}

// RMS returns the root-mean-square level of the half-open absolute range.
func (b *Buffer) RMS(startAbs, endAbs int64) (float64, error) {
	seg, err := b.Extract(startAbs, endAbs)
	if err != nil {
		return 0, err
	}
	if len(seg) == 0 {
		return 0, nil
	}
	var sumSq float64
	for _, s := range seg {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(seg))), nil
}

// Peak returns the maximum absolute sample value in the half-open range.
func (b *Buffer) Peak(startAbs, endAbs int64) (float64, error) {
	seg, err := b.Extract(startAbs, endAbs)
	if err != nil {
		return 0, err
	}
	var peak float64
	for _, s := range seg {
		a := math.Abs(float64(s))
		if a > peak {
			peak = a
		}
	}
	return peak, nil
}
