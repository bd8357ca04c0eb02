package internal_decoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
)

func newPCM16Decoder(t *testing.T, rate int) *Decoder {
	t.Helper()
	d, err := New(commons.NewNopLogger(), internal_audio.CodecPCM16, rate, 100*time.Millisecond)
	require.NoError(t, err)
	return d
}

func pcm16Frame(ts float64, samples []int16) *internal_wire.AudioFrame {
	return &internal_wire.AudioFrame{
		Timestamp: ts,
		Codec:     internal_audio.CodecPCM16,
		Payload:   internal_audio.SamplesToBytes(samples),
	}
}

// 20ms of pcm16 at 16kHz
func windowSamples(value int16) []int16 {
	s := make([]int16, internal_audio.WindowSamples)
	for i := range s {
		s[i] = value
	}
	return s
}

func TestNew_RejectsBadRate(t *testing.T) {
	_, err := New(commons.NewNopLogger(), internal_audio.CodecPCM16, 0, 0)
	assert.Error(t, err)
}

func TestDecode_PCM16Identity(t *testing.T) {
	d := newPCM16Decoder(t, 16000)
	in := windowSamples(1000)

	windows, err := d.Decode(pcm16Frame(0.0, in))
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, uint64(0), windows[0].Index)
	assert.Equal(t, uint64(0), windows[0].StartOffset)
	assert.Equal(t, in, windows[0].Samples)
}

func TestDecode_WindowIndexAndOffsetAdvance(t *testing.T) {
	d := newPCM16Decoder(t, 16000)

	for i := 0; i < 5; i++ {
		ts := float64(i) * 0.02
		windows, err := d.Decode(pcm16Frame(ts, windowSamples(int16(i))))
		require.NoError(t, err)
		require.Len(t, windows, 1)
		assert.Equal(t, uint64(i), windows[0].Index)
		assert.Equal(t, uint64(i*internal_audio.WindowSamples), windows[0].StartOffset)
	}
	assert.Equal(t, uint64(5), d.WindowIndex())
	assert.Equal(t, uint64(5*internal_audio.WindowSamples), d.SampleOffset())
}

func TestDecode_GapInsertsSingleZeroWindow(t *testing.T) {
	d := newPCM16Decoder(t, 16000)

	_, err := d.Decode(pcm16Frame(0.0, windowSamples(500)))
	require.NoError(t, err)

	// Timestamp jumps 250ms ahead of the 20ms of audio delivered so far.
	windows, err := d.Decode(pcm16Frame(0.27, windowSamples(500)))
	require.NoError(t, err)
	require.Len(t, windows, 2, "expected gap window + frame window")

	gap := windows[0]
	assert.Equal(t, uint64(1), gap.Index)
	for _, s := range gap.Samples {
		require.Equal(t, int16(0), s)
	}
	// 250ms gap at 16kHz = 4000 samples
	assert.InDelta(t, 4000, len(gap.Samples), 2)

	frame := windows[1]
	assert.Equal(t, uint64(2), frame.Index)
	assert.Equal(t, gap.StartOffset+uint64(len(gap.Samples)), frame.StartOffset)
}

func TestDecode_SmallJitterDoesNotInsertGap(t *testing.T) {
	d := newPCM16Decoder(t, 16000)

	_, err := d.Decode(pcm16Frame(0.0, windowSamples(500)))
	require.NoError(t, err)

	// 60ms ahead: below the 100ms threshold
	windows, err := d.Decode(pcm16Frame(0.08, windowSamples(500)))
	require.NoError(t, err)
	assert.Len(t, windows, 1)
}

func TestDecode_PCM8Conversion(t *testing.T) {
	d, err := New(commons.NewNopLogger(), internal_audio.CodecPCM8, 16000, 0)
	require.NoError(t, err)

	frame := &internal_wire.AudioFrame{
		Timestamp: 0.0,
		Codec:     internal_audio.CodecPCM8,
		Payload:   []byte{128, 255, 0},
	}
	windows, err := d.Decode(frame)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, []int16{0, 127 << 8, -128 << 8}, windows[0].Samples)
}

func TestDecode_MulawDecodes(t *testing.T) {
	d, err := New(commons.NewNopLogger(), internal_audio.CodecMulaw, 8000, 0)
	require.NoError(t, err)

	payload := make([]byte, 160) // 20ms at 8kHz
	for i := range payload {
		payload[i] = 0xFF // near-silence in µ-law
	}
	windows, err := d.Decode(&internal_wire.AudioFrame{Timestamp: 0, Codec: internal_audio.CodecMulaw, Payload: payload})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	// resampled 8k -> 16k: ~320 samples, all near zero
	assert.Equal(t, 320, len(windows[0].Samples))
	for _, s := range windows[0].Samples {
		assert.InDelta(t, 0, s, 64)
	}
}

func TestDecode_PCM16OddPayloadFailsDecode(t *testing.T) {
	d := newPCM16Decoder(t, 16000)
	_, err := d.Decode(&internal_wire.AudioFrame{Timestamp: 0, Codec: internal_audio.CodecPCM16, Payload: []byte{1}})
	assert.Error(t, err)
}

func TestReconfigure_KeepsTimelineContinuous(t *testing.T) {
	d := newPCM16Decoder(t, 16000)

	_, err := d.Decode(pcm16Frame(0.0, windowSamples(100)))
	require.NoError(t, err)

	require.NoError(t, d.Reconfigure(internal_audio.CodecMulaw, 8000))

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	windows, err := d.Decode(&internal_wire.AudioFrame{Timestamp: 0.02, Codec: internal_audio.CodecMulaw, Payload: payload})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, uint64(1), windows[0].Index)
	assert.Equal(t, uint64(internal_audio.WindowSamples), windows[0].StartOffset)
}
