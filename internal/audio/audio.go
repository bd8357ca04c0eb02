// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Codec identifies the on-wire audio payload encoding. Values match the
// wire-protocol codec tags.
type Codec uint8

const (
	CodecOpus  Codec = 1
	CodecPCM16 Codec = 2
	CodecPCM8  Codec = 3
	CodecMulaw Codec = 4
	CodecAlaw  Codec = 5
)

func (c Codec) String() string {
	switch c {
	case CodecOpus:
		return "opus"
	case CodecPCM16:
		return "pcm16"
	case CodecPCM8:
		return "pcm8"
	case CodecMulaw:
		return "mulaw"
	case CodecAlaw:
		return "alaw"
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

// ParseCodec maps the session query-parameter codec name to a Codec tag.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "opus":
		return CodecOpus, nil
	case "pcm16":
		return CodecPCM16, nil
	case "pcm8":
		return CodecPCM8, nil
	case "mulaw":
		return CodecMulaw, nil
	case "alaw":
		return CodecAlaw, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

// AudioConfig describes a PCM stream shape.
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Canonical internal format: everything downstream of the decoder is
// linear16 mono at 16 kHz.
var InternalAudioConfig = AudioConfig{SampleRate: 16000, Channels: 1}

const (
	// BytesPerSample for linear16.
	BytesPerSample = 2

	// WindowDuration is the inner-frame unit the pipeline operates on.
	WindowDurationMs = 20
)

var (
	// WindowSamples is samples per 20 ms window at the canonical rate.
	WindowSamples = InternalAudioConfig.SampleRate * WindowDurationMs / 1000

	// WindowBytes is the byte size of one canonical window.
	WindowBytes = WindowSamples * BytesPerSample
)

// PcmWindow is one gap-free 20 ms unit of canonical PCM. Index is strictly
// increasing per session; StartOffset is samples since session start.
type PcmWindow struct {
	Index       uint64
	StartOffset uint64
	Samples     []int16
}

// Duration returns the window length in seconds.
func (w PcmWindow) Duration() float64 {
	return float64(len(w.Samples)) / float64(InternalAudioConfig.SampleRate)
}

// StartSeconds returns the window start relative to session start.
func (w PcmWindow) StartSeconds() float64 {
	return float64(w.StartOffset) / float64(InternalAudioConfig.SampleRate)
}

// Bytes renders the samples as little-endian PCM16.
func (w PcmWindow) Bytes() []byte {
	return SamplesToBytes(w.Samples)
}

// RMS computes the normalised root-mean-square energy of the window in
// [0.0, 1.0].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// SamplesToBytes renders int16 samples as little-endian PCM16 bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToSamples parses little-endian PCM16 bytes into int16 samples. A
// trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	n := len(data) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}
