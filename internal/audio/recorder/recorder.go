// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	AudioBitsPerSample = 16 // LINEAR16
	AudioPCMFormat     = 1  // WAV PCM format tag
)

var audioConfig = internal_audio.InternalAudioConfig

// maxRecordingBytes caps the in-memory recording at four hours of
// canonical audio.
const maxRecordingBytes = 4 * 3600 * 16000 * internal_audio.BytesPerSample

// chunk is a recorded fragment placed at its position on the session
// timeline. ByteOffset derives from the decoder's sample offset, so the
// rendered file lines up with transcript timestamps exactly.
type chunk struct {
	ByteOffset int
	Data       []byte
}

// Recorder accumulates the canonical ungated stream and renders it as one
// WAV at session end. Decode gaps stay silent in the output.
type Recorder struct {
	logger  commons.Logger
	enabled bool

	mu      sync.Mutex
	chunks  []chunk
	total   int
	clipped bool
}

// NewRecorder builds a recorder; a disabled one accepts and discards.
func NewRecorder(logger commons.Logger, enabled bool) *Recorder {
	return &Recorder{logger: logger, enabled: enabled}
}

// Record places one decoded window on the timeline.
func (r *Recorder) Record(w internal_audio.PcmWindow) {
	if !r.enabled || len(w.Samples) == 0 {
		return
	}
	offset := int(w.StartOffset) * internal_audio.BytesPerSample
	data := internal_audio.SamplesToBytes(w.Samples)

	r.mu.Lock()
	defer r.mu.Unlock()
	if offset+len(data) > maxRecordingBytes {
		if !r.clipped {
			r.clipped = true
			r.logger.Warnw("recording cap reached, discarding further audio",
				"capBytes", maxRecordingBytes)
		}
		return
	}
	r.chunks = append(r.chunks, chunk{ByteOffset: offset, Data: data})
	if end := offset + len(data); end > r.total {
		r.total = end
	}
}

// Duration is the recorded timeline length in seconds.
func (r *Recorder) Duration() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.total) / float64(bytesPerSecond())
}

// Persist renders the session WAV. Chunks are painted at their timeline
// positions; anything never written stays silence.
func (r *Recorder) Persist() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil, nil
	}
	if len(r.chunks) == 0 {
		return nil, fmt.Errorf("no audio recorded")
	}

	pcm := make([]byte, r.total)
	for _, c := range r.chunks {
		copy(pcm[c.ByteOffset:], c.Data)
	}

	r.logger.Infow("rendering session recording",
		"bytes", r.total,
		"seconds", float64(r.total)/float64(bytesPerSecond()),
		"chunks", len(r.chunks))

	return createWAVFile(pcm), nil
}

func bytesPerSecond() int {
	return audioConfig.SampleRate * audioConfig.Channels * internal_audio.BytesPerSample
}

func createWAVFile(pcmData []byte) []byte {
	var buf bytes.Buffer
	sampleRate := audioConfig.SampleRate
	channels := audioConfig.Channels
	bps := sampleRate * channels * internal_audio.BytesPerSample

	buf.Write([]byte("RIFF"))
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.Write([]byte("WAVE"))

	buf.Write([]byte("fmt "))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(AudioPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(bps))
	binary.Write(&buf, binary.LittleEndian, uint16(internal_audio.BytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(AudioBitsPerSample))

	// data chunk
	buf.Write([]byte("data"))
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)

	return buf.Bytes()
}
