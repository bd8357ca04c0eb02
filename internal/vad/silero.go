// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vad

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// SileroDetector wraps the silero ONNX model. Constructed only when a model
// path is configured; the energy detector is the default.
type SileroDetector struct {
	logger   commons.Logger
	detector *speech.Detector
	buf      []float32
}

// NewSileroDetector loads the model for the canonical 16 kHz stream.
func NewSileroDetector(logger commons.Logger, modelPath string, threshold float64) (*SileroDetector, error) {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.5
	}
	sd, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            modelPath,
		SampleRate:           internal_audio.InternalAudioConfig.SampleRate,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	})
	if err != nil {
		return nil, fmt.Errorf("load silero model %q: %w", modelPath, err)
	}
	return &SileroDetector{logger: logger, detector: sd}, nil
}

// IsSpeech reports whether the model finds any speech segment in samples.
func (d *SileroDetector) IsSpeech(samples []int16) (bool, error) {
	if cap(d.buf) < len(samples) {
		d.buf = make([]float32, len(samples))
	}
	d.buf = d.buf[:len(samples)]
	for i, s := range samples {
		d.buf[i] = float32(s) / 32768.0
	}
	segments, err := d.detector.Detect(d.buf)
	if err != nil {
		return false, fmt.Errorf("silero detect: %w", err)
	}
	return len(segments) > 0, nil
}

func (d *SileroDetector) Reset() {
	if err := d.detector.Reset(); err != nil {
		d.logger.Warnw("silero reset failed", "error", err)
	}
}

func (d *SileroDetector) Close() {
	if err := d.detector.Destroy(); err != nil {
		d.logger.Warnw("silero destroy failed", "error", err)
	}
}
