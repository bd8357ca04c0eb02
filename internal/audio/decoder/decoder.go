// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_decoder

import (
	"fmt"
	"time"

	"github.com/zaf/g711"
	"gopkg.in/hraban/opus.v2"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_resampler "github.com/rapidaai/listen-api/internal/audio/resampler"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	// opusMaxFrameSamples bounds one Opus packet: 120 ms at 48 kHz.
	opusMaxFrameSamples = 5760

	// maxGapFill caps a single zero-fill insertion so a wildly wrong
	// device timestamp cannot allocate unbounded silence.
	maxGapFill = 30 * time.Second
)

// Decoder converts reassembled AudioFrames into canonical PcmWindows:
// PCM16 mono at 16 kHz, one window per input frame, with a strictly
// increasing gap-free window index. Timestamp gaps beyond the threshold
// are bridged with zero-filled windows so VAD and the raw-audio mirror can
// rely on a continuous sample timeline.
type Decoder struct {
	logger commons.Logger

	codec     internal_audio.Codec
	inputRate int

	opusDecoder *opus.Decoder
	resampler   *internal_resampler.Resampler

	windowIndex  uint64
	sampleOffset uint64

	anchorTimestamp float64
	anchored        bool

	gapThreshold time.Duration
}

// New builds a decoder for the session codec and input sample rate.
func New(logger commons.Logger, codec internal_audio.Codec, inputRate int, gapThreshold time.Duration) (*Decoder, error) {
	if inputRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate %d", inputRate)
	}
	if gapThreshold <= 0 {
		gapThreshold = 100 * time.Millisecond
	}
	d := &Decoder{
		logger:       logger,
		codec:        codec,
		inputRate:    inputRate,
		gapThreshold: gapThreshold,
	}
	if err := d.initCodec(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Decoder) initCodec() error {
	switch d.codec {
	case internal_audio.CodecOpus:
		// Opus decodes directly at the canonical rate; no resampling needed.
		dec, err := opus.NewDecoder(internal_audio.InternalAudioConfig.SampleRate, internal_audio.InternalAudioConfig.Channels)
		if err != nil {
			return fmt.Errorf("opus decoder init: %w", err)
		}
		d.opusDecoder = dec
		d.resampler = nil
	case internal_audio.CodecPCM16, internal_audio.CodecPCM8, internal_audio.CodecMulaw, internal_audio.CodecAlaw:
		d.opusDecoder = nil
		d.resampler = nil
		if d.inputRate != internal_audio.InternalAudioConfig.SampleRate {
			r, err := internal_resampler.New(d.inputRate, internal_audio.InternalAudioConfig.SampleRate)
			if err != nil {
				return fmt.Errorf("resampler init: %w", err)
			}
			d.resampler = r
		}
	default:
		return fmt.Errorf("unsupported codec %s", d.codec)
	}
	return nil
}

// Reconfigure switches codec and input rate mid-session (CODEC_HINT). The
// window index and sample offset carry over; the timeline stays continuous.
func (d *Decoder) Reconfigure(codec internal_audio.Codec, inputRate int) error {
	d.codec = codec
	if inputRate > 0 {
		d.inputRate = inputRate
	}
	return d.initCodec()
}

// ResetCodecState recreates the stateful Opus decoder after a DecodeError.
// Stateless codecs are a no-op.
func (d *Decoder) ResetCodecState() error {
	if d.codec != internal_audio.CodecOpus {
		return nil
	}
	return d.initCodec()
}

// WindowIndex returns the next window index to be assigned.
func (d *Decoder) WindowIndex() uint64 { return d.windowIndex }

// SampleOffset returns samples emitted since session start.
func (d *Decoder) SampleOffset() uint64 { return d.sampleOffset }

// Decode converts one frame. It returns zero or more windows: an optional
// zero-filled gap window followed by at most one window holding the frame's
// samples. Unrecoverable codec corruption returns an error wrapping
// ErrDecode; the caller decides between ResetCodecState and termination.
func (d *Decoder) Decode(frame *internal_wire.AudioFrame) ([]internal_audio.PcmWindow, error) {
	samples, err := d.decodePayload(frame)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		// Stateful decoder needs more data; nothing emitted for this frame.
		return nil, nil
	}

	var windows []internal_audio.PcmWindow
	if gap := d.gapWindow(frame.Timestamp); gap != nil {
		windows = append(windows, *gap)
	}
	windows = append(windows, d.nextWindow(samples))
	return windows, nil
}

// Flush emits anything a stateful codec still buffers. Opus packets decode
// whole, so there is never a tail; the method exists for the shutdown
// contract and future stateful codecs.
func (d *Decoder) Flush() []internal_audio.PcmWindow {
	return nil
}

func (d *Decoder) decodePayload(frame *internal_wire.AudioFrame) ([]int16, error) {
	switch frame.Codec {
	case internal_audio.CodecOpus:
		buf := make([]int16, opusMaxFrameSamples)
		n, err := d.opusDecoder.Decode(frame.Payload, buf)
		if err != nil {
			return nil, fmt.Errorf("%w: opus: %v", internal_type.ErrDecode, err)
		}
		return buf[:n], nil

	case internal_audio.CodecPCM16:
		if len(frame.Payload) < internal_audio.BytesPerSample {
			return nil, fmt.Errorf("%w: pcm16 payload of %d bytes", internal_type.ErrDecode, len(frame.Payload))
		}
		return d.resampleIfNeeded(internal_audio.BytesToSamples(frame.Payload)), nil

	case internal_audio.CodecPCM8:
		samples := make([]int16, len(frame.Payload))
		for i, b := range frame.Payload {
			samples[i] = (int16(b) - 128) << 8
		}
		return d.resampleIfNeeded(samples), nil

	case internal_audio.CodecMulaw:
		return d.resampleIfNeeded(internal_audio.BytesToSamples(g711.DecodeUlaw(frame.Payload))), nil

	case internal_audio.CodecAlaw:
		return d.resampleIfNeeded(internal_audio.BytesToSamples(g711.DecodeAlaw(frame.Payload))), nil
	}
	return nil, fmt.Errorf("%w: unsupported codec %s", internal_type.ErrDecode, frame.Codec)
}

func (d *Decoder) resampleIfNeeded(samples []int16) []int16 {
	if d.resampler == nil {
		return samples
	}
	return d.resampler.Resample(samples)
}

// gapWindow inserts silence when the device capture timestamp has run ahead
// of the sample timeline by more than the threshold.
func (d *Decoder) gapWindow(timestamp float64) *internal_audio.PcmWindow {
	if !d.anchored {
		d.anchorTimestamp = timestamp
		d.anchored = true
		return nil
	}
	expected := d.anchorTimestamp + float64(d.sampleOffset)/float64(internal_audio.InternalAudioConfig.SampleRate)
	delta := timestamp - expected
	if delta <= d.gapThreshold.Seconds() {
		return nil
	}
	if delta > maxGapFill.Seconds() {
		d.logger.Warnw("Capture timestamp gap exceeds fill cap, clamping",
			"gapSeconds", delta, "capSeconds", maxGapFill.Seconds())
		delta = maxGapFill.Seconds()
	}
	n := int(delta * float64(internal_audio.InternalAudioConfig.SampleRate))
	if n <= 0 {
		return nil
	}
	d.logger.Debugw("Inserting zero-filled gap window", "gapSeconds", delta, "samples", n)
	w := d.nextWindow(make([]int16, n))
	return &w
}

func (d *Decoder) nextWindow(samples []int16) internal_audio.PcmWindow {
	w := internal_audio.PcmWindow{
		Index:       d.windowIndex,
		StartOffset: d.sampleOffset,
		Samples:     samples,
	}
	d.windowIndex++
	d.sampleOffset += uint64(len(samples))
	return w
}
