// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_wire

import (
	"fmt"
	"sync/atomic"

	"github.com/rapidaai/listen-api/pkg/commons"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_type "github.com/rapidaai/listen-api/internal/type"
)

// Reassembler turns the raw inbound message stream into audio frames and
// control events. Malformed messages are logged and dropped; a run of
// consecutive failures past the limit escalates to SessionFatal so a
// misbehaving client cannot spin the read loop forever.
//
// The reassembler also owns the session codec: CODEC_HINT messages override
// the codec stamped onto subsequent audio frames.
type Reassembler struct {
	logger commons.Logger

	codec      internal_audio.Codec
	sampleRate int

	invalidLimit        int
	consecutiveInvalid  int
	invalidFramesTotal  atomic.Uint64
	framesTotal         atomic.Uint64
	controlEventsTotal  atomic.Uint64
	defaultTimestampSub func() float64 // receive-time substitute for zero device timestamps
}

// NewReassembler builds a reassembler with the session's initial codec and
// sample rate. invalidLimit is the consecutive-failure escalation threshold.
func NewReassembler(logger commons.Logger, codec internal_audio.Codec, sampleRate, invalidLimit int, receiveClock func() float64) *Reassembler {
	if invalidLimit <= 0 {
		invalidLimit = 32
	}
	return &Reassembler{
		logger:              logger,
		codec:               codec,
		sampleRate:          sampleRate,
		invalidLimit:        invalidLimit,
		defaultTimestampSub: receiveClock,
	}
}

// Codec returns the current session codec (initial or last CODEC_HINT).
func (r *Reassembler) Codec() internal_audio.Codec { return r.codec }

// SampleRate returns the current input sample rate.
func (r *Reassembler) SampleRate() int { return r.sampleRate }

// InvalidFrames returns the count of dropped malformed messages.
func (r *Reassembler) InvalidFrames() uint64 { return r.invalidFramesTotal.Load() }

// Frames returns the count of accepted audio frames.
func (r *Reassembler) Frames() uint64 { return r.framesTotal.Load() }

// Ingest parses one raw message. On a malformed message it returns
// (nil, nil, nil) after logging and counting — unless the consecutive
// failure budget is exhausted, in which case it returns an error wrapping
// ErrSessionFatal. A CODEC_HINT is applied internally and surfaced as a
// control event.
func (r *Reassembler) Ingest(data []byte) (*AudioFrame, *ControlEvent, error) {
	frame, control, err := ParseMessage(data, r.codec)
	if err != nil {
		r.invalidFramesTotal.Add(1)
		r.consecutiveInvalid++
		if r.consecutiveInvalid > r.invalidLimit {
			return nil, nil, fmt.Errorf("%w: %d consecutive invalid frames (last: %v)",
				internal_type.ErrSessionFatal, r.consecutiveInvalid, err)
		}
		r.logger.Warnw("Dropping malformed wire message",
			"error", err, "consecutive", r.consecutiveInvalid, "limit", r.invalidLimit)
		return nil, nil, nil
	}
	r.consecutiveInvalid = 0

	if control != nil {
		r.controlEventsTotal.Add(1)
		if control.Kind == ControlCodecHint {
			r.codec = control.Codec
			r.sampleRate = control.SampleRate
			r.logger.Infow("Codec hint applied", "codec", control.Codec.String(), "sampleRate", control.SampleRate)
		}
		return nil, control, nil
	}

	r.framesTotal.Add(1)
	if frame.Timestamp == 0 && r.defaultTimestampSub != nil {
		frame.Timestamp = r.defaultTimestampSub()
	}
	return frame, nil, nil
}
