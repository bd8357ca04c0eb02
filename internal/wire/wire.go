// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_type "github.com/rapidaai/listen-api/internal/type"
)

// Opcodes, u32 little-endian message prefix. 1xx flow client -> server,
// 2xx flow server -> client.
const (
	OpAudioFrame      uint32 = 101
	OpSetConversation uint32 = 103
	OpPing            uint32 = 104
	OpPong            uint32 = 105
	OpCodecHint       uint32 = 106

	OpSegment           uint32 = 200
	OpSegmentSuperseded uint32 = 201
	OpSessionEnd        uint32 = 202
)

const headerSize = 4

// AudioFrame is a reassembled inbound audio message.
type AudioFrame struct {
	// Timestamp is the device-side capture time in seconds when present;
	// the reassembler substitutes receive time when the device sends zero.
	Timestamp float64
	Codec     internal_audio.Codec
	Payload   []byte
}

// ControlKind discriminates non-audio inbound messages.
type ControlKind int

const (
	ControlPing ControlKind = iota + 1
	ControlPong
	ControlSetConversation
	ControlCodecHint
)

// ControlEvent is a reassembled inbound control message.
type ControlEvent struct {
	Kind           ControlKind
	ConversationID string
	Codec          internal_audio.Codec
	SampleRate     int
}

// ============================================================================
// Inbound: parsing
// ============================================================================

// ParseMessage decodes one opcode-prefixed message. Exactly one of frame and
// control is non-nil on success. The session codec is stamped onto audio
// frames; CODEC_HINT overrides it via the caller.
func ParseMessage(data []byte, sessionCodec internal_audio.Codec) (*AudioFrame, *ControlEvent, error) {
	if len(data) < headerSize {
		return nil, nil, fmt.Errorf("%w: message shorter than opcode header (%d bytes)", internal_type.ErrInvalidFrame, len(data))
	}
	opcode := binary.LittleEndian.Uint32(data)
	body := data[headerSize:]

	switch opcode {
	case OpAudioFrame:
		if len(body) < 8 {
			return nil, nil, fmt.Errorf("%w: audio frame truncated before timestamp", internal_type.ErrInvalidFrame)
		}
		ts := math.Float64frombits(binary.LittleEndian.Uint64(body))
		payload := body[8:]
		if len(payload) == 0 {
			return nil, nil, fmt.Errorf("%w: audio frame with empty payload", internal_type.ErrInvalidFrame)
		}
		if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
			return nil, nil, fmt.Errorf("%w: audio frame with invalid timestamp %f", internal_type.ErrInvalidFrame, ts)
		}
		return &AudioFrame{Timestamp: ts, Codec: sessionCodec, Payload: payload}, nil, nil

	case OpSetConversation:
		if len(body) == 0 || !utf8.Valid(body) {
			return nil, nil, fmt.Errorf("%w: SET_CONVERSATION with invalid utf-8 id", internal_type.ErrInvalidFrame)
		}
		return nil, &ControlEvent{Kind: ControlSetConversation, ConversationID: string(body)}, nil

	case OpPing:
		return nil, &ControlEvent{Kind: ControlPing}, nil

	case OpPong:
		return nil, &ControlEvent{Kind: ControlPong}, nil

	case OpCodecHint:
		if len(body) < 5 {
			return nil, nil, fmt.Errorf("%w: CODEC_HINT truncated", internal_type.ErrInvalidFrame)
		}
		codec := internal_audio.Codec(body[0])
		switch codec {
		case internal_audio.CodecOpus, internal_audio.CodecPCM16, internal_audio.CodecPCM8,
			internal_audio.CodecMulaw, internal_audio.CodecAlaw:
		default:
			return nil, nil, fmt.Errorf("%w: CODEC_HINT with unknown codec tag %d", internal_type.ErrInvalidFrame, body[0])
		}
		rate := int(binary.LittleEndian.Uint32(body[1:]))
		if rate <= 0 {
			return nil, nil, fmt.Errorf("%w: CODEC_HINT with non-positive sample rate", internal_type.ErrInvalidFrame)
		}
		return nil, &ControlEvent{Kind: ControlCodecHint, Codec: codec, SampleRate: rate}, nil
	}

	return nil, nil, fmt.Errorf("%w: unknown opcode %d", internal_type.ErrInvalidFrame, opcode)
}

// ============================================================================
// Outbound: encoding
// ============================================================================

func encode(opcode uint32, body []byte) []byte {
	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(out, opcode)
	copy(out[headerSize:], body)
	return out
}

// EncodeSegment renders a SEGMENT message.
func EncodeSegment(seg internal_type.CanonicalSegment) ([]byte, error) {
	body, err := json.Marshal(seg)
	if err != nil {
		return nil, err
	}
	return encode(OpSegment, body), nil
}

// EncodeSuperseded renders a SEGMENT_SUPERSEDED message.
func EncodeSuperseded(n internal_type.SupersededNotice) ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return encode(OpSegmentSuperseded, body), nil
}

// EncodeSessionEnd renders the final SESSION_END message.
func EncodeSessionEnd(reason internal_type.EndReason) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"reason": string(reason)})
	if err != nil {
		return nil, err
	}
	return encode(OpSessionEnd, body), nil
}

// EncodePong renders a PONG heartbeat reply.
func EncodePong() []byte {
	return encode(OpPong, nil)
}

// EncodeAudioFrame renders an AUDIO_FRAME message. Used by the replay tool
// and tests; the server never sends audio to the client.
func EncodeAudioFrame(timestamp float64, payload []byte) []byte {
	body := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(body, math.Float64bits(timestamp))
	copy(body[8:], payload)
	return encode(OpAudioFrame, body)
}

// EncodeSetConversation renders a SET_CONVERSATION message (client side /
// tests).
func EncodeSetConversation(id string) []byte {
	return encode(OpSetConversation, []byte(id))
}

// EncodeCodecHint renders a CODEC_HINT message (client side / tests).
func EncodeCodecHint(codec internal_audio.Codec, sampleRate int) []byte {
	body := make([]byte, 5)
	body[0] = byte(codec)
	binary.LittleEndian.PutUint32(body[1:], uint32(sampleRate))
	return encode(OpCodecHint, body)
}

// EncodePing renders a PING message (client side / tests).
func EncodePing() []byte {
	return encode(OpPing, nil)
}
