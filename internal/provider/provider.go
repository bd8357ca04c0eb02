// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/utils"
)

// LinkState is the lifecycle position of one provider connection.
type LinkState int32

const (
	LinkConnecting LinkState = iota
	LinkReady
	LinkDraining
	LinkDead
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkReady:
		return "ready"
	case LinkDraining:
		return "draining"
	case LinkDead:
		return "dead"
	}
	return "unknown"
}

// Role is the function a link serves inside a session.
type Role string

const (
	RolePrimary     Role = "primary"
	RoleFallback    Role = "fallback"
	RoleTranslation Role = "translation"
)

// StreamOptions configures one provider stream. Audio is always the
// canonical internal format by the time it reaches a provider.
type StreamOptions struct {
	Language string
	// TargetLanguage is set on translation links only.
	TargetLanguage string
	SampleRate     int
	Channels       int
	Diarize        bool
	InterimResults bool
	// EndpointingMs is the provider-side silence endpointing, milliseconds.
	EndpointingMs int
	// Extra carries provider-specific handshake knobs ("listen.model",
	// "listen.keyterms", ...). Nil reads fall back to defaults.
	Extra utils.Option
}

// Event is what a provider link emits: either a transcript or a state
// change. Err is populated on LinkDead transitions.
type Event struct {
	Transcript *internal_type.TranscriptEvent
	State      LinkState
	Err        error
}

// Provider is one upstream speech-to-text connection. Implementations are
// not safe for concurrent SendAudio; the multiplexer serialises writes.
type Provider interface {
	Name() internal_type.ProviderTag

	// Open dials the provider and blocks until the stream is accepted or
	// ctx expires.
	Open(ctx context.Context, opts StreamOptions) error

	// SendAudio forwards canonical PCM16 LE bytes. Must not block on the
	// network indefinitely; implementations return ErrProviderTransient on
	// a broken pipe.
	SendAudio(pcm []byte) error

	// Finalize asks the provider to flush pending partials to finals.
	Finalize() error

	// KeepAlive holds the stream open across gated silence.
	KeepAlive() error

	// Events yields transcripts and state transitions. Closed after Close.
	Events() <-chan Event

	// Close drains and tears down the stream. Idempotent.
	Close() error
}
