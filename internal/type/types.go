// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"context"
	"errors"
)

// ProviderTag names an STT provider implementation.
type ProviderTag string

const (
	ProviderDeepgram ProviderTag = "deepgram"
	ProviderSoniox   ProviderTag = "soniox"
)

// TranscriptEvent is one asynchronous event from a provider link: an interim
// or final segment, or a translation of an already-transcribed span.
type TranscriptEvent struct {
	Provider   ProviderTag
	SegmentID  string
	Start      float64 // seconds, provider audio time
	End        float64
	Text       string
	SpeakerID  string // opaque provider label ("0", "spk_1", ...)
	Confidence float64
	IsFinal    bool
	Language   string

	// TranslationOf is set on translation-provider events: the language of
	// the authoritative text this event translates. Empty for transcript
	// events.
	TranslationOf string

	// Embedding optionally carries a provider-computed speaker embedding.
	Embedding []float32
}

// IsTranslation reports whether the event attaches to an existing segment
// rather than creating one.
func (e TranscriptEvent) IsTranslation() bool { return e.TranslationOf != "" }

// CanonicalSegment is a merged, speaker-resolved transcript segment. It is
// immutable once emitted downstream.
type CanonicalSegment struct {
	ID           string            `json:"id"`
	Start        float64           `json:"start"`
	End          float64           `json:"end"`
	Text         string            `json:"text"`
	SpeakerID    string            `json:"speaker_id"`
	IsUser       bool              `json:"is_user"`
	PersonID     string            `json:"person_id,omitempty"`
	Confidence   float64           `json:"confidence"`
	IsFinal      bool              `json:"is_final"`
	Language     string            `json:"language"`
	Translations map[string]string `json:"translations,omitempty"`
}

// SupersededNotice tells downstream that an earlier segment id was retired
// by an overlap merge.
type SupersededNotice struct {
	SupersededID string `json:"superseded_id"`
	ByID         string `json:"by_id"`
}

// PersonProfile is a read-only cached identity with its reference speaker
// embedding. Loaded once per session; never written by the pipeline.
type PersonProfile struct {
	PersonID    string
	DisplayName string
	Embedding   []float32
	// IsUser marks the session owner's own speech profile.
	IsUser bool
}

// EndReason is the closed set of session termination reasons sent to the
// client. No other values cross the wire.
type EndReason string

const (
	ReasonClientDisconnect EndReason = "client_disconnect"
	ReasonIdleTimeout      EndReason = "idle_timeout"
	ReasonProviderFailure  EndReason = "provider_failure"
	ReasonInternalError    EndReason = "internal_error"
)

// ============================================================================
// Error kinds
// ============================================================================

var (
	// ErrInvalidFrame marks malformed wire input; recovered locally.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrDecode marks unrecoverable codec corruption.
	ErrDecode = errors.New("decode error")
	// ErrProviderTransient marks a provider socket error that triggers
	// reconnect within budget.
	ErrProviderTransient = errors.New("provider transient failure")
	// ErrProviderDead marks a link whose retry budget is exhausted.
	ErrProviderDead = errors.New("provider dead")
	// ErrMerge marks a contract-violating transcript event; never fatal.
	ErrMerge = errors.New("merge contract violation")
	// ErrSinkSlow marks the client sink blocked past its deadline.
	ErrSinkSlow = errors.New("sink blocked past deadline")
	// ErrSessionStartTimeout marks the primary link failing to reach Ready
	// within the creation deadline.
	ErrSessionStartTimeout = errors.New("session start timeout")
	// ErrSessionFatal marks an unrecoverable session error; triggers
	// immediate shutdown.
	ErrSessionFatal = errors.New("session fatal")
	// ErrPersistFailed marks a persistence failure after session close.
	ErrPersistFailed = errors.New("persist failed")
)

// ============================================================================
// External collaborators (interface-level only, per scope)
// ============================================================================

// Persistence receives the merged transcript and optional recording at
// session finalisation. Implementations must be idempotent by session id.
type Persistence interface {
	PersistTranscript(ctx context.Context, sessionID, ownerID string, segments []CanonicalSegment, metadata map[string]interface{}) error
	PersistRecording(ctx context.Context, sessionID string, audio []byte) error
}

// Auth verifies the connection token once at session open.
type Auth interface {
	Verify(ctx context.Context, token string) (ownerID string, err error)
}

// ProfileStore loads the owner's person profiles (with reference
// embeddings) at session start. May return an empty slice.
type ProfileStore interface {
	LoadProfiles(ctx context.Context, ownerID string) ([]PersonProfile, error)
}

// SpeechProfileStore fetches the owner's recorded speech-profile audio as
// canonical PCM16 mono 16 kHz. Empty audio means no profile on record.
type SpeechProfileStore interface {
	LoadSpeechProfile(ctx context.Context, ownerID string) ([]byte, error)
}
