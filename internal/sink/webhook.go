// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sink

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	webhookTimeout = 5 * time.Second

	// DefaultMirrorInterval is how much audio accumulates before a raw
	// mirror flush.
	DefaultMirrorInterval = 5 * time.Second
)

// segmentPayload is the developer webhook body.
type segmentPayload struct {
	SessionID string                          `json:"session_id"`
	OwnerID   string                          `json:"uid"`
	Segments  []internal_type.CanonicalSegment `json:"segments"`
}

// WebhookSink delivers best-effort copies of the output: final segments to
// the developer webhook, raw ungated audio to the mirror endpoint. Failures
// are logged and never touch the session.
type WebhookSink struct {
	logger commons.Logger
	client *resty.Client

	sessionID  string
	ownerID    string
	segmentURL string
	mirrorURL  string

	mirrorEvery time.Duration

	mu     sync.Mutex
	buffer []byte

	wg sync.WaitGroup
}

// NewWebhookSink builds a sink; either URL may be empty to disable that leg.
func NewWebhookSink(logger commons.Logger, sessionID, ownerID, segmentURL, mirrorURL string) *WebhookSink {
	client := resty.New().
		SetTimeout(webhookTimeout).
		SetRetryCount(1)
	return &WebhookSink{
		logger:      logger,
		client:      client,
		sessionID:   sessionID,
		ownerID:     ownerID,
		segmentURL:  segmentURL,
		mirrorURL:   mirrorURL,
		mirrorEvery: DefaultMirrorInterval,
	}
}

// WithMirrorInterval overrides the raw audio flush interval.
func (s *WebhookSink) WithMirrorInterval(d time.Duration) *WebhookSink {
	if d > 0 {
		s.mirrorEvery = d
	}
	return s
}

// SendSegment posts one final segment asynchronously.
func (s *WebhookSink) SendSegment(seg *internal_type.CanonicalSegment) {
	if s.segmentURL == "" || !seg.IsFinal {
		return
	}
	payload := segmentPayload{
		SessionID: s.sessionID,
		OwnerID:   s.ownerID,
		Segments:  []internal_type.CanonicalSegment{*seg},
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := s.client.R().
			SetContext(context.Background()).
			SetBody(payload).
			Post(s.segmentURL)
		if err != nil {
			s.logger.Warnw("segment webhook failed", "url", s.segmentURL, "error", err)
			return
		}
		if resp.IsError() {
			s.logger.Warnw("segment webhook rejected", "url", s.segmentURL, "status", resp.StatusCode())
		}
	}()
}

// MirrorAudio buffers canonical PCM and flushes once the interval's worth
// has accumulated. The mirror sees the raw stream, not the gated one.
func (s *WebhookSink) MirrorAudio(pcm []byte) {
	if s.mirrorURL == "" {
		return
	}
	rate := internal_audio.InternalAudioConfig.SampleRate
	flushBytes := int(s.mirrorEvery.Seconds()) * rate * internal_audio.BytesPerSample

	s.mu.Lock()
	s.buffer = append(s.buffer, pcm...)
	var chunk []byte
	if len(s.buffer) >= flushBytes {
		chunk = s.buffer
		s.buffer = nil
	}
	s.mu.Unlock()

	if chunk != nil {
		s.postMirror(chunk)
	}
}

// Flush posts whatever audio remains. Called once at session end.
func (s *WebhookSink) Flush() {
	if s.mirrorURL == "" {
		return
	}
	s.mu.Lock()
	chunk := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if len(chunk) > 0 {
		s.postMirror(chunk)
	}
}

// Wait blocks until in-flight posts complete. Bounded by the client
// timeout.
func (s *WebhookSink) Wait() {
	s.wg.Wait()
}

func (s *WebhookSink) postMirror(chunk []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := s.client.R().
			SetContext(context.Background()).
			SetHeader("Content-Type", "application/octet-stream").
			SetQueryParam("sample_rate", strconv.Itoa(internal_audio.InternalAudioConfig.SampleRate)).
			SetQueryParam("uid", s.ownerID).
			SetQueryParam("session_id", s.sessionID).
			SetBody(chunk).
			Post(s.mirrorURL)
		if err != nil {
			s.logger.Warnw("audio mirror failed", "url", s.mirrorURL, "error", err)
			return
		}
		if resp.IsError() {
			s.logger.Warnw("audio mirror rejected", "url", s.mirrorURL, "status", resp.StatusCode())
		}
	}()
}
