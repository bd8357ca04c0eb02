// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_soniox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	defaultEndpoint = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel    = "stt-rt-preview"
	writeTimeout    = 5 * time.Second
)

// streamConfig is the first frame of the soniox realtime protocol.
type streamConfig struct {
	APIKey            string          `json:"api_key"`
	Model             string          `json:"model"`
	AudioFormat       string          `json:"audio_format"`
	SampleRate        int             `json:"sample_rate"`
	NumChannels       int             `json:"num_channels"`
	LanguageHints     []string        `json:"language_hints,omitempty"`
	EnableDiarization bool            `json:"enable_speaker_diarization,omitempty"`
	Translation       *translationCfg `json:"translation,omitempty"`
}

type translationCfg struct {
	Type           string `json:"type"`
	TargetLanguage string `json:"target_language"`
}

type serverToken struct {
	Text              string  `json:"text"`
	StartMs           int     `json:"start_ms"`
	EndMs             int     `json:"end_ms"`
	IsFinal           bool    `json:"is_final"`
	Speaker           string  `json:"speaker"`
	Confidence        float64 `json:"confidence"`
	Language          string  `json:"language"`
	TranslationStatus string  `json:"translation_status"`
	SourceLanguage    string  `json:"source_language"`
}

type serverMessage struct {
	Tokens       []serverToken `json:"tokens"`
	Finished     bool          `json:"finished"`
	ErrorCode    int           `json:"error_code"`
	ErrorMessage string        `json:"error_message"`
}

// ============================================================================
// Soniox realtime client
// ============================================================================

// Client is the soniox realtime link. It serves both the fallback
// transcription role and the translation role; translation streams tag
// emitted events with the source language they translate.
type Client struct {
	logger   commons.Logger
	apiKey   string
	endpoint string

	translation bool
	targetLang  string

	conn    *websocket.Conn
	events  chan internal_provider.Event
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

var _ internal_provider.Provider = (*Client)(nil)

// NewClient builds an unopened soniox link.
func NewClient(logger commons.Logger, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("illegal soniox config: missing api key")
	}
	return &Client{
		logger:   logger,
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		events:   make(chan internal_provider.Event, 64),
	}, nil
}

// NewTranslationClient builds a link that translates the stream into
// targetLanguage instead of transcribing it verbatim.
func NewTranslationClient(logger commons.Logger, apiKey, targetLanguage string) (*Client, error) {
	c, err := NewClient(logger, apiKey)
	if err != nil {
		return nil, err
	}
	if targetLanguage == "" {
		return nil, fmt.Errorf("illegal soniox config: missing target language")
	}
	c.translation = true
	c.targetLang = targetLanguage
	return c, nil
}

func (c *Client) Name() internal_type.ProviderTag {
	return internal_type.ProviderSoniox
}

// Open dials the realtime endpoint and sends the stream config frame.
func (c *Client) Open(ctx context.Context, opts internal_provider.StreamOptions) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("soniox dial: %w: %v", internal_type.ErrProviderTransient, err)
	}

	cfg := streamConfig{
		APIKey:            c.apiKey,
		Model:             opts.Extra.GetString("listen.model", defaultModel),
		AudioFormat:       "pcm_s16le",
		SampleRate:        opts.SampleRate,
		NumChannels:       opts.Channels,
		EnableDiarization: opts.Diarize,
	}
	if opts.Language != "" {
		cfg.LanguageHints = []string{opts.Language}
	}
	if c.translation {
		cfg.Translation = &translationCfg{Type: "one_way", TargetLanguage: c.targetLang}
	}

	if err := conn.WriteJSON(cfg); err != nil {
		_ = conn.Close()
		return fmt.Errorf("soniox config: %w: %v", internal_type.ErrProviderTransient, err)
	}

	c.conn = conn
	go c.readLoop()
	c.push(internal_provider.Event{State: internal_provider.LinkReady})
	return nil
}

// SendAudio forwards canonical PCM16 bytes as one binary frame.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return internal_type.ErrProviderDead
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("soniox write: %w: %v", internal_type.ErrProviderTransient, err)
	}
	return nil
}

// Finalize asks the server to flush non-final tokens.
func (c *Client) Finalize() error {
	return c.writeControl(`{"type":"finalize"}`)
}

// KeepAlive holds the stream open across gated silence.
func (c *Client) KeepAlive() error {
	return c.writeControl(`{"type":"keepalive"}`)
}

func (c *Client) writeControl(payload string) error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return internal_type.ErrProviderDead
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return fmt.Errorf("soniox control: %w: %v", internal_type.ErrProviderTransient, err)
	}
	return nil
}

func (c *Client) Events() <-chan internal_provider.Event {
	return c.events
}

// Close signals end-of-audio with an empty text frame and tears down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	close(c.events)
	return nil
}

func (c *Client) push(ev internal_provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("soniox event channel full, dropping")
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.push(internal_provider.Event{
					State: internal_provider.LinkDead,
					Err:   fmt.Errorf("soniox read: %w: %v", internal_type.ErrProviderTransient, err),
				})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("soniox malformed message", "error", err)
			continue
		}
		if msg.ErrorCode != 0 {
			c.push(internal_provider.Event{
				State: internal_provider.LinkDead,
				Err:   fmt.Errorf("soniox stream %d: %s: %w", msg.ErrorCode, msg.ErrorMessage, internal_type.ErrProviderTransient),
			})
			return
		}
		c.emitTokens(msg.Tokens)
		if msg.Finished {
			c.push(internal_provider.Event{State: internal_provider.LinkDraining})
			return
		}
	}
}

// emitTokens coalesces token runs into segment events. A run breaks on
// speaker change or on a gap larger than one second.
func (c *Client) emitTokens(tokens []serverToken) {
	var (
		run     []serverToken
		speaker string
		lastEnd int
	)
	flush := func() {
		if len(run) == 0 {
			return
		}
		c.push(internal_provider.Event{State: internal_provider.LinkReady, Transcript: c.runToEvent(run)})
		run = nil
	}
	for _, tok := range tokens {
		if tok.Text == "" {
			continue
		}
		if len(run) > 0 && (tok.Speaker != speaker || tok.StartMs-lastEnd > 1000) {
			flush()
		}
		if len(run) == 0 {
			speaker = tok.Speaker
		}
		run = append(run, tok)
		lastEnd = tok.EndMs
	}
	flush()
}

func (c *Client) runToEvent(run []serverToken) *internal_type.TranscriptEvent {
	var sb strings.Builder
	final := true
	var confSum float64
	for _, tok := range run {
		sb.WriteString(tok.Text)
		if !tok.IsFinal {
			final = false
		}
		confSum += tok.Confidence
	}
	first, last := run[0], run[len(run)-1]

	ev := &internal_type.TranscriptEvent{
		Provider:   internal_type.ProviderSoniox,
		SegmentID:  fmt.Sprintf("sx-%d-%s", first.StartMs, first.Speaker),
		Start:      float64(first.StartMs) / 1000,
		End:        float64(last.EndMs) / 1000,
		Text:       strings.TrimSpace(sb.String()),
		SpeakerID:  first.Speaker,
		Confidence: confSum / float64(len(run)),
		IsFinal:    final,
		Language:   first.Language,
	}
	if c.translation {
		ev.Language = c.targetLang
		ev.TranslationOf = first.SourceLanguage
		if ev.TranslationOf == "" {
			ev.TranslationOf = first.Language
		}
	}
	return ev
}
