// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_deepgram

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const defaultModel = "nova-2"

// ============================================================================
// Deepgram live client
// ============================================================================

// Client is the deepgram live-transcription link.
type Client struct {
	logger commons.Logger
	apiKey string
	model  string

	conn   *listen.WSCallback
	events chan internal_provider.Event

	mu     sync.Mutex
	closed bool
}

var _ internal_provider.Provider = (*Client)(nil)

// NewClient builds an unopened deepgram link.
func NewClient(logger commons.Logger, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("illegal deepgram config: missing api key")
	}
	return &Client{
		logger: logger,
		apiKey: apiKey,
		model:  defaultModel,
		events: make(chan internal_provider.Event, 64),
	}, nil
}

func (c *Client) Name() internal_type.ProviderTag {
	return internal_type.ProviderDeepgram
}

// Open dials the live websocket and waits for the stream to be accepted.
func (c *Client) Open(ctx context.Context, opts internal_provider.StreamOptions) error {
	tOptions := c.liveOptions(opts)
	cOptions := &interfaces.ClientOptions{
		APIKey:          c.apiKey,
		EnableKeepAlive: true,
	}

	conn, err := listen.NewWSUsingCallback(ctx, c.apiKey, cOptions, tOptions, &callbackHandler{client: c})
	if err != nil {
		return fmt.Errorf("deepgram dial: %w", err)
	}
	if ok := conn.Connect(); !ok {
		return fmt.Errorf("deepgram connect: %w", internal_type.ErrProviderTransient)
	}
	c.conn = conn
	return nil
}

func (c *Client) liveOptions(opts internal_provider.StreamOptions) *interfaces.LiveTranscriptionOptions {
	language := opts.Language
	if language == "" {
		language = "en"
	}
	endpointing := "300"
	if opts.EndpointingMs > 0 {
		endpointing = strconv.Itoa(opts.EndpointingMs)
	}
	return &interfaces.LiveTranscriptionOptions{
		Model:          opts.Extra.GetString("listen.model", c.model),
		Language:       language,
		Encoding:       "linear16",
		SampleRate:     opts.SampleRate,
		Channels:       opts.Channels,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: opts.InterimResults,
		Diarize:        opts.Diarize,
		Endpointing:    endpointing,
		NoDelay:        true,
	}
}

// SendAudio writes canonical PCM16 bytes to the live stream.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return internal_type.ErrProviderDead
	}
	if _, err := c.conn.Write(pcm); err != nil {
		return fmt.Errorf("deepgram write: %w: %v", internal_type.ErrProviderTransient, err)
	}
	return nil
}

// Finalize flushes buffered interim results into finals.
func (c *Client) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return internal_type.ErrProviderDead
	}
	return c.conn.Finalize()
}

// KeepAlive holds the websocket open during gated silence.
func (c *Client) KeepAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return internal_type.ErrProviderDead
	}
	return c.conn.WriteJSON(map[string]string{"type": "KeepAlive"})
}

func (c *Client) Events() <-chan internal_provider.Event {
	return c.events
}

// Close tears the stream down. Idempotent.
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
		conn.Stop()
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
		c.logger.Warnw("deepgram event channel full, dropping", "provider", c.Name())
	}
}

// ============================================================================
// SDK callback handler
// ============================================================================

type callbackHandler struct {
	client *Client
}

var _ msginterfaces.LiveMessageCallback = (*callbackHandler)(nil)

func (h *callbackHandler) Open(or *msginterfaces.OpenResponse) error {
	h.client.push(internal_provider.Event{State: internal_provider.LinkReady})
	return nil
}

func (h *callbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	speaker := ""
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		speaker = strconv.Itoa(*alt.Words[0].Speaker)
	}

	h.client.push(internal_provider.Event{
		State: internal_provider.LinkReady,
		Transcript: &internal_type.TranscriptEvent{
			Provider: internal_type.ProviderDeepgram,
			// interim updates for the same audio span share a start time,
			// which keeps the segment id stable across revisions
			SegmentID:  fmt.Sprintf("dg-%.3f", mr.Start),
			Start:      mr.Start,
			End:        mr.Start + mr.Duration,
			Text:       alt.Transcript,
			SpeakerID:  speaker,
			Confidence: alt.Confidence,
			IsFinal:    mr.IsFinal || mr.SpeechFinal,
		},
	})
	return nil
}

func (h *callbackHandler) Metadata(md *msginterfaces.MetadataResponse) error {
	h.client.logger.Debugw("deepgram metadata", "requestID", md.RequestID)
	return nil
}

func (h *callbackHandler) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (h *callbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	h.client.logger.Debugw("deepgram utterance end", "lastWordEnd", ur.LastWordEnd)
	return nil
}

func (h *callbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	h.client.push(internal_provider.Event{State: internal_provider.LinkDraining})
	return nil
}

func (h *callbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	h.client.push(internal_provider.Event{
		State: internal_provider.LinkDead,
		Err:   fmt.Errorf("deepgram stream: %s: %w", er.ErrMsg, internal_type.ErrProviderTransient),
	})
	return nil
}

func (h *callbackHandler) UnhandledEvent(byData []byte) error {
	h.client.logger.Debugw("deepgram unhandled event", "size", len(byData))
	return nil
}
