// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_soniox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(commons.NewNopLogger(), "sx-test-key")
	require.NoError(t, err)
	return c
}

func drainEvents(c *Client) []internal_provider.Event {
	var out []internal_provider.Event
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// --- Token Coalescing Tests ---

func TestEmitTokensSingleRun(t *testing.T) {
	c := testClient(t)
	c.emitTokens([]serverToken{
		{Text: "good", StartMs: 100, EndMs: 300, IsFinal: true, Speaker: "1", Confidence: 0.9, Language: "en"},
		{Text: " morning", StartMs: 300, EndMs: 600, IsFinal: true, Speaker: "1", Confidence: 0.7},
	})

	events := drainEvents(c)
	require.Len(t, events, 1)
	ev := events[0].Transcript
	require.NotNil(t, ev)
	assert.Equal(t, "good morning", ev.Text)
	assert.Equal(t, "sx-100-1", ev.SegmentID)
	assert.InDelta(t, 0.1, ev.Start, 1e-9)
	assert.InDelta(t, 0.6, ev.End, 1e-9)
	assert.Equal(t, "1", ev.SpeakerID)
	assert.InDelta(t, 0.8, ev.Confidence, 1e-9)
	assert.True(t, ev.IsFinal)
	assert.Equal(t, internal_type.ProviderSoniox, ev.Provider)
}

func TestEmitTokensBreaksOnSpeakerChange(t *testing.T) {
	c := testClient(t)
	c.emitTokens([]serverToken{
		{Text: "hello", StartMs: 0, EndMs: 200, IsFinal: true, Speaker: "1"},
		{Text: "hi", StartMs: 250, EndMs: 400, IsFinal: true, Speaker: "2"},
	})

	events := drainEvents(c)
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].Transcript.SpeakerID)
	assert.Equal(t, "2", events[1].Transcript.SpeakerID)
}

func TestEmitTokensBreaksOnGap(t *testing.T) {
	c := testClient(t)
	c.emitTokens([]serverToken{
		{Text: "one", StartMs: 0, EndMs: 200, IsFinal: true, Speaker: "1"},
		{Text: "two", StartMs: 1500, EndMs: 1700, IsFinal: true, Speaker: "1"},
	})

	events := drainEvents(c)
	require.Len(t, events, 2)
	assert.Equal(t, "one", events[0].Transcript.Text)
	assert.Equal(t, "two", events[1].Transcript.Text)
}

func TestEmitTokensInterimRun(t *testing.T) {
	c := testClient(t)
	c.emitTokens([]serverToken{
		{Text: "par", StartMs: 0, EndMs: 100, IsFinal: true, Speaker: "1"},
		{Text: "tial", StartMs: 100, EndMs: 200, IsFinal: false, Speaker: "1"},
	})

	events := drainEvents(c)
	require.Len(t, events, 1)
	assert.False(t, events[0].Transcript.IsFinal)
}

func TestEmitTokensSkipsEmptyText(t *testing.T) {
	c := testClient(t)
	c.emitTokens([]serverToken{
		{Text: "", StartMs: 0, EndMs: 0},
		{Text: "only", StartMs: 10, EndMs: 200, IsFinal: true, Speaker: "1"},
	})

	events := drainEvents(c)
	require.Len(t, events, 1)
	assert.Equal(t, "only", events[0].Transcript.Text)
}

// --- Translation Tests ---

func TestTranslationRunTagging(t *testing.T) {
	c, err := NewTranslationClient(commons.NewNopLogger(), "sx-test-key", "en")
	require.NoError(t, err)

	c.emitTokens([]serverToken{
		{Text: "good morning", StartMs: 0, EndMs: 500, IsFinal: true, Speaker: "1",
			Language: "en", TranslationStatus: "translated", SourceLanguage: "es"},
	})

	events := drainEvents(c)
	require.Len(t, events, 1)
	ev := events[0].Transcript
	assert.Equal(t, "en", ev.Language)
	assert.Equal(t, "es", ev.TranslationOf)
	assert.True(t, ev.IsTranslation())
}

func TestTranslationClientRequiresTarget(t *testing.T) {
	_, err := NewTranslationClient(commons.NewNopLogger(), "sx-test-key", "")
	require.Error(t, err)
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(commons.NewNopLogger(), "")
	require.Error(t, err)
}
