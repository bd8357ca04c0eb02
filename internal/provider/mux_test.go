// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

type fakeProvider struct {
	tag    internal_type.ProviderTag
	events chan Event

	mu         sync.Mutex
	sent       [][]byte
	sendErr    error
	finalizes  int
	keepalives int
	closeOnce  sync.Once
}

func newFakeProvider(tag internal_type.ProviderTag) *fakeProvider {
	return &fakeProvider{tag: tag, events: make(chan Event, 16)}
}

func (f *fakeProvider) Name() internal_type.ProviderTag              { return f.tag }
func (f *fakeProvider) Open(ctx context.Context, _ StreamOptions) error { return nil }

func (f *fakeProvider) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, pcm)
	return nil
}

func (f *fakeProvider) breakSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeProvider) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizes++
	return nil
}

func (f *fakeProvider) KeepAlive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeProvider) Events() <-chan Event { return f.events }

func (f *fakeProvider) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeProvider) emit(ev *internal_type.TranscriptEvent) {
	f.events <- Event{State: LinkReady, Transcript: ev}
}

func (f *fakeProvider) die(err error) {
	f.events <- Event{State: LinkDead, Err: err}
}

func transcript(provider internal_type.ProviderTag, id, text string) *internal_type.TranscriptEvent {
	return &internal_type.TranscriptEvent{Provider: provider, SegmentID: id, Text: text, IsFinal: true}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (m *Mux) hasLink(role Role) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[role]
	return ok
}

// --- Mux Tests ---

func TestNewMuxRequiresPrimary(t *testing.T) {
	_, err := NewMux(commons.NewNopLogger(), map[Role]Factory{}, StreamOptions{})
	assert.Error(t, err)
}

func TestMuxForwardsPrimaryTranscripts(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) { return primary, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()

	primary.emit(transcript(internal_type.ProviderDeepgram, "dg-1", "hello there"))

	select {
	case ev := <-m.Transcripts():
		assert.Equal(t, "dg-1", ev.SegmentID)
		assert.Equal(t, "hello there", ev.Text)
	case <-time.After(time.Second):
		t.Fatal("no transcript forwarded")
	}
}

func TestMuxSuppressesFallbackWhilePrimaryAuthoritative(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	fallback := newFakeProvider(internal_type.ProviderSoniox)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary:  func() (Provider, error) { return primary, nil },
		RoleFallback: func() (Provider, error) { return fallback, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()
	waitFor(t, func() bool { return m.hasLink(RoleFallback) }, "fallback link")

	fallback.emit(transcript(internal_type.ProviderSoniox, "sx-1", "shadow text"))
	primary.emit(transcript(internal_type.ProviderDeepgram, "dg-1", "real text"))

	ev := <-m.Transcripts()
	assert.Equal(t, "dg-1", ev.SegmentID)
	select {
	case ev := <-m.Transcripts():
		t.Fatalf("fallback transcript leaked: %q", ev.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMuxTranslationAlwaysForwarded(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	translation := newFakeProvider(internal_type.ProviderSoniox)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary:     func() (Provider, error) { return primary, nil },
		RoleTranslation: func() (Provider, error) { return translation, nil },
	}, StreamOptions{TargetLanguage: "es"})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()
	waitFor(t, func() bool { return m.hasLink(RoleTranslation) }, "translation link")

	ev := transcript(internal_type.ProviderSoniox, "sx-t1", "hola")
	ev.TranslationOf = "en"
	translation.emit(ev)

	got := <-m.Transcripts()
	assert.Equal(t, "sx-t1", got.SegmentID)
	assert.True(t, got.IsTranslation())
}

func TestMuxFansAudioOut(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	fallback := newFakeProvider(internal_type.ProviderSoniox)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary:  func() (Provider, error) { return primary, nil },
		RoleFallback: func() (Provider, error) { return fallback, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()
	waitFor(t, func() bool { return m.hasLink(RoleFallback) }, "fallback link")

	m.SendAudio([]byte{1, 2, 3, 4})
	waitFor(t, func() bool { return primary.sentCount() == 1 && fallback.sentCount() == 1 }, "audio fan-out")
}

func TestMuxFailoverToFallback(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	fallback := newFakeProvider(internal_type.ProviderSoniox)
	var primaryDialed atomic.Bool
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) {
			if primaryDialed.Swap(true) {
				return nil, errors.New("upstream down")
			}
			return primary, nil
		},
		RoleFallback: func() (Provider, error) { return fallback, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	m.reconnectBase = time.Millisecond
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()
	waitFor(t, func() bool { return m.hasLink(RoleFallback) }, "fallback link")

	assert.Equal(t, RolePrimary, m.Authoritative())
	primary.die(errors.New("socket reset"))
	waitFor(t, func() bool { return m.Authoritative() == RoleFallback }, "fallback election")

	fallback.emit(transcript(internal_type.ProviderSoniox, "sx-2", "now authoritative"))
	select {
	case ev := <-m.Transcripts():
		assert.Equal(t, "sx-2", ev.SegmentID)
	case <-time.After(time.Second):
		t.Fatal("fallback transcript not forwarded after election")
	}
}

func TestMuxRedialsAfterSendFailure(t *testing.T) {
	broken := newFakeProvider(internal_type.ProviderDeepgram)
	broken.breakSends(errors.New("broken pipe"))
	healthy := newFakeProvider(internal_type.ProviderDeepgram)
	var dials atomic.Int32
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) {
			if dials.Add(1) == 1 {
				return broken, nil
			}
			return healthy, nil
		},
	}, StreamOptions{})
	require.NoError(t, err)
	m.reconnectBase = time.Millisecond
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()

	m.SendAudio([]byte{1, 2, 3, 4})
	waitFor(t, func() bool { return dials.Load() >= 2 }, "redial after write failure")

	// audio queued after the redial reaches the fresh connection
	waitFor(t, func() bool {
		m.SendAudio([]byte{5, 6, 7, 8})
		return healthy.sentCount() >= 1
	}, "audio delivery on the fresh link")
	assert.Equal(t, RolePrimary, m.Authoritative())
}

func TestMuxSignalsDemotionOnFailover(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	fallback := newFakeProvider(internal_type.ProviderSoniox)
	var primaryDialed atomic.Bool
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) {
			if primaryDialed.Swap(true) {
				return nil, errors.New("upstream down")
			}
			return primary, nil
		},
		RoleFallback: func() (Provider, error) { return fallback, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	m.reconnectBase = time.Millisecond
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()
	waitFor(t, func() bool { return m.hasLink(RoleFallback) }, "fallback link")

	primary.die(errors.New("socket reset"))

	select {
	case tag := <-m.Demoted():
		assert.Equal(t, internal_type.ProviderDeepgram, tag)
	case <-time.After(2 * time.Second):
		t.Fatal("no demotion signal after fallback election")
	}
	assert.Equal(t, RoleFallback, m.Authoritative())
}

func TestMuxFatalWhenNoFallback(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	var primaryDialed atomic.Bool
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) {
			if primaryDialed.Swap(true) {
				return nil, errors.New("upstream down")
			}
			return primary, nil
		},
	}, StreamOptions{})
	require.NoError(t, err)
	m.reconnectBase = time.Millisecond
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()

	primary.die(errors.New("socket reset"))

	select {
	case err := <-m.Fatal():
		assert.ErrorIs(t, err, internal_type.ErrProviderDead)
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal after authoritative link loss")
	}
}

func TestMuxFinalizeAndKeepAliveReachLinks(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) { return primary, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))
	defer m.Close()

	m.Finalize()
	m.KeepAlive()

	primary.mu.Lock()
	defer primary.mu.Unlock()
	assert.Equal(t, 1, primary.finalizes)
	assert.Equal(t, 1, primary.keepalives)
}

func TestMuxCloseIdempotent(t *testing.T) {
	primary := newFakeProvider(internal_type.ProviderDeepgram)
	m, err := NewMux(commons.NewNopLogger(), map[Role]Factory{
		RolePrimary: func() (Provider, error) { return primary, nil },
	}, StreamOptions{})
	require.NoError(t, err)
	require.NoError(t, m.Open(context.Background()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, open := <-m.Transcripts()
	assert.False(t, open)
}
