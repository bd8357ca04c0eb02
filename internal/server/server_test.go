// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/listen-api/config"
	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_decoder "github.com/rapidaai/listen-api/internal/audio/decoder"
	internal_recorder "github.com/rapidaai/listen-api/internal/audio/recorder"
	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_session "github.com/rapidaai/listen-api/internal/session"
	internal_sink "github.com/rapidaai/listen-api/internal/sink"
	internal_speaker "github.com/rapidaai/listen-api/internal/speaker"
	internal_transcript "github.com/rapidaai/listen-api/internal/transcript"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	internal_vad "github.com/rapidaai/listen-api/internal/vad"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		ListenAddress:           ":0",
		ProviderPrimary:         "deepgram",
		DeepgramAPIKey:          "test-key",
		VadGateMode:             "off",
		SessionIdle:             time.Minute,
		SessionStartTimeout:     time.Second,
		ShutdownGrace:           10 * time.Millisecond,
		RawAudioWebhookInterval: 5 * time.Second,
		InvalidFrameLimit:       32,
		RecordingEnabled:        false,
	}
}

type stubProvider struct {
	events chan internal_provider.Event

	mu        sync.Mutex
	sent      int
	closeOnce sync.Once
}

func newStubProvider() *stubProvider {
	return &stubProvider{events: make(chan internal_provider.Event, 16)}
}

func (p *stubProvider) Name() internal_type.ProviderTag { return internal_type.ProviderDeepgram }
func (p *stubProvider) Open(ctx context.Context, _ internal_provider.StreamOptions) error {
	return nil
}
func (p *stubProvider) SendAudio(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent++
	return nil
}
func (p *stubProvider) Finalize() error                        { return nil }
func (p *stubProvider) KeepAlive() error                       { return nil }
func (p *stubProvider) Events() <-chan internal_provider.Event { return p.events }
func (p *stubProvider) Close() error {
	p.closeOnce.Do(func() { close(p.events) })
	return nil
}

func (p *stubProvider) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// newTestAPI wires a ListenAPI whose sessions run against a stub provider.
func newTestAPI(t *testing.T) (*ListenAPI, *stubProvider) {
	t.Helper()
	logger := commons.NewNopLogger()
	provider := newStubProvider()
	api := New(testConfig(), logger, nil, nil, nil, nil, nil)
	api.buildSessionFn = func(ctx context.Context, params *sessionParams, conn *wsClientConn) (*internal_session.Session, error) {
		mux, err := internal_provider.NewMux(logger, map[internal_provider.Role]internal_provider.Factory{
			internal_provider.RolePrimary: func() (internal_provider.Provider, error) { return provider, nil },
		}, internal_provider.StreamOptions{})
		if err != nil {
			return nil, err
		}
		decoder, err := internal_decoder.New(logger, params.Codec, params.SampleRate, decoderGapThreshold)
		if err != nil {
			return nil, err
		}
		gateCfg := internal_vad.DefaultConfig()
		gateCfg.Mode = internal_vad.ModeOff
		client := internal_sink.NewClientSink(logger, conn)

		cfg := internal_session.DefaultConfig()
		cfg.SessionID = params.SessionID
		cfg.OwnerID = params.OwnerID
		cfg.ShutdownGrace = 10 * time.Millisecond
		cfg.ShutdownCap = 2 * time.Second
		return internal_session.NewSession(cfg, internal_session.Deps{
			Logger:      logger,
			Reassembler: internal_wire.NewReassembler(logger, params.Codec, params.SampleRate, 32, sessionClock()),
			Decoder:     decoder,
			Gate:        internal_vad.NewGate(logger, nil, gateCfg),
			Mux:         mux,
			Merger:      internal_transcript.NewMerger(logger),
			Resolver:    internal_speaker.NewResolver(logger, nil),
			Client:      client,
			Fanout:      internal_sink.NewFanout(logger, client, nil),
			Recorder:    internal_recorder.NewRecorder(logger, false),
		}), nil
	}
	return api, provider
}

func newTestServer(t *testing.T, api *ListenAPI) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	Routes(api.cfg, engine, api.logger, api)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v3/listen?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	return conn
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

// --- Route Tests ---

func TestHealthEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenRejectsMissingUID(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenRejectsUnknownCodec(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen?uid=u1&codec=vorbis")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListenRejectsBadSampleRate(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen?uid=u1&sample_rate=abc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- Socket Tests ---

func TestListenStreamsAudioToProvider(t *testing.T) {
	api, provider := newTestAPI(t)
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s1&codec=pcm16&sample_rate=16000")
	defer conn.Close()

	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")

	payload := make([]byte, internal_audio.WindowBytes)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		internal_wire.EncodeAudioFrame(0.02, payload)))

	waitFor(t, func() bool { return provider.sentCount() == 1 }, "provider audio")
}

func TestListenDeliversSegments(t *testing.T) {
	api, provider := newTestAPI(t)
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s2")
	defer conn.Close()
	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")

	provider.events <- internal_provider.Event{
		Transcript: &internal_type.TranscriptEvent{
			Provider:  internal_type.ProviderDeepgram,
			SegmentID: "dg-0.000",
			Start:     0,
			End:       1.0,
			Text:      "hello",
			IsFinal:   true,
		},
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, uint32(internal_wire.OpSegment), binary.LittleEndian.Uint32(data[:4]))
}

func TestListenDisconnectTearsDownSession(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s3")
	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")

	conn.Close()
	waitFor(t, func() bool { return api.ActiveSessions() == 0 }, "session teardown")
}

func TestListenIgnoresTextFrames(t *testing.T) {
	api, provider := newTestAPI(t)
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s4")
	defer conn.Close()
	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		internal_wire.EncodeAudioFrame(0.02, make([]byte, internal_audio.WindowBytes))))

	waitFor(t, func() bool { return provider.sentCount() == 1 }, "provider audio")
	assert.Equal(t, 1, provider.sentCount())
}

func TestDrainAllEndsSessions(t *testing.T) {
	api, _ := newTestAPI(t)
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s5")
	defer conn.Close()
	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")

	api.DrainAll()
	waitFor(t, func() bool { return api.ActiveSessions() == 0 }, "drain")
}

// --- Parameter Tests ---

func TestParseParamsDefaults(t *testing.T) {
	api, _ := newTestAPI(t)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/v3/listen?uid=owner-1", nil)

	params, err := api.parseParams(c)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", params.OwnerID)
	assert.NotEmpty(t, params.SessionID)
	assert.Equal(t, internal_audio.CodecPCM16, params.Codec)
	assert.Equal(t, 16000, params.SampleRate)
	assert.Equal(t, "en", params.Language)
	assert.Equal(t, "deepgram", params.PrimaryName)
	assert.False(t, params.IncludeProfile)
}

func TestParseParamsOverrides(t *testing.T) {
	api, _ := newTestAPI(t)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet,
		"/v3/listen?uid=owner-1&session_id=sess-9&codec=opus&sample_rate=8000"+
			"&language=hi&translation_language=en&stt_provider=soniox"+
			"&include_speech_profile=true&unknown_param=zzz", nil)

	params, err := api.parseParams(c)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", params.SessionID)
	assert.Equal(t, internal_audio.CodecOpus, params.Codec)
	assert.Equal(t, 8000, params.SampleRate)
	assert.Equal(t, "hi", params.Language)
	assert.Equal(t, "en", params.TranslationTo)
	assert.Equal(t, "soniox", params.PrimaryName)
	assert.True(t, params.IncludeProfile)
}

func TestParseParamsLegacyServiceAlias(t *testing.T) {
	api, _ := newTestAPI(t)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/v3/listen?uid=u&stt_service=soniox", nil)

	params, err := api.parseParams(c)
	require.NoError(t, err)
	assert.Equal(t, "soniox", params.PrimaryName)
}

func TestProviderFactoriesUnknownProvider(t *testing.T) {
	api, _ := newTestAPI(t)
	_, _, err := api.providerFactories(&sessionParams{PrimaryName: "whisper"})
	require.Error(t, err)
}

func TestProviderFactoriesTranslationLink(t *testing.T) {
	api, _ := newTestAPI(t)
	api.cfg.SonioxAPIKey = "sx-key"
	api.cfg.TranslationProvider = "soniox"
	factories, opts, err := api.providerFactories(&sessionParams{
		PrimaryName:   "deepgram",
		Language:      "hi",
		TranslationTo: "en",
	})
	require.NoError(t, err)
	assert.Contains(t, factories, internal_provider.RolePrimary)
	assert.Contains(t, factories, internal_provider.RoleTranslation)
	assert.Equal(t, "en", opts.TargetLanguage)
}

func TestProviderFactoriesUnsupportedTranslationProvider(t *testing.T) {
	api, _ := newTestAPI(t)
	api.cfg.SonioxAPIKey = "sx-key"
	api.cfg.TranslationProvider = "whisper"
	factories, _, err := api.providerFactories(&sessionParams{
		PrimaryName:   "deepgram",
		TranslationTo: "en",
	})
	require.NoError(t, err)
	assert.NotContains(t, factories, internal_provider.RoleTranslation)
}

// --- Auth Tests ---

type staticAuth struct {
	owners map[string]string // token -> owner
}

func (a *staticAuth) Verify(ctx context.Context, token string) (string, error) {
	owner, ok := a.owners[token]
	if !ok {
		return "", fmt.Errorf("unknown token")
	}
	return owner, nil
}

func TestListenRejectsMissingToken(t *testing.T) {
	api, _ := newTestAPI(t)
	api.auth = &staticAuth{owners: map[string]string{"tok-1": "u1"}}
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen?uid=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListenRejectsInvalidToken(t *testing.T) {
	api, _ := newTestAPI(t)
	api.auth = &staticAuth{owners: map[string]string{"tok-1": "u1"}}
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen?uid=u1&token=wrong")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListenRejectsTokenOwnerMismatch(t *testing.T) {
	api, _ := newTestAPI(t)
	api.auth = &staticAuth{owners: map[string]string{"tok-1": "u1"}}
	server := newTestServer(t, api)

	resp, err := http.Get(server.URL + "/v3/listen?uid=u2&token=tok-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListenAcceptsVerifiedToken(t *testing.T) {
	api, _ := newTestAPI(t)
	api.auth = &staticAuth{owners: map[string]string{"tok-1": "u1"}}
	server := newTestServer(t, api)

	conn := dial(t, server, "uid=u1&session_id=s6&token=tok-1")
	defer conn.Close()
	waitFor(t, func() bool { return api.ActiveSessions() == 1 }, "session registration")
}
