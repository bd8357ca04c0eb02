// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/listen-api/config"
	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_decoder "github.com/rapidaai/listen-api/internal/audio/decoder"
	internal_recorder "github.com/rapidaai/listen-api/internal/audio/recorder"
	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_deepgram "github.com/rapidaai/listen-api/internal/provider/deepgram"
	internal_soniox "github.com/rapidaai/listen-api/internal/provider/soniox"
	internal_session "github.com/rapidaai/listen-api/internal/session"
	internal_sink "github.com/rapidaai/listen-api/internal/sink"
	internal_speaker "github.com/rapidaai/listen-api/internal/speaker"
	internal_transcript "github.com/rapidaai/listen-api/internal/transcript"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	internal_vad "github.com/rapidaai/listen-api/internal/vad"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
	"github.com/rapidaai/listen-api/pkg/utils"
)

const decoderGapThreshold = 100 * time.Millisecond

var listenUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ListenAPI owns the live-transcription HTTP surface: the listen socket
// endpoint and the health probes. One instance serves all sessions.
type ListenAPI struct {
	cfg    *config.AppConfig
	logger commons.Logger

	auth        internal_type.Auth
	registry    *internal_session.Registry
	persistence internal_type.Persistence
	profiles    internal_type.ProfileStore
	speech      internal_type.SpeechProfileStore

	// buildSessionFn is swappable in tests
	buildSessionFn func(ctx context.Context, params *sessionParams, conn *wsClientConn) (*internal_session.Session, error)

	mu     sync.Mutex
	active map[string]*internal_session.Session
}

// New builds the API. redisClient, auth, persistence, profiles and speech
// may be nil; the corresponding features degrade to no-ops. A nil auth
// means the socket is open, matching deployments behind a gateway that
// terminates credentials.
func New(
	cfg *config.AppConfig,
	logger commons.Logger,
	redisClient redis.UniversalClient,
	auth internal_type.Auth,
	persistence internal_type.Persistence,
	profiles internal_type.ProfileStore,
	speech internal_type.SpeechProfileStore,
) *ListenAPI {
	api := &ListenAPI{
		cfg:         cfg,
		logger:      logger,
		auth:        auth,
		persistence: persistence,
		profiles:    profiles,
		speech:      speech,
		active:      make(map[string]*internal_session.Session),
	}
	if redisClient != nil {
		api.registry = internal_session.NewRegistry(logger, redisClient)
	}
	api.buildSessionFn = api.buildSession
	return api
}

// Routes registers the listen endpoints on the engine.
func Routes(cfg *config.AppConfig, engine *gin.Engine, logger commons.Logger, api *ListenAPI) {
	logger.Infow("listen routes added to engine")
	v3 := engine.Group("v3")
	{
		v3.GET("/listen", api.Listen)
	}
	engine.GET("/health", api.Health)
}

func (api *ListenAPI) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": api.ActiveSessions()})
}

// ActiveSessions reports the number of live sessions on this instance.
func (api *ListenAPI) ActiveSessions() int {
	api.mu.Lock()
	defer api.mu.Unlock()
	return len(api.active)
}

// sessionParams is the per-connection configuration resolved from the
// query string. Unknown parameters are ignored.
type sessionParams struct {
	SessionID      string
	OwnerID        string
	Codec          internal_audio.Codec
	SampleRate     int
	Language       string
	TranslationTo  string
	PrimaryName    string
	Model          string
	IncludeProfile bool
}

func (api *ListenAPI) parseParams(c *gin.Context) (*sessionParams, error) {
	uid := c.Query("uid")
	if uid == "" {
		return nil, fmt.Errorf("missing required parameter uid")
	}

	codec, err := internal_audio.ParseCodec(c.DefaultQuery("codec", "pcm16"))
	if err != nil {
		return nil, err
	}
	sampleRate, err := strconv.Atoi(c.DefaultQuery("sample_rate", "16000"))
	if err != nil || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample_rate %q", c.Query("sample_rate"))
	}

	providerName := c.Query("stt_provider")
	if providerName == "" {
		// legacy alias
		providerName = c.Query("stt_service")
	}
	if providerName == "" {
		providerName = api.cfg.ProviderPrimary
	}

	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &sessionParams{
		SessionID:      sessionID,
		OwnerID:        uid,
		Codec:          codec,
		SampleRate:     sampleRate,
		Language:       c.DefaultQuery("language", "en"),
		TranslationTo:  c.Query("translation_language"),
		PrimaryName:    providerName,
		Model:          c.Query("model"),
		IncludeProfile: c.Query("include_speech_profile") == "true",
	}, nil
}

// Listen upgrades the connection and runs the session pipeline until the
// client disconnects or the session ends.
//
// @Router /v3/listen [get]
// @Summary Stream audio for live transcription
// @Param uid query string true "Owner id"
// @Param session_id query string false "Session id; generated when absent"
// @Param codec query string false "opus|pcm16|pcm8|mulaw|alaw (default pcm16)"
// @Param sample_rate query int false "Input sample rate (default 16000)"
// @Param language query string false "BCP-47 language (default en)"
// @Param translation_language query string false "Enables the translation link"
// @Success 101 "Switching Protocols"
// @Failure 400 {object} gin.H
func (api *ListenAPI) Listen(c *gin.Context) {
	params, err := api.parseParams(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := api.authenticate(c, params); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	rawConn, err := listenUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Errorw("websocket upgrade failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to upgrade to websocket"})
		return
	}
	conn := newWSClientConn(rawConn)

	sess, err := api.buildSessionFn(c.Request.Context(), params, conn)
	if err != nil {
		api.logger.Errorw("session build failed",
			"session", params.SessionID, "uid", params.OwnerID, "error", err)
		conn.writeClose(websocket.CloseInternalServerErr, err.Error())
		conn.close()
		return
	}

	api.claim(params)
	api.register(params.SessionID, sess)
	defer api.unregister(params.SessionID)

	if err := sess.Start(); err != nil {
		api.logger.Errorw("session start failed",
			"session", params.SessionID, "uid", params.OwnerID, "error", err)
		conn.writeClose(websocket.CloseTryAgainLater, "transcription backend unavailable")
		conn.close()
		return
	}

	api.logger.Infow("session open",
		"session", params.SessionID, "uid", params.OwnerID,
		"codec", params.Codec, "sample_rate", params.SampleRate,
		"language", params.Language, "provider", params.PrimaryName)

	// a session that ends on its own (idle, provider loss) unblocks the
	// read loop by closing the socket
	go func() {
		<-sess.Done()
		conn.close()
	}()

	api.readLoop(rawConn, sess)

	sess.Shutdown(internal_type.ReasonClientDisconnect)
	<-sess.Done()
	conn.close()
}

// authenticate resolves the caller's identity when an Auth backend is
// configured. The verified owner must match the uid the client streams
// under; a mismatch would let one owner write into another's timeline.
func (api *ListenAPI) authenticate(c *gin.Context, params *sessionParams) error {
	if api.auth == nil {
		return nil
	}
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		return fmt.Errorf("missing credentials")
	}
	owner, err := api.auth.Verify(c.Request.Context(), token)
	if err != nil {
		api.logger.Warnw("credential verification failed", "uid", params.OwnerID, "error", err)
		return fmt.Errorf("invalid credentials")
	}
	if owner != params.OwnerID {
		return fmt.Errorf("uid does not match credentials")
	}
	return nil
}

// readLoop pumps client frames into the session until the socket drops or
// the session finishes on its own.
func (api *ListenAPI) readLoop(conn *websocket.Conn, sess *internal_session.Session) {
	for {
		select {
		case <-sess.Done():
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				api.logger.Debugw("client read ended", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			// text frames are client-side keepalive noise
			continue
		}
		sess.HandleMessage(data)
	}
}

// claim takes the per-owner live-session slot; a displaced session still
// running on this instance is shut down (newest wins).
func (api *ListenAPI) claim(params *sessionParams) {
	if api.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	prev, err := api.registry.Claim(ctx, params.OwnerID, params.SessionID)
	if err != nil {
		api.logger.Warnw("session claim failed, continuing without registry",
			"session", params.SessionID, "error", err)
		return
	}
	if prev == "" {
		return
	}
	api.mu.Lock()
	displaced := api.active[prev]
	api.mu.Unlock()
	if displaced != nil {
		api.logger.Infow("displacing previous session", "previous", prev, "uid", params.OwnerID)
		go displaced.Shutdown(internal_type.ReasonClientDisconnect)
	}
}

func (api *ListenAPI) register(sessionID string, sess *internal_session.Session) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.active[sessionID] = sess
}

func (api *ListenAPI) unregister(sessionID string) {
	api.mu.Lock()
	defer api.mu.Unlock()
	delete(api.active, sessionID)
}

// DrainAll shuts every live session down; used on process stop.
func (api *ListenAPI) DrainAll() {
	api.mu.Lock()
	sessions := make([]*internal_session.Session, 0, len(api.active))
	for _, s := range api.active {
		sessions = append(sessions, s)
	}
	api.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *internal_session.Session) {
			defer wg.Done()
			s.Shutdown(internal_type.ReasonInternalError)
			<-s.Done()
		}(s)
	}
	wg.Wait()
}

// buildSession assembles the full pipeline for one connection.
func (api *ListenAPI) buildSession(ctx context.Context, params *sessionParams, conn *wsClientConn) (*internal_session.Session, error) {
	factories, opts, err := api.providerFactories(params)
	if err != nil {
		return nil, err
	}
	mux, err := internal_provider.NewMux(api.logger, factories, opts)
	if err != nil {
		return nil, err
	}

	decoder, err := internal_decoder.New(api.logger, params.Codec, params.SampleRate, decoderGapThreshold)
	if err != nil {
		return nil, err
	}
	reassembler := internal_wire.NewReassembler(api.logger, params.Codec, params.SampleRate,
		api.cfg.InvalidFrameLimit, sessionClock())

	gate, err := api.buildGate()
	if err != nil {
		return nil, err
	}

	merger := internal_transcript.NewMerger(api.logger)
	resolver := internal_speaker.NewResolver(api.logger, api.loadProfiles(ctx, params.OwnerID))

	client := internal_sink.NewClientSink(api.logger, conn)
	webhook := api.buildWebhook(params)
	fanout := internal_sink.NewFanout(api.logger, client, webhook)

	recorder := internal_recorder.NewRecorder(api.logger, api.cfg.RecordingEnabled)

	cfg := internal_session.DefaultConfig()
	cfg.SessionID = params.SessionID
	cfg.OwnerID = params.OwnerID
	cfg.Language = params.Language
	cfg.Codec = params.Codec
	cfg.SampleRate = params.SampleRate
	cfg.StartTimeout = api.cfg.SessionStartTimeout
	cfg.IdleTimeout = api.cfg.SessionIdle
	cfg.ShutdownGrace = api.cfg.ShutdownGrace
	cfg.SpeechProfileAudio = api.loadSpeechProfile(ctx, params)

	return internal_session.NewSession(cfg, internal_session.Deps{
		Logger:      api.logger,
		Reassembler: reassembler,
		Decoder:     decoder,
		Gate:        gate,
		Mux:         mux,
		Merger:      merger,
		Resolver:    resolver,
		Client:      client,
		Fanout:      fanout,
		Recorder:    recorder,
		Registry:    api.registry,
		Persistence: api.persistence,
	}), nil
}

// providerFactories resolves the primary, fallback and translation links
// from the session parameters and the configured credentials.
func (api *ListenAPI) providerFactories(params *sessionParams) (map[internal_provider.Role]internal_provider.Factory, internal_provider.StreamOptions, error) {
	opts := internal_provider.StreamOptions{
		Language:       params.Language,
		TargetLanguage: params.TranslationTo,
		SampleRate:     internal_audio.InternalAudioConfig.SampleRate,
		Channels:       1,
		Diarize:        true,
		InterimResults: true,
		EndpointingMs:  300,
	}
	if params.Model != "" {
		opts.Extra = utils.Option{"listen.model": params.Model}
	}

	factory := func(name string) (internal_provider.Factory, error) {
		switch name {
		case "deepgram":
			if api.cfg.DeepgramAPIKey == "" {
				return nil, fmt.Errorf("provider deepgram not configured")
			}
			return func() (internal_provider.Provider, error) {
				return internal_deepgram.NewClient(api.logger, api.cfg.DeepgramAPIKey)
			}, nil
		case "soniox":
			if api.cfg.SonioxAPIKey == "" {
				return nil, fmt.Errorf("provider soniox not configured")
			}
			return func() (internal_provider.Provider, error) {
				return internal_soniox.NewClient(api.logger, api.cfg.SonioxAPIKey)
			}, nil
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	factories := make(map[internal_provider.Role]internal_provider.Factory)
	primary, err := factory(params.PrimaryName)
	if err != nil {
		return nil, opts, err
	}
	factories[internal_provider.RolePrimary] = primary

	if name := api.cfg.ProviderFallback; name != "" && name != params.PrimaryName {
		if fallback, err := factory(name); err == nil {
			factories[internal_provider.RoleFallback] = fallback
		} else {
			api.logger.Warnw("fallback provider unavailable", "provider", name, "error", err)
		}
	}

	if params.TranslationTo != "" {
		switch name := api.cfg.TranslationProvider; name {
		case "", "soniox":
			if api.cfg.SonioxAPIKey == "" {
				api.logger.Warnw("translation requested but soniox not configured",
					"target", params.TranslationTo)
				break
			}
			target := params.TranslationTo
			factories[internal_provider.RoleTranslation] = func() (internal_provider.Provider, error) {
				return internal_soniox.NewTranslationClient(api.logger, api.cfg.SonioxAPIKey, target)
			}
		default:
			api.logger.Warnw("unsupported translation provider, skipping translation link",
				"provider", name, "target", params.TranslationTo)
		}
	}
	return factories, opts, nil
}

func (api *ListenAPI) buildGate() (*internal_vad.Gate, error) {
	cfg := internal_vad.DefaultConfig()
	cfg.Mode = internal_vad.Mode(api.cfg.VadGateMode)
	cfg.PreRoll = api.cfg.VadPreRoll
	cfg.Hangover = api.cfg.VadHangover
	cfg.KeepAlive = api.cfg.VadKeepAlive

	var detector internal_vad.Detector
	if cfg.Mode != internal_vad.ModeOff {
		if api.cfg.VadModelPath != "" {
			silero, err := internal_vad.NewSileroDetector(api.logger, api.cfg.VadModelPath, api.cfg.VadEnergyThreshold)
			if err != nil {
				return nil, fmt.Errorf("silero detector: %w", err)
			}
			detector = silero
		} else {
			detector = internal_vad.NewEnergyDetector(api.cfg.VadEnergyThreshold)
		}
	}
	return internal_vad.NewGate(api.logger, detector, cfg), nil
}

func (api *ListenAPI) buildWebhook(params *sessionParams) *internal_sink.WebhookSink {
	if api.cfg.TranscriptWebhookURL == "" && api.cfg.RawAudioWebhookURL == "" {
		return nil
	}
	return internal_sink.NewWebhookSink(api.logger, params.SessionID, params.OwnerID,
		api.cfg.TranscriptWebhookURL, api.cfg.RawAudioWebhookURL).
		WithMirrorInterval(api.cfg.RawAudioWebhookInterval)
}

func (api *ListenAPI) loadProfiles(ctx context.Context, ownerID string) []internal_type.PersonProfile {
	if api.profiles == nil {
		return nil
	}
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	profiles, err := api.profiles.LoadProfiles(loadCtx, ownerID)
	if err != nil {
		api.logger.Warnw("profile load failed, resolving speakers without profiles",
			"uid", ownerID, "error", err)
		return nil
	}
	return profiles
}

func (api *ListenAPI) loadSpeechProfile(ctx context.Context, params *sessionParams) []byte {
	if !params.IncludeProfile || api.speech == nil {
		return nil
	}
	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	audio, err := api.speech.LoadSpeechProfile(loadCtx, params.OwnerID)
	if err != nil {
		api.logger.Warnw("speech profile load failed", "uid", params.OwnerID, "error", err)
		return nil
	}
	return audio
}

// sessionClock returns a receive clock anchored at the first call.
func sessionClock() func() float64 {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}
