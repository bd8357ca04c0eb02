// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	internal_decoder "github.com/rapidaai/listen-api/internal/audio/decoder"
	internal_recorder "github.com/rapidaai/listen-api/internal/audio/recorder"
	internal_provider "github.com/rapidaai/listen-api/internal/provider"
	internal_sink "github.com/rapidaai/listen-api/internal/sink"
	internal_speaker "github.com/rapidaai/listen-api/internal/speaker"
	internal_transcript "github.com/rapidaai/listen-api/internal/transcript"
	internal_type "github.com/rapidaai/listen-api/internal/type"
	internal_vad "github.com/rapidaai/listen-api/internal/vad"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// Config is the per-session parameter set, resolved from the connection
// query parameters and the application config.
type Config struct {
	SessionID string
	OwnerID   string
	Language  string

	Codec      internal_audio.Codec
	SampleRate int

	// SpeechProfileAudio, when present, is canonical PCM streamed to the
	// providers ahead of live audio so early segments carry the owner's
	// identity.
	SpeechProfileAudio []byte

	StartTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownGrace     time.Duration
	ShutdownCap       time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig fills the calibrated production timings.
func DefaultConfig() Config {
	return Config{
		StartTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownGrace:     3 * time.Second,
		ShutdownCap:       10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Deps are the session's owned components, built by the server per
// connection. Registry and Persistence may be nil.
type Deps struct {
	Logger      commons.Logger
	Reassembler *internal_wire.Reassembler
	Decoder     *internal_decoder.Decoder
	Gate        *internal_vad.Gate
	Mux         *internal_provider.Mux
	Merger      *internal_transcript.Merger
	Resolver    *internal_speaker.Resolver
	Client      *internal_sink.ClientSink
	Fanout      *internal_sink.Fanout
	Recorder    *internal_recorder.Recorder
	Registry    *Registry
	Persistence internal_type.Persistence
}

/// Session supervises one client connection's pipeline: it pumps provider
// events, enforces heartbeat and idle deadlines, and owns the shutdown
// contract. All component goroutines are tracked; none outlive the session.
type Session struct {
	cfg    Config
	logger commons.Logger
	deps   Deps

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	accepting    atomic.Bool
	lastActivity atomic.Int64 // unix nanos
	clock        func() time.Time

	endOnce   sync.Once
	endReason internal_type.EndReason
	done      chan struct{}

	transcriptsDone chan struct{}
	outputsDone     chan struct{}
}

// NewSession wires a supervisor around pre-built components.
func NewSession(cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s := &Session{
		cfg:             cfg,
		logger:          deps.Logger,
		deps:            deps,
		ctx:             ctx,
		cancel:          cancel,
		group:           group,
		clock:           time.Now,
		done:            make(chan struct{}),
		transcriptsDone: make(chan struct{}),
		outputsDone:     make(chan struct{}),
	}
	s.accepting.Store(true)
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// WithClock injects a deterministic clock for tests.
func (s *Session) WithClock(clock func() time.Time) *Session {
	s.clock = clock
	s.lastActivity.Store(clock().UnixNano())
	return s
}

// Start opens the provider links and launches the pump loops. The session
// is not live until the primary link is ready.
func (s *Session) Start() error {
	openCtx, cancel := context.WithTimeout(s.ctx, s.cfg.StartTimeout)
	defer cancel()
	if err := s.deps.Mux.Open(openCtx); err != nil {
		s.cancel()
		return fmt.Errorf("%w: %v", internal_type.ErrSessionStartTimeout, err)
	}

	started := s.clock()
	s.deps.Merger.WithElapsed(func() float64 {
		return s.clock().Sub(started).Seconds()
	})

	if len(s.cfg.SpeechProfileAudio) > 0 {
		s.deps.Mux.SendAudio(s.cfg.SpeechProfileAudio)
		s.logger.Infow("speech profile preroll sent",
			"session", s.cfg.SessionID, "bytes", len(s.cfg.SpeechProfileAudio))
	}

	s.group.Go(s.pumpTranscripts)
	s.group.Go(s.pumpOutputs)
	s.group.Go(s.tickLoop)
	s.group.Go(s.watchFatal)

	s.logger.Infow("session started",
		"session", s.cfg.SessionID, "owner", s.cfg.OwnerID,
		"codec", s.deps.Reassembler.Codec(), "language", s.cfg.Language)
	return nil
}

// HandleMessage ingests one client socket message. Called from the server
// read loop; never concurrent with itself.
func (s *Session) HandleMessage(data []byte) {
	s.lastActivity.Store(s.clock().UnixNano())
	if !s.accepting.Load() {
		return
	}

	frame, control, err := s.deps.Reassembler.Ingest(data)
	if err != nil {
		s.logger.Errorw("invalid frame flood", "session", s.cfg.SessionID, "error", err)
		s.Shutdown(internal_type.ReasonInternalError)
		return
	}
	if control != nil {
		s.handleControl(control)
		return
	}
	if frame != nil {
		s.handleAudio(frame)
	}
}

func (s *Session) handleControl(ev *internal_wire.ControlEvent) {
	switch ev.Kind {
	case internal_wire.ControlPing:
		if err := s.deps.Client.SendPong(); err != nil {
			s.logger.Warnw("pong send failed", "session", s.cfg.SessionID, "error", err)
		}
	case internal_wire.ControlPong:
		// activity already recorded
	case internal_wire.ControlSetConversation:
		if s.deps.Registry != nil {
			ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
			if err := s.deps.Registry.BindConversation(ctx, s.cfg.SessionID, ev.ConversationID); err != nil {
				s.logger.Warnw("conversation bind failed", "session", s.cfg.SessionID, "error", err)
			}
			cancel()
		}
	case internal_wire.ControlCodecHint:
		if err := s.deps.Decoder.Reconfigure(ev.Codec, ev.SampleRate); err != nil {
			s.logger.Warnw("codec hint rejected",
				"session", s.cfg.SessionID, "codec", ev.Codec, "rate", ev.SampleRate, "error", err)
		}
	}
}

func (s *Session) handleAudio(frame *internal_wire.AudioFrame) {
	windows, err := s.deps.Decoder.Decode(frame)
	if err != nil {
		// corrupt payloads reset codec state and are skipped
		s.deps.Decoder.ResetCodecState()
		s.logger.Warnw("frame decode failed", "session", s.cfg.SessionID, "error", err)
		return
	}
	for i := range windows {
		s.processWindow(windows[i])
	}
}

func (s *Session) processWindow(w internal_audio.PcmWindow) {
	raw := w.Bytes()
	s.deps.Recorder.Record(w)
	s.deps.Fanout.MirrorAudio(raw)

	res := s.deps.Gate.Process(w)
	for i := range res.Windows {
		s.deps.Mux.SendAudio(res.Windows[i].Bytes())
	}
	if res.Finalize {
		s.deps.Mux.Finalize()
	}
}

// pumpTranscripts remaps provider time onto the session timeline and folds
// events into the merger.
func (s *Session) pumpTranscripts() error {
	defer close(s.transcriptsDone)
	clock := s.deps.Gate.Clock()
	for ev := range s.deps.Mux.Transcripts() {
		ev.Start = clock.ToSessionTime(ev.Start)
		ev.End = clock.ToSessionTime(ev.End)
		if len(ev.Embedding) > 0 {
			s.deps.Resolver.ObserveEmbedding(ev.SpeakerID, ev.Embedding)
		}
		s.deps.Merger.Ingest(ev)
	}
	return nil
}

// pumpOutputs annotates merged segments and fans them out. A client sink
// failure here is fatal for the session.
func (s *Session) pumpOutputs() error {
	defer close(s.outputsDone)
	for out := range s.deps.Merger.Events() {
		if out.Superseded != nil {
			if err := s.deps.Fanout.DispatchSuperseded(out.Superseded); err != nil {
				s.logger.Errorw("superseded dispatch failed", "session", s.cfg.SessionID, "error", err)
			}
			continue
		}
		seg := out.Segment
		s.deps.Resolver.Annotate(seg)
		if err := s.deps.Fanout.DispatchSegment(seg); err != nil {
			s.logger.Errorw("segment dispatch failed", "session", s.cfg.SessionID, "error", err)
		}
	}
	return nil
}

// tickLoop drives the periodic duties: merger grace sweeps, provider
// keepalive, client heartbeat, idle deadline, registry TTL refresh.
func (s *Session) tickLoop() error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastHeartbeat := s.clock()
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := s.clock()

		s.deps.Merger.Sweep()

		if s.deps.Gate.NeedsKeepAlive() {
			s.deps.Mux.KeepAlive()
			s.deps.Gate.RecordKeepAlive()
		}

		if now.Sub(lastHeartbeat) >= s.cfg.HeartbeatInterval {
			lastHeartbeat = now
			if err := s.deps.Client.SendPing(); err != nil {
				s.logger.Warnw("heartbeat send failed", "session", s.cfg.SessionID, "error", err)
			}
			if s.deps.Registry != nil {
				ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
				s.deps.Registry.Touch(ctx, s.cfg.OwnerID, s.cfg.SessionID)
				cancel()
			}
		}

		idle := now.Sub(time.Unix(0, s.lastActivity.Load()))
		if idle >= s.cfg.IdleTimeout {
			s.logger.Infow("session idle, closing", "session", s.cfg.SessionID, "idle", idle)
			go s.Shutdown(internal_type.ReasonIdleTimeout)
			return nil
		}
	}
}

// watchFatal turns provider and sink fatals into shutdowns, and freezes
// the merger's view of a provider that lost authority.
func (s *Session) watchFatal() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case tag := <-s.deps.Mux.Demoted():
			s.logger.Warnw("provider demoted, freezing its segments",
				"session", s.cfg.SessionID, "provider", tag)
			s.deps.Merger.FreezeProvider(tag)
		case err := <-s.deps.Mux.Fatal():
			s.logger.Errorw("provider fatal", "session", s.cfg.SessionID, "error", err)
			go s.Shutdown(internal_type.ReasonProviderFailure)
			return nil
		case err := <-s.deps.Client.Fatal():
			s.logger.Errorw("client sink fatal", "session", s.cfg.SessionID, "error", err)
			go s.Shutdown(internal_type.ReasonInternalError)
			return nil
		}
	}
}

// Done closes when shutdown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Reason is the terminal reason; valid after Done.
func (s *Session) Reason() internal_type.EndReason {
	return s.endReason
}

// Shutdown drives the ordered teardown exactly once. Steps that exceed the
// absolute cap are logged and skipped, never retried.
func (s *Session) Shutdown(reason internal_type.EndReason) {
	s.endOnce.Do(func() {
		s.endReason = reason
		capCtx, capCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownCap)
		defer capCancel()
		start := s.clock()

		// 1. stop accepting client audio
		s.accepting.Store(false)

		// 2. decoder tail into the gate
		for _, w := range s.deps.Decoder.Flush() {
			s.processWindow(w)
		}

		// 3. gate teardown; buffered pre-roll is discarded, the burst it
		// was held for never arrived
		metrics := s.deps.Gate.Shutdown()
		if data, err := json.Marshal(metrics); err == nil {
			s.logger.Infow("vad gate metrics", "session", s.cfg.SessionID, "metrics", string(data))
		}

		// 4. drain providers: flush pending finals, give them the grace
		// window, then close the links. A fatal teardown skips the grace,
		// there is nothing healthy left to drain.
		s.deps.Mux.Finalize()
		if reason != internal_type.ReasonProviderFailure && reason != internal_type.ReasonInternalError {
			graceTimer := time.NewTimer(s.cfg.ShutdownGrace)
			select {
			case <-graceTimer.C:
			case <-capCtx.Done():
				s.logger.Warnw("shutdown cap hit during provider drain", "session", s.cfg.SessionID)
			}
			graceTimer.Stop()
		}
		_ = s.deps.Mux.Close()
		s.await(s.transcriptsDone, capCtx, "transcript pump")

		// 5. freeze the merger; remaining segments go out final
		s.deps.Merger.Close()
		s.await(s.outputsDone, capCtx, "output pump")

		// 6. terminal client message, then flush the best-effort legs
		if err := s.deps.Fanout.End(reason); err != nil {
			s.logger.Warnw("session end send failed", "session", s.cfg.SessionID, "error", err)
		}
		s.deps.Fanout.Close()

		// 7. persistence, exactly once
		s.persist()

		// 8. release everything else
		s.cancel()
		if s.deps.Registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.deps.Registry.Release(ctx, s.cfg.OwnerID, s.cfg.SessionID)
			cancel()
		}
		_ = s.group.Wait()

		s.logger.Infow("session closed",
			"session", s.cfg.SessionID,
			"reason", reason,
			"frames", s.deps.Reassembler.Frames(),
			"invalidFrames", s.deps.Reassembler.InvalidFrames(),
			"droppedAudio", s.deps.Mux.Dropped(),
			"mergeErrors", s.deps.Merger.MergeErrors(),
			"took", s.clock().Sub(start))
		close(s.done)
	})
}

func (s *Session) await(ch <-chan struct{}, capCtx context.Context, what string) {
	select {
	case <-ch:
	case <-capCtx.Done():
		s.logger.Warnw("shutdown cap hit", "session", s.cfg.SessionID, "waitingFor", what)
	}
}

func (s *Session) persist() {
	if s.deps.Persistence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	segments := s.deps.Merger.Finals()
	metadata := map[string]interface{}{
		"language":       s.cfg.Language,
		"codec":          s.cfg.Codec.String(),
		"sample_rate":    s.cfg.SampleRate,
		"speakers":       s.deps.Resolver.Bindings(),
		"frames":         s.deps.Reassembler.Frames(),
		"invalid_frames": s.deps.Reassembler.InvalidFrames(),
	}
	if s.deps.Registry != nil {
		if conv := s.deps.Registry.Conversation(ctx, s.cfg.SessionID); conv != "" {
			metadata["conversation_id"] = conv
		}
	}
	if err := s.deps.Persistence.PersistTranscript(ctx, s.cfg.SessionID, s.cfg.OwnerID, segments, metadata); err != nil {
		s.logger.Errorw("transcript persist failed",
			"session", s.cfg.SessionID, "error", fmt.Errorf("%w: %v", internal_type.ErrPersistFailed, err))
	}

	wav, err := s.deps.Recorder.Persist()
	if err != nil || len(wav) == 0 {
		return
	}
	if err := s.deps.Persistence.PersistRecording(ctx, s.cfg.SessionID, wav); err != nil {
		s.logger.Errorw("recording persist failed",
			"session", s.cfg.SessionID, "error", fmt.Errorf("%w: %v", internal_type.ErrPersistFailed, err))
	}
}
