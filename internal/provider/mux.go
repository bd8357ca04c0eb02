// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	maxReconnects    = 3
	reconnectBackoff = time.Second
	maxBackoff       = 15 * time.Second
	audioQueueDepth  = 256
)

// Factory builds a fresh provider connection for a role. Used for the
// initial dial and for every reconnect.
type Factory func() (Provider, error)

// link is one managed provider connection with its send queue.
type link struct {
	role     Role
	provider Provider
	audio    chan []byte
	done     chan struct{}

	mu      sync.Mutex
	state   LinkState
	dropped uint64

	closeOnce sync.Once
	failOnce  sync.Once
}

// shutdown is idempotent; both Close and the reconnect path may race here.
func (l *link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.provider.Close()
	})
}

func (l *link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *link) getState() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Mux fans one canonical audio stream out to up to three provider links and
// merges their transcript events into one ordered stream. Exactly one
// transcription link is authoritative at a time; the translation link is
// never authoritative and its events always pass through tagged as
// translations.
type Mux struct {
	logger    commons.Logger
	factories map[Role]Factory
	opts      StreamOptions

	mu            sync.Mutex
	links         map[Role]*link
	authoritative Role
	closed        bool

	transcripts chan internal_type.TranscriptEvent
	fatal       chan error
	demoted     chan internal_type.ProviderTag
	quit        chan struct{}

	wg sync.WaitGroup

	reconnectBase time.Duration
}

// NewMux wires the configured roles. RolePrimary is required; the others
// are optional.
func NewMux(logger commons.Logger, factories map[Role]Factory, opts StreamOptions) (*Mux, error) {
	if _, ok := factories[RolePrimary]; !ok {
		return nil, fmt.Errorf("provider mux: no primary factory")
	}
	return &Mux{
		logger:        logger,
		factories:     factories,
		opts:          opts,
		links:         make(map[Role]*link),
		authoritative: RolePrimary,
		transcripts:   make(chan internal_type.TranscriptEvent, 256),
		fatal:         make(chan error, 1),
		demoted:       make(chan internal_type.ProviderTag, 1),
		quit:          make(chan struct{}),
		reconnectBase: reconnectBackoff,
	}, nil
}

// WithReconnectBase overrides the first-attempt backoff. Tests use this to
// exercise the reconnect path without real waits.
func (m *Mux) WithReconnectBase(d time.Duration) *Mux {
	m.reconnectBase = d
	return m
}

// Open dials the primary link synchronously; the session cannot start
// without it. Fallback and translation links come up in the background and
// are allowed to fail.
func (m *Mux) Open(ctx context.Context) error {
	if err := m.openLink(ctx, RolePrimary); err != nil {
		return fmt.Errorf("open primary: %w", err)
	}
	for _, role := range []Role{RoleFallback, RoleTranslation} {
		if _, ok := m.factories[role]; !ok {
			continue
		}
		role := role
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.openLink(ctx, role); err != nil {
				m.logger.Warnw("optional provider link failed to open", "role", role, "error", err)
			}
		}()
	}
	return nil
}

func (m *Mux) openLink(ctx context.Context, role Role) error {
	provider, err := m.factories[role]()
	if err != nil {
		return err
	}

	streamOpts := m.opts
	if role == RoleTranslation {
		streamOpts.TargetLanguage = m.opts.TargetLanguage
	}
	if err := provider.Open(ctx, streamOpts); err != nil {
		_ = provider.Close()
		return err
	}

	l := &link{
		role:     role,
		provider: provider,
		audio:    make(chan []byte, audioQueueDepth),
		done:     make(chan struct{}),
		state:    LinkReady,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = provider.Close()
		return fmt.Errorf("mux closed")
	}
	m.links[role] = l
	m.mu.Unlock()

	m.wg.Add(2)
	go m.sendLoop(l)
	go m.eventLoop(l)
	m.logger.Infow("provider link ready", "role", role, "provider", provider.Name())
	return nil
}

// SendAudio queues pcm on every live link. A slow link drops frames rather
// than stalling the pipeline.
func (m *Mux) SendAudio(pcm []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		if l.getState() != LinkReady {
			continue
		}
		select {
		case l.audio <- pcm:
		default:
			l.mu.Lock()
			l.dropped++
			n := l.dropped
			l.mu.Unlock()
			if n%100 == 1 {
				m.logger.Warnw("provider audio queue full, dropping", "role", l.role, "dropped", n)
			}
		}
	}
}

// Finalize asks every live link to flush pending partials.
func (m *Mux) Finalize() {
	m.eachReady(func(l *link) {
		if err := l.provider.Finalize(); err != nil {
			m.logger.Warnw("provider finalize failed", "role", l.role, "error", err)
		}
	})
}

// KeepAlive pings every live link across gated silence.
func (m *Mux) KeepAlive() {
	m.eachReady(func(l *link) {
		if err := l.provider.KeepAlive(); err != nil {
			m.logger.Warnw("provider keepalive failed", "role", l.role, "error", err)
		}
	})
}

func (m *Mux) eachReady(fn func(*link)) {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		if l.getState() == LinkReady {
			links = append(links, l)
		}
	}
	m.mu.Unlock()
	for _, l := range links {
		fn(l)
	}
}

// Transcripts is the merged stream: authoritative transcription events plus
// all translation events. Closed by Close.
func (m *Mux) Transcripts() <-chan internal_type.TranscriptEvent {
	return m.transcripts
}

// Fatal delivers at most one unrecoverable provider error.
func (m *Mux) Fatal() <-chan error {
	return m.fatal
}

// Demoted announces the provider that lost authority when the fallback is
// elected, so the session can freeze its in-flight segments.
func (m *Mux) Demoted() <-chan internal_type.ProviderTag {
	return m.demoted
}

// Authoritative reports which transcription role is currently elected.
func (m *Mux) Authoritative() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authoritative
}

// Dropped returns the total frames dropped across links.
func (m *Mux) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n uint64
	for _, l := range m.links {
		l.mu.Lock()
		n += l.dropped
		l.mu.Unlock()
	}
	return n
}

// Close drains and tears down every link, then closes the merged stream.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.quit)
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		l.setState(LinkDraining)
		l.shutdown()
	}
	m.wg.Wait()
	close(m.transcripts)
	return nil
}

func (m *Mux) sendLoop(l *link) {
	defer m.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case pcm := <-l.audio:
			if err := l.provider.SendAudio(pcm); err != nil {
				m.failLink(l, fmt.Errorf("send: %w", err))
				return
			}
		}
	}
}

// failLink funnels write and read failures into one dead transition; the
// send loop and the event loop may both observe the same broken link.
func (m *Mux) failLink(l *link, err error) {
	l.failOnce.Do(func() {
		l.setState(LinkDead)
		m.logger.Warnw("provider link dead", "role", l.role, "error", err)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconnect(l)
		}()
	})
}

func (m *Mux) eventLoop(l *link) {
	defer m.wg.Done()
	for ev := range l.provider.Events() {
		if ev.Transcript != nil {
			m.forward(l, ev.Transcript)
			continue
		}
		switch ev.State {
		case LinkReady:
			l.setState(LinkReady)
		case LinkDraining:
			l.setState(LinkDraining)
		case LinkDead:
			m.failLink(l, ev.Err)
			return
		}
	}
}

// forward applies the authority rule before merging.
func (m *Mux) forward(l *link, ev *internal_type.TranscriptEvent) {
	if l.role != RoleTranslation {
		m.mu.Lock()
		authoritative := m.authoritative == l.role
		m.mu.Unlock()
		if !authoritative {
			return
		}
	}
	select {
	case m.transcripts <- *ev:
	default:
		m.logger.Warnw("transcript stream full, dropping", "role", l.role, "segment", ev.SegmentID)
	}
}

// reconnect retries a dead link with exponential backoff. When the
// authoritative link stays dead, authority moves to the fallback; with no
// live transcription link left the session is unrecoverable.
func (m *Mux) reconnect(l *link) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.links, l.role)
	m.mu.Unlock()
	l.shutdown()

	backoff := m.reconnectBase
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-m.quit:
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := m.openLink(ctx, l.role)
		cancel()
		if err == nil {
			m.logger.Infow("provider link reconnected", "role", l.role, "attempt", attempt)
			return
		}
		m.logger.Warnw("provider reconnect failed", "role", l.role, "attempt", attempt, "error", err)
	}

	m.onLinkLost(l.role, l.provider.Name())
}

func (m *Mux) onLinkLost(role Role, tag internal_type.ProviderTag) {
	if role == RoleTranslation {
		m.logger.Warnw("translation link lost, continuing without translations")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if role != m.authoritative {
		return
	}
	// elect the fallback if it is alive
	if role == RolePrimary {
		if fb, ok := m.links[RoleFallback]; ok && fb.getState() == LinkReady {
			m.authoritative = RoleFallback
			m.logger.Warnw("primary provider lost, fallback now authoritative")
			select {
			case m.demoted <- tag:
			default:
			}
			return
		}
	}
	select {
	case m.fatal <- fmt.Errorf("authoritative provider %s lost: %w", role, internal_type.ErrProviderDead):
	default:
	}
}
