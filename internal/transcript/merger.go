// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

const (
	// DefaultGrace is how long an interim segment may go without an update
	// before it is promoted to final.
	DefaultGrace = 500 * time.Millisecond

	// translationTolerance is the alignment slack when attaching a
	// translation to its source segment.
	translationTolerance = 200 * time.Millisecond

	// supersedeRatio is the minimum share of an existing segment that a
	// newer same-speaker final must cover to replace it.
	supersedeRatio = 0.5

	// clockToleranceSec is how far past the session's elapsed time an
	// event may claim to start before it is rejected as future-dated.
	// Providers legitimately run a little ahead of the wall clock on
	// endpointing flushes.
	clockToleranceSec = 2.0

	maxPendingTranslations = 32
)

// Output is one merger emission: either a segment revision or a
// supersession notice. Exactly one field is set.
type Output struct {
	Segment    *internal_type.CanonicalSegment
	Superseded *internal_type.SupersededNotice
}

type segmentKey struct {
	provider internal_type.ProviderTag
	id       string
}

type entry struct {
	segment    internal_type.CanonicalSegment
	provider   internal_type.ProviderTag
	speaker    string
	lastUpdate time.Time
}

// Merger folds the raw provider transcript stream into one canonical
// segment timeline: interim revisions replace in place, stale interims get
// promoted after a grace period, overlapping same-speaker finals supersede
// older ones, and translations attach to the segment they align with.
type Merger struct {
	logger  commons.Logger
	grace   time.Duration
	clock   func() time.Time
	elapsed func() float64 // session seconds; nil disables the future bound

	mu       sync.Mutex
	active   map[segmentKey]*entry
	finals   []*entry // emitted finals, kept for supersede checks
	pending  []internal_type.TranscriptEvent
	frozen   map[internal_type.ProviderTag]bool
	closed   bool
	mergeErr uint64

	out chan Output
}

// NewMerger builds a merger with the production grace period.
func NewMerger(logger commons.Logger) *Merger {
	return &Merger{
		logger: logger,
		grace:  DefaultGrace,
		clock:  time.Now,
		active: make(map[segmentKey]*entry),
		frozen: make(map[internal_type.ProviderTag]bool),
		out:    make(chan Output, 256),
	}
}

// WithClock injects a deterministic clock for tests.
func (m *Merger) WithClock(clock func() time.Time) *Merger {
	m.clock = clock
	return m
}

// WithGrace overrides the interim promotion grace.
func (m *Merger) WithGrace(grace time.Duration) *Merger {
	m.grace = grace
	return m
}

// WithElapsed wires the session clock so future-dated events can be
// rejected. elapsed reports seconds since session start.
func (m *Merger) WithElapsed(elapsed func() float64) *Merger {
	m.elapsed = elapsed
	return m
}

// Events is the canonical output stream. Closed by Close.
func (m *Merger) Events() <-chan Output {
	return m.out
}

// MergeErrors is the count of malformed events dropped so far.
func (m *Merger) MergeErrors() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeErr
}

// Ingest folds one provider event into the timeline. Timestamps must
// already be session-relative.
func (m *Merger) Ingest(ev internal_type.TranscriptEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if err := m.validate(ev); err != nil {
		m.mergeErr++
		m.logger.Warnw("dropping malformed transcript event",
			"provider", ev.Provider, "segment", ev.SegmentID, "error", err)
		return
	}

	if ev.IsTranslation() {
		m.ingestTranslation(ev)
		return
	}
	m.ingestTranscript(ev)
}

func (m *Merger) validate(ev internal_type.TranscriptEvent) error {
	if ev.Text == "" {
		return fmt.Errorf("%w: empty text", internal_type.ErrMerge)
	}
	if ev.End < ev.Start || ev.Start < 0 {
		return fmt.Errorf("%w: bad time range [%f, %f]", internal_type.ErrMerge, ev.Start, ev.End)
	}
	if ev.SegmentID == "" {
		return fmt.Errorf("%w: missing segment id", internal_type.ErrMerge)
	}
	if m.elapsed != nil {
		// end >= start already holds, so bounding end covers both.
		if limit := m.elapsed() + clockToleranceSec; ev.End > limit {
			return fmt.Errorf("%w: range [%.3f, %.3f] beyond session clock %.3f",
				internal_type.ErrMerge, ev.Start, ev.End, limit)
		}
	}
	return nil
}

func (m *Merger) ingestTranscript(ev internal_type.TranscriptEvent) {
	if m.frozen[ev.Provider] {
		// the provider lost authority; its revisions no longer apply
		return
	}

	key := segmentKey{provider: ev.Provider, id: ev.SegmentID}
	e, ok := m.active[key]
	if !ok {
		e = &entry{
			segment: internal_type.CanonicalSegment{
				ID:           uuid.NewString(),
				Translations: map[string]string{},
			},
			provider: ev.Provider,
		}
		m.active[key] = e
	}

	e.segment.Start = ev.Start
	e.segment.End = ev.End
	e.segment.Text = ev.Text
	e.segment.SpeakerID = ev.SpeakerID
	e.segment.Confidence = ev.Confidence
	e.segment.IsFinal = ev.IsFinal
	e.segment.Language = ev.Language
	e.speaker = ev.SpeakerID
	e.lastUpdate = m.clock()

	if ev.IsFinal {
		delete(m.active, key)
		m.finalize(e)
		return
	}
	m.emit(Output{Segment: cloneSegment(&e.segment)})
}

// finalize emits a final revision, applying the supersede rule against
// previously emitted finals and retrying pending translations.
func (m *Merger) finalize(e *entry) {
	kept := m.finals[:0]
	for _, old := range m.finals {
		if old.speaker == e.speaker && overlapRatio(old.segment, e.segment) >= supersedeRatio {
			m.emit(Output{Superseded: &internal_type.SupersededNotice{
				SupersededID: old.segment.ID,
				ByID:         e.segment.ID,
			}})
			continue
		}
		kept = append(kept, old)
	}
	m.finals = append(kept, e)

	m.attachPending(e)
	m.emit(Output{Segment: cloneSegment(&e.segment)})
}

// overlapRatio is the share of old covered by new.
func overlapRatio(old, new internal_type.CanonicalSegment) float64 {
	lo := old.Start
	if new.Start > lo {
		lo = new.Start
	}
	hi := old.End
	if new.End < hi {
		hi = new.End
	}
	if hi <= lo {
		return 0
	}
	dur := old.End - old.Start
	if dur <= 0 {
		return 0
	}
	return (hi - lo) / dur
}

func (m *Merger) ingestTranslation(ev internal_type.TranscriptEvent) {
	if m.attachTranslation(ev) {
		return
	}
	if len(m.pending) >= maxPendingTranslations {
		m.mergeErr++
		m.logger.Warnw("pending translation buffer full, dropping",
			"segment", ev.SegmentID, "language", ev.Language)
		return
	}
	m.pending = append(m.pending, ev)
}

// attachTranslation binds a translation to the final segment it aligns
// with, within tolerance on both edges.
func (m *Merger) attachTranslation(ev internal_type.TranscriptEvent) bool {
	tol := translationTolerance.Seconds()
	for _, e := range m.finals {
		if abs(e.segment.Start-ev.Start) <= tol && abs(e.segment.End-ev.End) <= tol {
			if e.segment.Translations == nil {
				e.segment.Translations = map[string]string{}
			}
			e.segment.Translations[ev.Language] = ev.Text
			m.emit(Output{Segment: cloneSegment(&e.segment)})
			return true
		}
	}
	return false
}

func (m *Merger) attachPending(e *entry) {
	tol := translationTolerance.Seconds()
	kept := m.pending[:0]
	for _, ev := range m.pending {
		if abs(e.segment.Start-ev.Start) <= tol && abs(e.segment.End-ev.End) <= tol {
			e.segment.Translations[ev.Language] = ev.Text
			continue
		}
		kept = append(kept, ev)
	}
	m.pending = kept
}

// FreezeProvider stops applying revisions from a provider that lost
// authority. Its in-flight interims are promoted to final as they stand.
func (m *Merger) FreezeProvider(tag internal_type.ProviderTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.frozen[tag] = true
	for key, e := range m.active {
		if e.provider != tag {
			continue
		}
		e.segment.IsFinal = true
		delete(m.active, key)
		m.finalize(e)
	}
}

// Sweep promotes interim segments that have gone quiet past the grace
// period. Called by the session pump on its tick.
func (m *Merger) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	now := m.clock()
	for key, e := range m.active {
		if now.Sub(e.lastUpdate) < m.grace {
			continue
		}
		e.segment.IsFinal = true
		delete(m.active, key)
		m.finalize(e)
	}
}

// Close promotes everything still interim and closes the output stream.
func (m *Merger) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for key, e := range m.active {
		e.segment.IsFinal = true
		delete(m.active, key)
		m.finalize(e)
	}
	m.closed = true
	close(m.out)
}

// Finals returns a copy of the final timeline, ordered as emitted. Used by
// the persistence step at session end.
func (m *Merger) Finals() []internal_type.CanonicalSegment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]internal_type.CanonicalSegment, 0, len(m.finals))
	for _, e := range m.finals {
		out = append(out, *cloneSegment(&e.segment))
	}
	return out
}

func (m *Merger) emit(o Output) {
	select {
	case m.out <- o:
	default:
		m.mergeErr++
		m.logger.Warnw("merger output full, dropping emission")
	}
}

func cloneSegment(s *internal_type.CanonicalSegment) *internal_type.CanonicalSegment {
	cp := *s
	if s.Translations != nil {
		cp.Translations = make(map[string]string, len(s.Translations))
		for k, v := range s.Translations {
			cp.Translations[k] = v
		}
	}
	return &cp
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
