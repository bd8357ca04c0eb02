// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vad

import (
	"time"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// Mode controls how the gate treats its own decisions.
type Mode string

const (
	// ModeOff disables the gate; all audio is forwarded and no detector runs.
	ModeOff Mode = "off"
	// ModeShadow runs the detector and counters but forwards everything.
	ModeShadow Mode = "shadow"
	// ModeActive gates silence out of the provider stream.
	ModeActive Mode = "active"
)

// State is the gate state machine position.
type State string

const (
	StateSilence  State = "silence"
	StateSpeech   State = "speech"
	StateHangover State = "hangover"
)

// Detector classifies a block of canonical PCM as speech or not. The energy
// detector is the default; a model detector (silero) can replace it when a
// model path is configured.
type Detector interface {
	IsSpeech(samples []int16) (bool, error)
	Reset()
	Close()
}

// EnergyDetector is the RMS-threshold detector. Threshold is normalised to
// [0, 1]; it is read once at session start (no live reconfiguration).
type EnergyDetector struct {
	threshold float64
}

// NewEnergyDetector clamps the threshold into [0, 1].
func NewEnergyDetector(threshold float64) *EnergyDetector {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return &EnergyDetector{threshold: threshold}
}

// IsSpeech reports whether any 20 ms inner frame meets the threshold.
func (d *EnergyDetector) IsSpeech(samples []int16) (bool, error) {
	for off := 0; off < len(samples); off += internal_audio.WindowSamples {
		end := off + internal_audio.WindowSamples
		if end > len(samples) {
			end = len(samples)
		}
		if internal_audio.RMS(samples[off:end]) >= d.threshold {
			return true, nil
		}
	}
	return false, nil
}

func (d *EnergyDetector) Reset() {}
func (d *EnergyDetector) Close() {}

// Result is the outcome of pushing one window through the gate.
type Result struct {
	// Windows to forward to the provider fan-out, in order. Contains the
	// pre-roll replay on a silence->speech transition.
	Windows []internal_audio.PcmWindow
	// Finalize asks the provider links to flush pending transcripts
	// (speech -> silence transition).
	Finalize bool
	State    State
	Voiced   bool
}

// Config shapes a Gate.
type Config struct {
	Mode      Mode
	PreRoll   time.Duration // look-behind replayed on speech onset
	Hangover  time.Duration // trailing pass-through after speech offset
	KeepAlive time.Duration // provider keepalive cadence during gated silence
	// ForcedStart is the span at session start that always passes.
	ForcedStart time.Duration
}

// DefaultConfig mirrors the calibrated production values.
func DefaultConfig() Config {
	return Config{
		Mode:        ModeActive,
		PreRoll:     240 * time.Millisecond,
		Hangover:    600 * time.Millisecond,
		KeepAlive:   20 * time.Second,
		ForcedStart: 500 * time.Millisecond,
	}
}

// Gate is the per-session asymmetric VAD gate: silence is withheld from the
// provider stream, a pre-roll ring preserves word onsets, and a hang-over
// span preserves trailing phonemes. CPU-only; invoked synchronously from the
// decoder stage.
type Gate struct {
	logger   commons.Logger
	detector Detector
	cfg      Config

	state State

	preRoll      []internal_audio.PcmWindow
	preRollTotal time.Duration

	audioCursor     time.Duration // total audio observed
	lastSpeechAt    time.Duration // audio cursor at last voiced window
	lastSendedAt    time.Time
	firstAudioAt    time.Time
	haveFirstAudio  bool
	clock           func() time.Time
	providerMapper  *ProviderClock
	metrics         Metrics
	metricsHist     [10]uint64
	peakRMS         float64
	peakRMSWindowAt time.Duration
}

// NewGate builds a gate. detector may be nil in ModeOff.
func NewGate(logger commons.Logger, detector Detector, cfg Config) *Gate {
	if cfg.PreRoll <= 0 {
		cfg.PreRoll = 240 * time.Millisecond
	}
	if cfg.Hangover <= 0 {
		cfg.Hangover = 600 * time.Millisecond
	}
	return &Gate{
		logger:         logger,
		detector:       detector,
		cfg:            cfg,
		state:          StateSilence,
		clock:          time.Now,
		providerMapper: NewProviderClock(),
	}
}

// WithClock injects a deterministic clock for tests.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// ProviderClock returns the provider-time remapper fed by this gate.
func (g *Gate) Clock() *ProviderClock { return g.providerMapper }

// Mode returns the configured gate mode.
func (g *Gate) Mode() Mode { return g.cfg.Mode }

// Process pushes one window through the gate.
func (g *Gate) Process(w internal_audio.PcmWindow) Result {
	now := g.clock()
	if !g.haveFirstAudio {
		g.firstAudioAt = now
		g.haveFirstAudio = true
	}

	dur := time.Duration(w.Duration() * float64(time.Second))
	windowStart := g.audioCursor
	g.audioCursor += dur

	g.metrics.WindowsIn++
	g.observeRMS(w, windowStart)

	if g.cfg.Mode == ModeOff {
		return g.pass(w, StateSilence, false, now)
	}

	voiced := g.detect(w)
	if voiced {
		g.lastSpeechAt = g.audioCursor
		g.metrics.WindowsVoiced++
	}

	// Session start grace: the user may begin speaking immediately.
	forced := windowStart < g.cfg.ForcedStart

	if g.cfg.Mode == ModeShadow || forced {
		return g.pass(w, g.state, voiced, now)
	}

	return g.step(w, voiced, windowStart, now)
}

// Shutdown discards any buffered pre-roll (the burst it was waiting for
// never arrived) and returns final metrics.
func (g *Gate) Shutdown() Metrics {
	g.preRoll = nil
	g.preRollTotal = 0
	if g.detector != nil {
		g.detector.Close()
	}
	m := g.metrics
	m.State = string(g.state)
	m.Mode = string(g.cfg.Mode)
	m.Histogram = g.metricsHist
	return m
}

// NeedsKeepAlive reports whether the provider links should receive a
// keepalive now: true when nothing has been forwarded for the cadence span
// while audio is still arriving.
func (g *Gate) NeedsKeepAlive() bool {
	if g.cfg.Mode != ModeActive || g.cfg.KeepAlive <= 0 {
		return false
	}
	ref := g.lastSendedAt
	if ref.IsZero() {
		if !g.haveFirstAudio {
			return false
		}
		ref = g.firstAudioAt
	}
	return g.clock().Sub(ref) >= g.cfg.KeepAlive
}

// RecordKeepAlive counts a keepalive send and resets the cadence timer.
func (g *Gate) RecordKeepAlive() {
	g.metrics.KeepAlives++
	g.lastSendedAt = g.clock()
}

func (g *Gate) detect(w internal_audio.PcmWindow) bool {
	if g.detector == nil {
		return true
	}
	voiced, err := g.detector.IsSpeech(w.Samples)
	if err != nil {
		// Detector failure opens the gate rather than dropping speech.
		g.logger.Warnw("VAD detector error, passing window", "error", err)
		return true
	}
	return voiced
}

func (g *Gate) pass(w internal_audio.PcmWindow, state State, voiced bool, now time.Time) Result {
	g.metrics.WindowsPassed++
	g.providerMapper.OnAudioSent(w.Duration(), w.StartSeconds())
	g.lastSendedAt = now
	return Result{Windows: []internal_audio.PcmWindow{w}, State: state, Voiced: voiced}
}

func (g *Gate) step(w internal_audio.PcmWindow, voiced bool, windowStart time.Duration, now time.Time) Result {
	switch g.state {
	case StateSilence:
		g.bufferPreRoll(w)
		if !voiced {
			g.providerMapper.OnSilenceSkipped()
			return Result{State: StateSilence}
		}
		// silence -> speech: replay the pre-roll once, then the live stream.
		g.state = StateSpeech
		burst := g.preRoll
		g.preRoll = nil
		g.preRollTotal = 0

		var burstDur float64
		for _, pw := range burst {
			burstDur += pw.Duration()
		}
		g.providerMapper.OnAudioSent(burstDur, burst[0].StartSeconds())
		g.metrics.WindowsPassed += uint64(len(burst))
		g.metrics.Bursts++
		g.lastSendedAt = now
		g.logger.Debugw("VAD gate opened", "preRollWindows", len(burst), "cursorSeconds", g.audioCursor.Seconds())
		return Result{Windows: burst, State: StateSpeech, Voiced: true}

	case StateSpeech:
		if !voiced {
			g.state = StateHangover
		}
		return g.pass(w, g.state, voiced, now)

	case StateHangover:
		if voiced {
			g.state = StateSpeech
			return g.pass(w, StateSpeech, true, now)
		}
		if g.audioCursor-g.lastSpeechAt > g.cfg.Hangover {
			// hang-over expired: close the gate and flush the provider.
			g.state = StateSilence
			g.metrics.Finalizes++
			g.preRoll = nil
			g.preRollTotal = 0
			g.bufferPreRoll(w)
			g.providerMapper.OnSilenceSkipped()
			g.logger.Debugw("VAD gate closed", "cursorSeconds", g.audioCursor.Seconds())
			return Result{Finalize: true, State: StateSilence}
		}
		return g.pass(w, StateHangover, false, now)
	}
	// unreachable
	return g.pass(w, g.state, voiced, now)
}

func (g *Gate) bufferPreRoll(w internal_audio.PcmWindow) {
	g.preRoll = append(g.preRoll, w)
	g.preRollTotal += time.Duration(w.Duration() * float64(time.Second))
	for g.preRollTotal > g.cfg.PreRoll && len(g.preRoll) > 1 {
		evicted := g.preRoll[0]
		g.preRoll = g.preRoll[1:]
		g.preRollTotal -= time.Duration(evicted.Duration() * float64(time.Second))
	}
}

func (g *Gate) observeRMS(w internal_audio.PcmWindow, windowStart time.Duration) {
	rms := internal_audio.RMS(w.Samples)
	bucket := int(rms * 10)
	if bucket > 9 {
		bucket = 9
	}
	g.metricsHist[bucket]++

	// peak RMS per 10-second span, for the replay/calibration tool
	const span = 10 * time.Second
	if windowStart-g.peakRMSWindowAt >= span {
		g.metrics.PeakRMS = g.peakRMS
		g.peakRMS = 0
		g.peakRMSWindowAt = windowStart
	}
	if rms > g.peakRMS {
		g.peakRMS = rms
	}
	if rms > g.metrics.PeakRMS {
		g.metrics.PeakRMS = rms
	}
}

// Metrics is the gate's counter snapshot, logged as one JSON line at
// session end and scraped by the replay tool.
type Metrics struct {
	WindowsIn     uint64     `json:"windows_in"`
	WindowsPassed uint64     `json:"windows_passed"`
	WindowsVoiced uint64     `json:"windows_voiced"`
	Bursts        uint64     `json:"bursts"`
	Finalizes     uint64     `json:"finalizes"`
	KeepAlives    uint64     `json:"keepalives"`
	PeakRMS       float64    `json:"peak_rms"`
	Histogram     [10]uint64 `json:"rms_histogram"`
	State         string     `json:"state"`
	Mode          string     `json:"mode"`
}

// SavingsRatio is the fraction of windows withheld from providers.
func (m Metrics) SavingsRatio() float64 {
	if m.WindowsIn == 0 {
		return 0
	}
	return 1 - float64(m.WindowsPassed)/float64(m.WindowsIn)
}
