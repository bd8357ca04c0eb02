// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_vad

import "sync"

// maxCheckpoints bounds the remapping table; one checkpoint is recorded per
// gate burst, so long sessions compact from the front.
const maxCheckpoints = 500

type checkpoint struct {
	providerSec float64 // cumulative audio seconds as the provider sees them
	sessionSec  float64 // session-relative seconds of the same instant
}

// ProviderClock remaps provider audio-time into session time. With the gate
// active, the provider only hears the voiced subset of the stream, so its
// timestamps drift behind the session timeline by the amount of silence the
// gate withheld. Every burst records a checkpoint; lookups interpolate from
// the nearest checkpoint at or before the queried provider time.
type ProviderClock struct {
	mu          sync.Mutex
	checkpoints []checkpoint
	providerSec float64
	gapOpen     bool
}

func NewProviderClock() *ProviderClock {
	return &ProviderClock{}
}

// OnAudioSent records that durationSec of audio starting at session-relative
// sessionSec was forwarded to the provider.
func (c *ProviderClock) OnAudioSent(durationSec, sessionSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gapOpen || len(c.checkpoints) == 0 {
		c.checkpoints = append(c.checkpoints, checkpoint{
			providerSec: c.providerSec,
			sessionSec:  sessionSec,
		})
		if len(c.checkpoints) > maxCheckpoints {
			c.checkpoints = c.checkpoints[len(c.checkpoints)-maxCheckpoints:]
		}
		c.gapOpen = false
	}
	c.providerSec += durationSec
}

// OnSilenceSkipped marks a discontinuity; the next forwarded audio opens a
// new checkpoint.
func (c *ProviderClock) OnSilenceSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gapOpen = true
}

// ToSessionTime converts a provider-reported timestamp to session time.
// Without checkpoints (gate off or shadow) it is the identity.
func (c *ProviderClock) ToSessionTime(providerSec float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.checkpoints) == 0 {
		return providerSec
	}
	// nearest checkpoint at or before providerSec
	best := c.checkpoints[0]
	for _, cp := range c.checkpoints {
		if cp.providerSec > providerSec {
			break
		}
		best = cp
	}
	return best.sessionSec + (providerSec - best.providerSec)
}

// ProviderSeconds is the total audio duration forwarded so far.
func (c *ProviderClock) ProviderSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.providerSec
}
