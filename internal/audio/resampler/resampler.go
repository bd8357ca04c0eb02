// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_resampler

import (
	"fmt"
	"math"

	internal_audio "github.com/rapidaai/listen-api/internal/audio"
)

// Resampler converts PCM16 between fixed sample rates using a polyphase
// windowed-sinc filter. One instance per (from, to) pair; instances are
// stateless across calls because the pipeline always feeds whole windows.
type Resampler struct {
	from, to int
	// l/m is the rational rate ratio in lowest terms: upsample by l,
	// filter, downsample by m.
	l, m  int
	taps  [][]float64 // per-phase filter taps
	width int         // taps per phase
}

const filterWidth = 16 // taps per polyphase branch

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// New builds a polyphase resampler from one sample rate to another.
func New(fromRate, toRate int) (*Resampler, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	g := gcd(fromRate, toRate)
	r := &Resampler{
		from:  fromRate,
		to:    toRate,
		l:     toRate / g,
		m:     fromRate / g,
		width: filterWidth,
	}
	r.buildFilter()
	return r, nil
}

// buildFilter computes the prototype lowpass (cutoff at the lower Nyquist)
// with a Hann window, split into l polyphase branches.
func (r *Resampler) buildFilter() {
	cutoff := 0.5 / float64(maxInt(r.l, r.m))
	total := r.width * r.l
	proto := make([]float64, total)
	center := float64(total-1) / 2.0
	var sum float64
	for i := 0; i < total; i++ {
		x := float64(i) - center
		var s float64
		if x == 0 {
			s = 2 * cutoff
		} else {
			s = math.Sin(2*math.Pi*cutoff*x) / (math.Pi * x)
		}
		// Hann window
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(total-1))
		proto[i] = s * w
		sum += proto[i]
	}
	// Normalise for unity DC gain, scaled by l to compensate zero-stuffing.
	scale := float64(r.l) / sum
	for i := range proto {
		proto[i] *= scale
	}
	r.taps = make([][]float64, r.l)
	for p := 0; p < r.l; p++ {
		r.taps[p] = make([]float64, r.width)
		for k := 0; k < r.width; k++ {
			idx := p + k*r.l
			if idx < total {
				r.taps[p][k] = proto[idx]
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Resample converts a block of samples. Identity rates pass through.
func (r *Resampler) Resample(in []int16) []int16 {
	if r.l == r.m {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	outLen := len(in) * r.l / r.m
	out := make([]int16, 0, outLen)
	for n := 0; len(out) < outLen; n++ {
		// Output sample n draws from input position n*m/l with phase
		// (n*m)%l selecting the filter branch.
		pos := n * r.m / r.l
		phase := (n * r.m) % r.l
		var acc float64
		for k := 0; k < r.width; k++ {
			i := pos - k + r.width/2
			if i < 0 || i >= len(in) {
				continue
			}
			acc += float64(in[i]) * r.taps[phase][k]
		}
		out = append(out, clampInt16(acc))
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// ToInternal resamples from an arbitrary input rate to the canonical
// internal rate.
func ToInternal(in []int16, fromRate int) ([]int16, error) {
	if fromRate == internal_audio.InternalAudioConfig.SampleRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out, nil
	}
	r, err := New(fromRate, internal_audio.InternalAudioConfig.SampleRate)
	if err != nil {
		return nil, err
	}
	return r.Resample(in), nil
}
