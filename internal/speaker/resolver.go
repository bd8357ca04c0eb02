// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_speaker

import (
	"math"
	"regexp"
	"strings"
	"sync"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// DefaultCosineThreshold is the minimum similarity for an embedding match.
const DefaultCosineThreshold = 0.75

// selfIntroPattern captures the name in a self-introduction on a final
// segment. Candidate names still pass the gazetteer before binding.
var selfIntroPattern = regexp.MustCompile(`(?i)\b(?:my name is|my name's|i am|i'm|this is)\s+([a-z][a-z'-]{1,24})`)

// gazetteer keeps self-introduction matches from binding function words.
// Lowercased given names; deliberately small, false negatives are cheap.
var gazetteer = map[string]struct{}{
	"alex": {}, "alice": {}, "amir": {}, "ana": {}, "anna": {}, "ben": {},
	"carlos": {}, "chen": {}, "chris": {}, "daniel": {}, "david": {},
	"diego": {}, "elena": {}, "emma": {}, "fatima": {}, "george": {},
	"hana": {}, "ivan": {}, "james": {}, "jane": {}, "john": {}, "jose": {},
	"julia": {}, "kai": {}, "laura": {}, "leo": {}, "li": {}, "linda": {},
	"lucas": {}, "maria": {}, "mark": {}, "mary": {}, "maya": {},
	"michael": {}, "mohammed": {}, "nina": {}, "noah": {}, "olga": {},
	"omar": {}, "paul": {}, "peter": {}, "priya": {}, "rahul": {},
	"rosa": {}, "sam": {}, "sara": {}, "sarah": {}, "sofia": {},
	"tom": {}, "victor": {}, "wei": {}, "yuki": {}, "zoe": {},
}

// binding is the resolved identity for one provider speaker label.
type binding struct {
	personID string
	isUser   bool
	name     string
}

// Resolver maps opaque provider speaker labels onto known identities. Each
// session holds one resolver; bindings never leave the session.
type Resolver struct {
	logger    commons.Logger
	profiles  []internal_type.PersonProfile
	threshold float64

	mu       sync.Mutex
	bindings map[string]binding
}

// NewResolver builds a resolver over the owner's cached profiles.
func NewResolver(logger commons.Logger, profiles []internal_type.PersonProfile) *Resolver {
	return &Resolver{
		logger:    logger,
		profiles:  profiles,
		threshold: DefaultCosineThreshold,
		bindings:  make(map[string]binding),
	}
}

// WithThreshold overrides the embedding match threshold.
func (r *Resolver) WithThreshold(threshold float64) *Resolver {
	r.threshold = threshold
	return r
}

// ObserveEmbedding matches a speaker embedding against the profile set and
// binds the label on success. An existing binding is never displaced.
func (r *Resolver) ObserveEmbedding(speakerLabel string, embedding []float32) {
	if speakerLabel == "" || len(embedding) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[speakerLabel]; ok {
		return
	}

	bestScore := r.threshold
	var best *internal_type.PersonProfile
	for i := range r.profiles {
		p := &r.profiles[i]
		if len(p.Embedding) == 0 {
			continue
		}
		if score := cosine(embedding, p.Embedding); score >= bestScore {
			bestScore = score
			best = p
		}
	}
	if best == nil {
		return
	}
	r.bindings[speakerLabel] = binding{personID: best.PersonID, isUser: best.IsUser, name: best.DisplayName}
	r.logger.Debugw("speaker bound by embedding",
		"speaker", speakerLabel, "person", best.PersonID, "score", bestScore)
}

// Annotate stamps identity onto a segment and, on finals, scans for a
// self-introduction that can bind the label by name. Unbound labels stay
// unknown rather than guessing.
func (r *Resolver) Annotate(seg *internal_type.CanonicalSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seg.IsFinal {
		r.scanSelfIntro(seg)
	}

	b, ok := r.bindings[seg.SpeakerID]
	if !ok {
		return
	}
	seg.PersonID = b.personID
	seg.IsUser = b.isUser
}

// scanSelfIntro binds a label from "my name is X" style finals. Interim
// text is too unstable to trust for identity.
func (r *Resolver) scanSelfIntro(seg *internal_type.CanonicalSegment) {
	if seg.SpeakerID == "" {
		return
	}
	if _, ok := r.bindings[seg.SpeakerID]; ok {
		return
	}
	match := selfIntroPattern.FindStringSubmatch(seg.Text)
	if match == nil {
		return
	}
	name := strings.ToLower(strings.Trim(match[1], "'-"))
	if _, ok := gazetteer[name]; !ok {
		return
	}

	// prefer a profile carrying that display name
	for i := range r.profiles {
		p := &r.profiles[i]
		if strings.EqualFold(p.DisplayName, name) {
			r.bindings[seg.SpeakerID] = binding{personID: p.PersonID, isUser: p.IsUser, name: p.DisplayName}
			r.logger.Infow("speaker bound by self-introduction",
				"speaker", seg.SpeakerID, "person", p.PersonID)
			return
		}
	}
	// no profile: remember the name so the label stays consistent
	r.bindings[seg.SpeakerID] = binding{name: name}
	r.logger.Infow("unprofiled speaker introduced themselves",
		"speaker", seg.SpeakerID, "name", name)
}

// Bindings returns a copy of the label bindings, for session metadata.
func (r *Resolver) Bindings() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.bindings))
	for label, b := range r.bindings {
		if b.personID != "" {
			out[label] = b.personID
		} else if b.name != "" {
			out[label] = b.name
		}
	}
	return out
}

func cosine(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
