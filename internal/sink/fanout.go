// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sink

import (
	internal_type "github.com/rapidaai/listen-api/internal/type"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// Fanout distributes pipeline output across the sinks. The client socket is
// the one mandatory consumer; webhooks ride along best-effort. A failure on
// a best-effort leg never propagates.
type Fanout struct {
	logger  commons.Logger
	client  *ClientSink
	webhook *WebhookSink
}

// NewFanout wires the sinks. webhook may be nil when no URLs are
// configured.
func NewFanout(logger commons.Logger, client *ClientSink, webhook *WebhookSink) *Fanout {
	return &Fanout{logger: logger, client: client, webhook: webhook}
}

// DispatchSegment sends a segment revision everywhere. The returned error
// is the client sink's; it is fatal for the session.
func (f *Fanout) DispatchSegment(seg *internal_type.CanonicalSegment) error {
	if f.webhook != nil {
		f.webhook.SendSegment(seg)
	}
	return f.client.SendSegment(seg)
}

// DispatchSuperseded notifies the client of a retired segment id.
func (f *Fanout) DispatchSuperseded(n *internal_type.SupersededNotice) error {
	return f.client.SendSuperseded(n)
}

// MirrorAudio feeds the ungated canonical stream to the raw audio mirror.
func (f *Fanout) MirrorAudio(pcm []byte) {
	if f.webhook != nil {
		f.webhook.MirrorAudio(pcm)
	}
}

// End sends the terminal client message and flushes the best-effort legs.
func (f *Fanout) End(reason internal_type.EndReason) error {
	err := f.client.SendSessionEnd(reason)
	if f.webhook != nil {
		f.webhook.Flush()
		f.webhook.Wait()
	}
	return err
}

// Close releases the client writer.
func (f *Fanout) Close() {
	f.client.Close()
}
