// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_sink

import (
	"fmt"
	"sync"
	"time"

	internal_type "github.com/rapidaai/listen-api/internal/type"
	internal_wire "github.com/rapidaai/listen-api/internal/wire"
	"github.com/rapidaai/listen-api/pkg/commons"
)

// DefaultStallTimeout is how long the client sink may block before the
// session is declared unrecoverable. A client that cannot keep up with its
// own transcript has effectively disconnected.
const DefaultStallTimeout = 5 * time.Second

const clientQueueDepth = 128

// ClientConn is the outbound half of the client socket.
type ClientConn interface {
	WriteBinary(data []byte) error
}

// ClientSink delivers transcript output back to the client socket. Delivery
// is ordered and mandatory: messages are never reordered or dropped, and a
// stall past the timeout surfaces as a fatal error instead.
type ClientSink struct {
	logger commons.Logger
	conn   ClientConn
	stall  time.Duration

	queue chan []byte
	fatal chan error
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewClientSink starts the writer goroutine.
func NewClientSink(logger commons.Logger, conn ClientConn) *ClientSink {
	s := &ClientSink{
		logger: logger,
		conn:   conn,
		stall:  DefaultStallTimeout,
		queue:  make(chan []byte, clientQueueDepth),
		fatal:  make(chan error, 1),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// WithStallTimeout overrides the stall deadline.
func (s *ClientSink) WithStallTimeout(d time.Duration) *ClientSink {
	s.stall = d
	return s
}

// Fatal delivers at most one unrecoverable sink error.
func (s *ClientSink) Fatal() <-chan error {
	return s.fatal
}

// SendSegment pushes a segment revision to the client.
func (s *ClientSink) SendSegment(seg *internal_type.CanonicalSegment) error {
	data, err := internal_wire.EncodeSegment(*seg)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendSuperseded notifies the client that a segment id was retired.
func (s *ClientSink) SendSuperseded(notice *internal_type.SupersededNotice) error {
	data, err := internal_wire.EncodeSuperseded(*notice)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendSessionEnd pushes the terminal message.
func (s *ClientSink) SendSessionEnd(reason internal_type.EndReason) error {
	data, err := internal_wire.EncodeSessionEnd(reason)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendPong answers a client ping.
func (s *ClientSink) SendPong() error {
	return s.enqueue(internal_wire.EncodePong())
}

// SendPing is the server-side heartbeat probe.
func (s *ClientSink) SendPing() error {
	return s.enqueue(internal_wire.EncodePing())
}

func (s *ClientSink) enqueue(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return internal_type.ErrSinkSlow
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	select {
	case s.queue <- data:
		return nil
	case <-timer.C:
		err := fmt.Errorf("client sink stalled %s: %w", s.stall, internal_type.ErrSinkSlow)
		select {
		case s.fatal <- err:
		default:
		}
		return err
	}
}

func (s *ClientSink) writeLoop() {
	defer s.wg.Done()
	for data := range s.queue {
		if err := s.conn.WriteBinary(data); err != nil {
			s.logger.Warnw("client write failed", "error", err)
			select {
			case s.fatal <- fmt.Errorf("client write: %w", internal_type.ErrSinkSlow):
			default:
			}
			// drain the rest so Close does not block producers
			for range s.queue {
			}
			return
		}
	}
}

// Close flushes queued messages and stops the writer. Idempotent.
func (s *ClientSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.queue)
	s.wg.Wait()
}
