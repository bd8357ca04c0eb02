// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const connWriteTimeout = 10 * time.Second

// wsClientConn adapts a gorilla connection to the sink's ClientConn.
// gorilla permits one concurrent writer, so every write serialises here.
type wsClientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSClientConn(conn *websocket.Conn) *wsClientConn {
	return &wsClientConn{conn: conn}
}

func (c *wsClientConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsClientConn) writeClose(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *wsClientConn) close() error {
	return c.conn.Close()
}
