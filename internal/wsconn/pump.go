// Package wsconn hosts the adapter and client WebSocket listeners: TCP
// accept, handshake, and the per-connection ingress/egress pump pair that
// services a registered connection until either side closes.
package wsconn

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bcon/bcon-server/internal/logger"
	"github.com/bcon/bcon-server/internal/queue"
	"github.com/bcon/bcon-server/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// runEgressPump drains eg and writes each envelope as a JSON text frame,
// interleaving periodic pings, until eg is closed or a write fails. It
// always closes conn on return so the paired ingress pump's blocking
// read unblocks.
func runEgressPump(conn *websocket.Conn, eg *queue.Queue[wire.Outgoing], connectionID string) {
	defer conn.Close()

	for {
		msg, ok, timedOut := eg.PopOrTimeout(pingInterval)
		if timedOut {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if !ok {
			return
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			logger.WS().Warn().Str("connection_id", connectionID).Err(err).Msg("failed to marshal outgoing envelope")
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// runIngressPump reads frames from conn, decodes each as wire.Incoming,
// and invokes onMessage. It returns when the socket closes, a read error
// occurs, or onMessage asks to stop by returning false.
func runIngressPump(conn *websocket.Conn, connectionID string, onMessage func(wire.Incoming) bool) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.WS().Debug().Str("connection_id", connectionID).Err(err).Msg("ingress pump closing")
			return
		}
		var incoming wire.Incoming
		if err := json.Unmarshal(raw, &incoming); err != nil {
			logger.WS().Warn().Str("connection_id", connectionID).Err(err).Msg("dropping malformed frame")
			continue
		}
		if !onMessage(incoming) {
			return
		}
	}
}
