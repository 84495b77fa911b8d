// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package stream

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"memwatch/events"
	"memwatch/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingCadence  = 54 * time.Second
)

// handleWebSocket upgrades the connection and serves the same subscription
// semantics as the SSE endpoint over a websocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sub := &subscriber{
		id:            uuid.NewString(),
		channels:      parseChannels(r.URL.Query().Get("channels")),
		predicate:     parsePredicate(r.URL.Query().Get("filters")),
		out:           make(chan []byte, 64),
		done:          make(chan struct{}),
		connectedAt:   time.Now(),
		lastHeartbeat: time.Now(),
	}

	s.mu.Lock()
	if len(s.subs) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.subs[sub.id] = sub
	s.totalConnected++
	replay := s.replayFor(sub)
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed: %v", err)
		s.remove(sub)
		return
	}

	logger.Info("websocket subscriber connected: %s", sub.id)
	s.bus.Emit(events.EventStreamClientConnected, events.SeverityInfo, "stream",
		"stream subscriber connected", map[string]interface{}{
			"subscriberId": sub.id, "transport": "websocket",
		})

	go s.wsReadLoop(conn, sub)
	s.wsWriteLoop(conn, sub, replay)
}

// wsReadLoop discards inbound frames, keeping the read deadline fresh from
// pongs. Read errors end the subscription.
func (s *Server) wsReadLoop(conn *websocket.Conn, sub *subscriber) {
	defer sub.close()

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("websocket read error: %v", err)
			}
			return
		}
	}
}

// wsWriteLoop replays the buffer tail then forwards broadcasts and pings
func (s *Server) wsWriteLoop(conn *websocket.Conn, sub *subscriber, replay [][]byte) {
	ticker := time.NewTicker(wsPingCadence)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		s.remove(sub)
	}()

	for _, frame := range replay {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}

	for {
		select {
		case <-sub.done:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-sub.out:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
