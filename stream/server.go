// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package stream serves the live event feed to remote subscribers over
// server-sent events, with an optional websocket endpoint.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memwatch/config"
	"memwatch/events"
	"memwatch/logger"
)

// Predicate is the client-supplied subscription filter
type Predicate struct {
	MinSeverity int      `json:"minSeverity,omitempty"`
	Types       []string `json:"types,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// matches applies the predicate; zero-value fields match everything
func (p *Predicate) matches(m *Message) bool {
	if p == nil {
		return true
	}
	if p.MinSeverity > 0 && m.Severity < p.MinSeverity {
		return false
	}
	if len(p.Types) > 0 {
		found := false
		for _, t := range p.Types {
			if t == m.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.Tags) > 0 {
		found := false
		for _, want := range p.Tags {
			for _, have := range m.Tags {
				if have == want {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Message is one broadcast payload after stamping
type Message struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Channel   string                 `json:"channel"`
	Type      string                 `json:"type,omitempty"`
	Severity  int                    `json:"severity,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// subscriber is one connected consumer. The out channel is drained by the
// subscriber's own writer task; a full channel or write failure reaps it.
type subscriber struct {
	id            string
	channels      map[string]bool
	predicate     *Predicate
	out           chan []byte
	done          chan struct{}
	closeOnce     sync.Once
	connectedAt   time.Time
	lastHeartbeat time.Time
	sent          uint64
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ServerStats is the transport counter snapshot
type ServerStats struct {
	Running        bool      `json:"running"`
	Subscribers    int       `json:"subscribers"`
	MaxConnections int       `json:"maxConnections"`
	TotalConnected uint64    `json:"totalConnected"`
	MessagesSent   uint64    `json:"messagesSent"`
	Dropped        uint64    `json:"dropped"`
	BufferedEvents int       `json:"bufferedEvents"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
}

// ChannelInfo reports per-channel activity
type ChannelInfo struct {
	Subscribers   int        `json:"subscribers"`
	LastBroadcast *time.Time `json:"lastBroadcast,omitempty"`
}

// Authenticator validates a bearer token
type Authenticator interface {
	Authenticate(token string) error
}

// Server is the event stream transport. Broadcasts are best-effort per
// subscriber: no retries, no per-consumer queueing beyond the out channel.
type Server struct {
	mu sync.Mutex

	cfg  config.StreamingConfig
	bus  *events.Bus
	auth Authenticator

	subs          map[string]*subscriber
	replay        []*Message // FIFO bounded at cfg.BufferSize
	lastBroadcast map[string]time.Time

	httpServer *http.Server
	listener   net.Listener
	heartbeat  *time.Ticker
	stopHB     chan struct{}

	running        bool
	startedAt      time.Time
	totalConnected uint64
	messagesSent   uint64
	dropped        uint64
}

// NewServer creates a stream server; auth may be nil
func NewServer(cfg config.StreamingConfig, bus *events.Bus, auth Authenticator) *Server {
	return &Server{
		cfg:           cfg,
		bus:           bus,
		auth:          auth,
		subs:          make(map[string]*subscriber),
		lastBroadcast: make(map[string]time.Time),
	}
}

// Start binds the listener and begins serving. Port 0 binds ephemeral.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.withCORS(mux)}

	s.running = true
	s.startedAt = time.Now()
	s.heartbeat = time.NewTicker(s.cfg.HeartbeatInterval)
	s.stopHB = make(chan struct{})
	s.mu.Unlock()

	go s.heartbeatLoop()
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("stream server error: %v", err)
		}
	}()

	logger.Info("event streaming started on %s", ln.Addr())
	s.bus.Emit(events.EventStreamingStarted, events.SeverityInfo, "stream",
		"event streaming started", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every subscriber and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopHB)
	s.heartbeat.Stop()
	for _, sub := range s.subs {
		sub.close()
	}
	s.subs = make(map[string]*subscriber)
	srv := s.httpServer
	s.mu.Unlock()

	s.bus.Emit(events.EventStreamingStopped, events.SeverityInfo, "stream",
		"event streaming stopped", nil)
	return srv.Shutdown(ctx)
}

// Broadcast stamps and fans data out on a channel. Returns the stamped
// message for callers that need the assigned id.
func (s *Server) Broadcast(data map[string]interface{}, channel string) *Message {
	if channel == "" {
		channel = "default"
	}
	m := &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Data:      data,
	}
	if t, ok := data["type"].(string); ok {
		m.Type = t
	}
	switch sev := data["severity"].(type) {
	case int:
		m.Severity = sev
	case float64:
		m.Severity = int(sev)
	}
	switch tags := data["tags"].(type) {
	case []string:
		m.Tags = tags
	case []interface{}:
		// JSON-decoded payloads carry tags as []interface{}
		for _, t := range tags {
			if s, ok := t.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}

	frame, err := json.Marshal(m)
	if err != nil {
		logger.Error("stream broadcast marshal failed: %v", err)
		return m
	}

	s.mu.Lock()
	s.replay = append(s.replay, m)
	if over := len(s.replay) - s.cfg.BufferSize; over > 0 {
		s.replay = s.replay[over:]
	}
	s.lastBroadcast[channel] = m.Timestamp

	for _, sub := range s.subs {
		if !sub.channels[channel] || !sub.predicate.matches(m) {
			continue
		}
		select {
		case sub.out <- frame:
			sub.sent++
			s.messagesSent++
		default:
			s.dropped++
			sub.close()
		}
	}
	s.mu.Unlock()
	return m
}

// handleStream is the SSE subscription endpoint
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
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
	total := len(s.subs)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger.Info("stream subscriber connected: %s (total: %d)", sub.id, total)
	s.bus.Emit(events.EventStreamClientConnected, events.SeverityInfo, "stream",
		"stream subscriber connected", map[string]interface{}{"subscriberId": sub.id})

	connected, _ := json.Marshal(map[string]interface{}{
		"type":         "connected",
		"subscriberId": sub.id,
		"channels":     keys(sub.channels),
		"timestamp":    time.Now().UTC(),
	})
	if writeFrame(w, flusher, connected) != nil {
		s.remove(sub)
		return
	}
	for _, frame := range replay {
		if writeFrame(w, flusher, frame) != nil {
			s.remove(sub)
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			s.remove(sub)
			return
		case <-sub.done:
			s.remove(sub)
			return
		case frame := <-sub.out:
			if writeFrame(w, flusher, frame) != nil {
				s.remove(sub)
				return
			}
		}
	}
}

// replayFor returns the tail of the replay buffer, framed, filtered to the
// subscription. Caller holds s.mu.
func (s *Server) replayFor(sub *subscriber) [][]byte {
	out := make([][]byte, 0, len(s.replay))
	for _, m := range s.replay {
		if !sub.channels[m.Channel] || !sub.predicate.matches(m) {
			continue
		}
		if frame, err := json.Marshal(m); err == nil {
			out = append(out, frame)
		}
	}
	return out
}

// writeFrame emits one SSE data frame
func writeFrame(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func (s *Server) remove(sub *subscriber) {
	sub.close()
	s.mu.Lock()
	_, present := s.subs[sub.id]
	delete(s.subs, sub.id)
	remaining := len(s.subs)
	s.mu.Unlock()

	if present {
		logger.Info("stream subscriber disconnected: %s (remaining: %d)", sub.id, remaining)
		s.bus.Emit(events.EventStreamClientGone, events.SeverityInfo, "stream",
			"stream subscriber disconnected", map[string]interface{}{"subscriberId": sub.id})
	}
}

// heartbeatLoop sends each subscriber a heartbeat frame carrying stats
func (s *Server) heartbeatLoop() {
	for {
		select {
		case <-s.stopHB:
			return
		case <-s.heartbeat.C:
			stats := s.GetStats()
			frame, err := json.Marshal(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC(),
				"stats":     stats,
			})
			if err != nil {
				continue
			}
			now := time.Now()
			s.mu.Lock()
			for _, sub := range s.subs {
				select {
				case sub.out <- frame:
					sub.lastHeartbeat = now
				default:
					s.dropped++
					sub.close()
				}
			}
			s.mu.Unlock()
		}
	}
}

// authenticate applies the bearer-token callback when auth is configured
func (s *Server) authenticate(r *http.Request) bool {
	if !s.cfg.Authentication || s.auth == nil {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return s.auth.Authenticate(token) == nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.GetStats())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.mu.Lock()
	info := make(map[string]*ChannelInfo, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		info[ch] = &ChannelInfo{}
	}
	for _, sub := range s.subs {
		for ch := range sub.channels {
			if _, ok := info[ch]; !ok {
				info[ch] = &ChannelInfo{}
			}
			info[ch].Subscribers++
		}
	}
	for ch, ts := range s.lastBroadcast {
		if _, ok := info[ch]; !ok {
			info[ch] = &ChannelInfo{}
		}
		t := ts
		info[ch].LastBroadcast = &t
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

// GetStats returns the transport counters
func (s *Server) GetStats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServerStats{
		Running:        s.running,
		Subscribers:    len(s.subs),
		MaxConnections: s.cfg.MaxConnections,
		TotalConnected: s.totalConnected,
		MessagesSent:   s.messagesSent,
		Dropped:        s.dropped,
		BufferedEvents: len(s.replay),
		StartedAt:      s.startedAt,
	}
}

// withCORS adds permissive CORS headers and answers preflight
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORS {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseChannels(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, ch := range strings.Split(raw, ",") {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			out[ch] = true
		}
	}
	if len(out) == 0 {
		out["default"] = true
	}
	return out
}

func parsePredicate(raw string) *Predicate {
	if raw == "" {
		return nil
	}
	var p Predicate
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logger.Warn("invalid stream filter ignored: %v", err)
		return nil
	}
	return &p
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
