// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memwatch/config"
	"memwatch/events"
)

func testStreamConfig() config.StreamingConfig {
	return config.StreamingConfig{
		Enabled:           true,
		Host:              "127.0.0.1",
		Port:              0,
		CORS:              true,
		MaxConnections:    10,
		BufferSize:        50,
		HeartbeatInterval: time.Hour,
		Channels:          []string{"default", "metrics", "alerts", "leaks"},
	}
}

func startServer(t *testing.T, cfg config.StreamingConfig, auth Authenticator) *Server {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Stop)

	s := NewServer(cfg, bus, auth)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// subscribeSSE opens an SSE subscription and feeds decoded frames to a channel
func subscribeSSE(t *testing.T, s *Server, query string) (<-chan map[string]interface{}, func()) {
	t.Helper()
	u := "http://" + s.Addr() + "/stream"
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan map[string]interface{}, 32)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var m map[string]interface{}
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &m) == nil {
				frames <- m
			}
		}
	}()

	// First frame is the connected handshake
	select {
	case first := <-frames:
		require.Equal(t, "connected", first["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("no connected frame received")
	}
	return frames, func() { resp.Body.Close() }
}

func nextFrame(t *testing.T, frames <-chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case m, ok := <-frames:
		require.True(t, ok, "stream closed unexpectedly")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func assertNoFrame(t *testing.T, frames <-chan map[string]interface{}) {
	t.Helper()
	select {
	case m := <-frames:
		t.Fatalf("unexpected frame: %v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelFanOutAndSeverityFilter(t *testing.T) {
	s := startServer(t, testStreamConfig(), nil)

	alertFrames, closeA := subscribeSSE(t, s, "channels=alerts")
	defer closeA()

	filter := url.QueryEscape(`{"minSeverity":5}`)
	metricFrames, closeB := subscribeSSE(t, s, "channels=metrics&filters="+filter)
	defer closeB()

	s.Broadcast(map[string]interface{}{"type": "metrics", "severity": 6, "heapUsed": 1}, "metrics")
	got := nextFrame(t, metricFrames)
	assert.Equal(t, "metrics", got["channel"])
	assert.Equal(t, float64(6), got["severity"])
	assertNoFrame(t, alertFrames)

	s.Broadcast(map[string]interface{}{"type": "alert-created", "severity": 7}, "alerts")
	got = nextFrame(t, alertFrames)
	assert.Equal(t, "alerts", got["channel"])
	assertNoFrame(t, metricFrames)

	// Below the subscriber's severity floor: dropped for B
	s.Broadcast(map[string]interface{}{"type": "metrics", "severity": 3}, "metrics")
	assertNoFrame(t, metricFrames)
}

func TestReplayOnConnect(t *testing.T) {
	s := startServer(t, testStreamConfig(), nil)

	first := s.Broadcast(map[string]interface{}{"type": "metrics", "n": 1}, "metrics")
	s.Broadcast(map[string]interface{}{"type": "metrics", "n": 2}, "metrics")

	frames, closeFn := subscribeSSE(t, s, "channels=metrics")
	defer closeFn()

	got := nextFrame(t, frames)
	assert.Equal(t, first.ID, got["id"])
	got = nextFrame(t, frames)
	data := got["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["n"])
}

func TestReplayBufferBounded(t *testing.T) {
	cfg := testStreamConfig()
	cfg.BufferSize = 3
	s := startServer(t, cfg, nil)

	for i := 0; i < 10; i++ {
		s.Broadcast(map[string]interface{}{"n": i}, "metrics")
	}
	assert.Equal(t, 3, s.GetStats().BufferedEvents)
}

func TestBroadcastStamping(t *testing.T) {
	cfg := testStreamConfig()
	bus := events.NewBus(64)
	defer bus.Stop()
	s := NewServer(cfg, bus, nil)

	m := s.Broadcast(map[string]interface{}{"severity": 9.0, "type": "leak"}, "")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "default", m.Channel)
	assert.Equal(t, "leak", m.Type)
	assert.Equal(t, 9, m.Severity, "json-decoded float severities are accepted")
	assert.False(t, m.Timestamp.IsZero())
}

func TestBroadcastTagShapes(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Stop()
	s := NewServer(testStreamConfig(), bus, nil)

	m := s.Broadcast(map[string]interface{}{"tags": []string{"heap"}}, "metrics")
	assert.Equal(t, []string{"heap"}, m.Tags)

	// JSON-decoded payloads carry tags as []interface{}
	m = s.Broadcast(map[string]interface{}{"tags": []interface{}{"heap", "leak", 3}}, "metrics")
	assert.Equal(t, []string{"heap", "leak"}, m.Tags)
	assert.True(t, (&Predicate{Tags: []string{"leak"}}).matches(m))
}

func TestAuthentication(t *testing.T) {
	cfg := testStreamConfig()
	cfg.Authentication = true
	cfg.AuthSecret = "s3cret"
	s := startServer(t, cfg, NewStaticTokenAuthenticator("s3cret"))

	resp, err := http.Get("http://" + s.Addr() + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get("http://" + s.Addr() + "/stream?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	frames, closeFn := subscribeSSE(t, s, "token=s3cret")
	defer closeFn()
	_ = frames
}

func TestJWTAuthenticator(t *testing.T) {
	auth := NewJWTAuthenticator("jwt-secret")

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "memwatch-client",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	assert.NoError(t, auth.Authenticate(token))

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)
	assert.Error(t, auth.Authenticate(expired))

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	assert.Error(t, auth.Authenticate(wrongKey))

	assert.Error(t, auth.Authenticate("not-a-token"))
}

func TestConnectionCap(t *testing.T) {
	cfg := testStreamConfig()
	cfg.MaxConnections = 1
	s := startServer(t, cfg, nil)

	_, closeFn := subscribeSSE(t, s, "")
	defer closeFn()

	resp, err := http.Get("http://" + s.Addr() + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	s := startServer(t, testStreamConfig(), nil)

	_, closeFn := subscribeSSE(t, s, "")
	defer closeFn()

	resp, err := http.Get("http://" + s.Addr() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats ServerStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, uint64(1), stats.TotalConnected)
}

func TestChannelsEndpoint(t *testing.T) {
	s := startServer(t, testStreamConfig(), nil)

	s.Broadcast(map[string]interface{}{"n": 1}, "metrics")

	resp, err := http.Get("http://" + s.Addr() + "/channels")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info map[string]*ChannelInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	require.Contains(t, info, "metrics")
	assert.NotNil(t, info["metrics"].LastBroadcast)
}

func TestCORSPreflight(t *testing.T) {
	s := startServer(t, testStreamConfig(), nil)

	req, err := http.NewRequest(http.MethodOptions, "http://"+s.Addr()+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStopClosesSubscribers(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Stop()
	s := NewServer(testStreamConfig(), bus, nil)
	require.NoError(t, s.Start())

	frames, closeFn := subscribeSSE(t, s, "")
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Eventually(t, func() bool {
		_, open := <-frames
		return !open
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.GetStats().Running)

	// Stop is idempotent
	assert.NoError(t, s.Stop(context.Background()))
}

func TestPredicateMatching(t *testing.T) {
	m := &Message{Type: "leak", Severity: 7, Tags: []string{"heap"}}

	assert.True(t, (*Predicate)(nil).matches(m))
	assert.True(t, (&Predicate{MinSeverity: 5}).matches(m))
	assert.False(t, (&Predicate{MinSeverity: 8}).matches(m))
	assert.True(t, (&Predicate{Types: []string{"leak", "warning"}}).matches(m))
	assert.False(t, (&Predicate{Types: []string{"metrics"}}).matches(m))
	assert.True(t, (&Predicate{Tags: []string{"heap"}}).matches(m))
	assert.False(t, (&Predicate{Tags: []string{"rss"}}).matches(m))
}

func TestParseChannels(t *testing.T) {
	assert.Equal(t, map[string]bool{"default": true}, parseChannels(""))
	assert.Equal(t, map[string]bool{"metrics": true, "alerts": true}, parseChannels("metrics, alerts"))
}

func TestParsePredicate(t *testing.T) {
	assert.Nil(t, parsePredicate(""))
	assert.Nil(t, parsePredicate("{broken"))

	p := parsePredicate(`{"minSeverity":5,"types":["leak"]}`)
	require.NotNil(t, p)
	assert.Equal(t, 5, p.MinSeverity)
	assert.Equal(t, []string{"leak"}, p.Types)
}
