package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meeting-media-bridge/internal/config"
	"github.com/meeting-media-bridge/internal/media"
	"github.com/meeting-media-bridge/internal/transport"
)

func TestMetricsMuxServesHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	srv := httptest.NewServer(metricsMux(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bridge_test_total 1")
}

func TestFeedLoopbackWrapsInboundAudio(t *testing.T) {
	in := make(chan media.AudioBuffer)
	out := make(chan media.AudioBatch, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feedLoopback(ctx, in, out) }()

	in <- media.AudioBuffer{Data: []byte{1, 0}, Format: media.PCM16kMono}
	batch := <-out
	require.Contains(t, batch, "loopback")
	assert.Equal(t, []byte{1, 0}, batch["loopback"].Value.Data)
	assert.False(t, batch["loopback"].Time.IsZero())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loopback feeder did not stop")
	}
}

func TestLoopbackEnabled(t *testing.T) {
	t.Setenv("BRIDGE_LOOPBACK", " TRUE ")
	assert.True(t, loopbackEnabled())
	t.Setenv("BRIDGE_LOOPBACK", "1")
	assert.False(t, loopbackEnabled())
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRunServesEndpointsUntilCancelled(t *testing.T) {
	port := freePort(t)
	cfg := config.Default()
	cfg.SessionID = "run-test"
	cfg.Transport.Ports = transport.PortRange{Base: port, Span: 1, Min: port, Max: port}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, prometheus.NewRegistry(), newSession(), true) }()

	url := "ws://127.0.0.1:" + strconv.Itoa(port+transport.RoleAudio.Offset()) + "/"
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 20*time.Millisecond)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
