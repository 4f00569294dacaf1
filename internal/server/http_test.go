package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/link"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/pipeline"
	"github.com/sergiterupri/ip-talkie/internal/transport"
	"github.com/sergiterupri/ip-talkie/internal/vad"
)

type fakeLink struct {
	stats link.Statistics
}

func (f *fakeLink) Statistics() link.Statistics { return f.stats }

func newTestServer(t *testing.T, phase string) (*HTTPServer, *metrics.Metrics) {
	t.Helper()

	cfg := config.Default()
	cfg.Peer = config.PeerConfig{Host: "10.0.0.2", Port: 49170}

	source := &fakeLink{stats: link.Statistics{
		Phase: phase,
		Codec: "Codec{Rule:offset, Scale:127, Width:1}",
		Transport: transport.Statistics{
			PeerAddress:     "10.0.0.2:49170",
			PacketsSent:     12,
			PacketsReceived: 10,
		},
		Capture:  pipeline.Statistics{Direction: "capture", State: "running", Invocations: 12},
		Playback: pipeline.Statistics{Direction: "playback", State: "running", Invocations: 12},
		Playout:  pipeline.PlaybackStats{Played: 10, Underruns: 2},
		Activity: link.ActivityStatistics{
			Capture: vad.Stats{Direction: "capture", Active: true, Segments: 3},
		},
	}}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHTTPServer(cfg.HTTP, logger, cfg, source, m, reg), m
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "running")

	rec, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]interface{})
	transportInfo := components["transport"].(map[string]interface{})
	assert.Equal(t, 12.0, transportInfo["packets_sent"])
}

func TestHealthWhileStopping(t *testing.T) {
	srv, m := newTestServer(t, "stopping")

	rec, body := get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "stopping", body["status"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPErrors.WithLabelValues("GET", "/health", "server_error")))
}

func TestStats(t *testing.T) {
	srv, _ := newTestServer(t, "running")

	rec, body := get(t, srv.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["phase"])
	assert.Equal(t, 10.0, body["transport"].(map[string]interface{})["packets_received"])
	assert.Equal(t, 2.0, body["playout"].(map[string]interface{})["underruns"])

	_, body = get(t, srv.Handler(), "/stats/transport")
	assert.Contains(t, body, "queue")

	_, body = get(t, srv.Handler(), "/stats/playback")
	assert.Equal(t, 10.0, body["playout"].(map[string]interface{})["played"])

	_, body = get(t, srv.Handler(), "/stats/activity")
	capture := body["capture"].(map[string]interface{})
	assert.Equal(t, true, capture["active"])
	assert.Equal(t, 3.0, capture["segments"])
}

func TestConfigEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "running")

	_, body := get(t, srv.Handler(), "/config")
	peer := body["peer"].(map[string]interface{})
	assert.Equal(t, "10.0.0.2", peer["host"])
	codec := body["codec"].(map[string]interface{})
	assert.Equal(t, "offset", codec["rule"])
}

func TestRequestMetrics(t *testing.T) {
	srv, m := newTestServer(t, "running")

	get(t, srv.Handler(), "/stats")
	get(t, srv.Handler(), "/stats")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/stats", "200")))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPErrors.WithLabelValues("POST", "/stats", "client_error")))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t, "running")
	m.RecordPacketSent(80)

	rec, _ := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "talkie_packets_sent_total 1")
}

func TestRootAndNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "running")

	rec, body := get(t, srv.Handler(), "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["endpoints"], "GET /metrics")

	rec, _ = get(t, srv.Handler(), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndStop(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	reg := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewHTTPServer(cfg.HTTP, logger, cfg, &fakeLink{stats: link.Statistics{Phase: "running"}}, metrics.NewMetrics(reg), reg)

	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}
