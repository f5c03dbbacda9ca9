package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/dependencies/mocks"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/gateway"
	"github.com/energizer-project/gatekeeper/internal/session"
	"github.com/energizer-project/gatekeeper/internal/telemetry"
	"github.com/energizer-project/gatekeeper/internal/world"
)

type staticConnections []gateway.ClientInfo

func (s staticConnections) Count() int                    { return len(s) }
func (s staticConnections) Clients() []gateway.ClientInfo { return s }

type fixture struct {
	server *Server
	router *world.Router
	coord  *session.MemoryCoordinator
	bus    *events.EventBus
}

func newFixture(t *testing.T, cfg config.APIConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := mocks.NewMockClock(time.Now())
	router := world.NewRouter([]world.WorldSpec{{
		ID:   0,
		Name: "Scania",
		Channels: []world.ChannelSpec{
			{Host: "10.0.0.1", Port: 7575, Capacity: 10},
			{Host: "10.0.0.2", Port: 7576, Capacity: 10},
		},
	}}, world.Options{}, clk, mocks.NewMockRandom())
	coord := session.NewMemoryCoordinator(session.DefaultConfig(), clk)

	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	telemetry.RouteChannelStatus(bus, router)

	reg := prometheus.NewRegistry()
	telemetry.NewMetrics(reg).Attach(bus)

	srv := NewServer(cfg, Deps{
		InstanceID:  "login-test",
		Router:      router,
		Coordinator: coord,
		Connections: staticConnections{{Remote: "127.0.0.1:5000", Account: "alice", Pending: true}},
		Bus:         bus,
		Gatherer:    reg,
		DataDir:     t.TempDir(),
	})
	return &fixture{server: srv, router: router, coord: coord, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPingIsPublic(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: "s3cret"})

	rec := f.do(t, http.MethodGet, "/api/ping", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "gatekeeper", body["service"])
	assert.Equal(t, "login-test", body["instance"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHealthReportsConnections(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	rec := f.do(t, http.MethodGet, "/api/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["connections"])
	assert.Contains(t, body, "system")
	assert.Contains(t, body, "usage")
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, config.APIConfig{Token: "s3cret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/worlds", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/worlds", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/worlds", "", "s3cret").Code)
}

func TestWorldsSnapshot(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	rec := f.do(t, http.MethodGet, "/api/worlds", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Worlds []world.World `json:"worlds"`
		Total  int           `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "Scania", body.Worlds[0].Name)
	assert.Len(t, body.Worlds[0].Channels, 2)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/worlds/0", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/worlds/9", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/worlds/abc", "", "").Code)
}

func TestReportChannelUpdatesRouter(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	rec := f.do(t, http.MethodPost, "/api/worlds/0/channels/2", `{"players":10,"online":true}`, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	players, capacity, err := f.router.Occupancy(0)
	require.NoError(t, err)
	assert.Equal(t, 10, players)
	assert.Equal(t, 20, capacity)

	rec = f.do(t, http.MethodPost, "/api/worlds/0/channels/1", `{"players":0,"online":false}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = f.router.SelectChannel(0)
	assert.ErrorIs(t, err, world.ErrWorldFull)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/worlds/0/channels/7", `{"players":1,"online":true}`, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/worlds/4/channels/1", `{"players":1,"online":true}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/worlds/0/channels/1", `nope`, "").Code)
}

func TestSessionLookupAndForcedClose(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/sessions/42", "", "").Code)

	hwid, err := session.ParseHwid("DEADBEEF")
	require.NoError(t, err)
	_, err = f.coord.RegisterPendingLogin(ctx, 42, hwid)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/sessions/42", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got session.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got.AccountID)
	assert.Equal(t, session.StatePendingLogin, got.State)

	closed := make(chan events.SessionClosedPayload, 1)
	f.bus.Subscribe(events.EventSessionClosed, "test", func(_ context.Context, e events.Event) error {
		closed <- e.Payload.(events.SessionClosedPayload)
		return nil
	})

	rec = f.do(t, http.MethodDelete, "/api/sessions/42", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.coord.Lookup(ctx, 42)
	assert.ErrorIs(t, err, session.ErrNoSession)

	select {
	case p := <-closed:
		assert.Equal(t, 42, p.AccountID)
		assert.True(t, p.Forced)
	case <-time.After(time.Second):
		t.Fatal("no session closed event")
	}
}

func TestSessionRefresh(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/sessions/7/refresh", "", "").Code)

	hwid, err := session.ParseHwid("0A0B0C0D")
	require.NoError(t, err)
	_, err = f.coord.RegisterPendingLogin(ctx, 7, hwid)
	require.NoError(t, err)

	// Only an Active session has a lease to renew.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/sessions/7/refresh", "", "").Code)

	result, err := f.coord.AttemptGameSession(ctx, session.AttemptRequest{AccountID: 7, Hwid: hwid, World: 0, Channel: 1})
	require.NoError(t, err)
	require.Equal(t, session.AttemptSuccess, result)

	rec := f.do(t, http.MethodPost, "/api/sessions/7/refresh", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "refreshed", decode(t, rec)["status"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/sessions/abc/refresh", "", "").Code)
}

func TestConnectionsListing(t *testing.T) {
	f := newFixture(t, config.APIConfig{})

	rec := f.do(t, http.MethodGet, "/api/connections", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["total"])
	clients := body["clients"].([]any)
	require.Len(t, clients, 1)
	assert.Equal(t, "alice", clients[0].(map[string]any)["account"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.APIConfig{})
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/worlds/0/channels/1", `{"players":3,"online":true}`, "").Code)

	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gatekeeper_channel_players{channel="1",world="0"} 3`)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("bearer abc"))
	assert.Empty(t, extractBearerToken("Basic abc"))
	assert.Empty(t, extractBearerToken(""))
}
