package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the handler uses.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	connected bool
	published []published
	handlers  map[string]mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = callback
	return doneToken{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

type reporter struct {
	mu    sync.Mutex
	calls []events.ChannelStatusPayload
}

func (r *reporter) ReportChannel(worldID, index, players int, online bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, events.ChannelStatusPayload{World: worldID, Channel: index, Players: players, Online: online})
	return nil
}

func TestDecodeChannelStatus(t *testing.T) {
	got, err := decodeChannelStatus("channel/1/3/status", []byte(`{"players":42,"online":true}`))
	require.NoError(t, err)
	assert.Equal(t, events.ChannelStatusPayload{World: 1, Channel: 3, Players: 42, Online: true}, got)

	for _, topic := range []string{"channel/1/status", "channel/x/3/status", "channel/1/y/status", "world/1/3/status"} {
		_, err := decodeChannelStatus(topic, []byte(`{}`))
		assert.Error(t, err, topic)
	}

	_, err = decodeChannelStatus("channel/1/3/status", []byte(`not json`))
	assert.Error(t, err)
}

func TestPublishesLoginEventsUnderPrefix(t *testing.T) {
	bus := events.NewEventBus()
	client := &fakeClient{connected: true}
	h := newHandlerWithClient(client, config.MQTTConfig{TopicPrefix: "gk/"}, "login-1", bus)
	h.subscribeEvents()

	require.NoError(t, bus.EmitSync(context.Background(),
		events.New(events.EventLoginAttempt, "test", events.LoginPayload{Account: "alice", Outcome: "success"})))

	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "gk/login", msgs[0].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &body))
	assert.Equal(t, "login-1", body["instance"])
	assert.Contains(t, body, "timestamp")
}

func TestPublishSkipsWhenDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := newHandlerWithClient(client, config.MQTTConfig{}, "login-1", events.NewEventBus())
	h.publish(TopicInstance, map[string]any{"event": "started"})
	assert.Empty(t, client.messages())
}

func TestChannelStatusReachesRouter(t *testing.T) {
	bus := events.NewEventBus()
	client := &fakeClient{connected: true}
	h := newHandlerWithClient(client, config.MQTTConfig{TopicPrefix: "gk"}, "login-1", bus)
	rep := &reporter{}
	RouteChannelStatus(bus, rep)

	h.subscribeChannels()
	handler, ok := client.handlers["gk/channel/+/+/status"]
	require.True(t, ok)

	handler(client, fakeMessage{topic: "gk/channel/0/2/status", payload: []byte(`{"players":7,"online":true}`)})
	handler(client, fakeMessage{topic: "gk/channel/0/2/status", payload: []byte(`garbage`)})
	bus.Stop()

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.calls, 1)
	assert.Equal(t, events.ChannelStatusPayload{World: 0, Channel: 2, Players: 7, Online: true}, rep.calls[0])
}

func TestMetricsFollowEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	bus := events.NewEventBus()
	m.Attach(bus)

	ctx := context.Background()
	emit := func(e events.Event) { require.NoError(t, bus.EmitSync(ctx, e)) }

	emit(events.New(events.EventClientConnected, "t", events.ClientPayload{Remote: "a"}))
	emit(events.New(events.EventClientConnected, "t", events.ClientPayload{Remote: "b"}))
	emit(events.New(events.EventClientDisconnected, "t", events.ClientPayload{Remote: "a"}))
	emit(events.New(events.EventLoginAttempt, "t", events.LoginPayload{Outcome: "wrong_password"}))
	emit(events.New(events.EventLoginAttempt, "t", events.LoginPayload{Outcome: "wrong_password"}))
	emit(events.New(events.EventSessionHandoff, "t", events.HandoffPayload{Result: "success"}))
	emit(events.New(events.EventSessionClosed, "t", events.SessionClosedPayload{Forced: true}))
	emit(events.New(events.EventProtocolError, "t", events.ProtocolErrorPayload{}))
	emit(events.New(events.EventChannelStatus, "t", events.ChannelStatusPayload{World: 0, Channel: 1, Players: 12}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Logins.WithLabelValues("wrong_password")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Handoffs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProtocolErrors))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.ChannelPlayers.WithLabelValues("0", "1")))
}
