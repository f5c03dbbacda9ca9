// Package telemetry publishes gatekeeper events over MQTT, ingests channel
// heartbeats from the same broker and exposes Prometheus metrics.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/config"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicLogin    = "login"
	TopicHandoff  = "handoff"
	TopicSession  = "session"
	TopicInstance = "instance"
	TopicHealth   = "health"

	// channel/<world>/<channel>/status, published by channel servers.
	channelStatusFilter = "channel/+/+/status"
)

// ChannelReporter receives channel heartbeats.
type ChannelReporter interface {
	ReportChannel(worldID, index, players int, online bool) error
}

// MQTTHandler publishes login and session events and feeds channel
// heartbeats back onto the event bus.
type MQTTHandler struct {
	cfg        config.MQTTConfig
	instanceID string
	eventBus   *events.EventBus
	client     mqtt.Client
	logger     zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, instanceID string, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:        cfg,
		instanceID: instanceID,
		eventBus:   eventBus,
		logger:     util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"instance": instanceID,
			"hostname": sysInfo.Hostname,
			"os":       sysInfo.OS,
		},
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("gatekeeper-%s", instanceID))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	// Subscriptions do not survive a reconnect with a clean session.
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		handler.logger.Info().Msg("MQTT connected")
		handler.subscribeChannels()
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		handler.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	return handler, nil
}

// newHandlerWithClient wires a handler around an existing client.
func newHandlerWithClient(client mqtt.Client, cfg config.MQTTConfig, instanceID string, eventBus *events.EventBus) *MQTTHandler {
	return &MQTTHandler{
		cfg:        cfg,
		instanceID: instanceID,
		eventBus:   eventBus,
		client:     client,
		logger:     log.With().Str("component", "mqtt").Logger(),
		metadata:   map[string]interface{}{"instance": instanceID},
	}
}

// Start connects, subscribes and blocks until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	h.publish(TopicInstance, map[string]interface{}{"event": "started"})

	<-ctx.Done()

	h.publish(TopicInstance, map[string]interface{}{"event": "shutdown"})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := strings.Trim(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// subscribeEvents registers event handlers for MQTT publishing.
func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventLoginAttempt, "mqtt.login", h.forward(TopicLogin))
	h.eventBus.Subscribe(events.EventSessionHandoff, "mqtt.handoff", h.forward(TopicHandoff))
	h.eventBus.Subscribe(events.EventSessionClosed, "mqtt.session", h.forward(TopicSession))
	h.eventBus.Subscribe(events.EventHealthAlert, "mqtt.health", h.forward(TopicHealth))
}

func (h *MQTTHandler) forward(suffix string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(suffix, map[string]interface{}{
			"event":   string(event.Type),
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) subscribeChannels() {
	filter := h.topic(channelStatusFilter)
	token := h.client.Subscribe(filter, 1, h.onChannelStatus)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Error().Err(token.Error()).Str("topic", filter).Msg("MQTT subscribe failed")
		}
	}()
}

func (h *MQTTHandler) onChannelStatus(client mqtt.Client, msg mqtt.Message) {
	status, err := decodeChannelStatus(strings.TrimPrefix(msg.Topic(), h.topic("")), msg.Payload())
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("dropping malformed channel status")
		return
	}
	h.eventBus.Emit(context.Background(), events.New(events.EventChannelStatus, "mqtt", status))
}

// decodeChannelStatus parses "channel/<world>/<channel>/status" and a JSON
// body of {"players":n,"online":bool}.
func decodeChannelStatus(topic string, payload []byte) (events.ChannelStatusPayload, error) {
	var out events.ChannelStatusPayload

	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 4 || parts[0] != "channel" || parts[3] != "status" {
		return out, fmt.Errorf("unexpected channel topic %q", topic)
	}
	worldID, err := strconv.Atoi(parts[1])
	if err != nil {
		return out, fmt.Errorf("bad world in topic %q: %w", topic, err)
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return out, fmt.Errorf("bad channel in topic %q: %w", topic, err)
	}

	var body struct {
		Players int  `json:"players"`
		Online  bool `json:"online"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return out, fmt.Errorf("bad channel status body: %w", err)
	}

	out.World = worldID
	out.Channel = index
	out.Players = body.Players
	out.Online = body.Online
	return out, nil
}

// RouteChannelStatus applies every ChannelStatus event to reporter.
func RouteChannelStatus(bus *events.EventBus, reporter ChannelReporter) {
	bus.Subscribe(events.EventChannelStatus, "router.channel", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.ChannelStatusPayload)
		if !ok {
			return nil
		}
		return reporter.ReportChannel(p.World, p.Channel, p.Players, p.Online)
	})
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	topic := h.topic(suffix)
	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}
