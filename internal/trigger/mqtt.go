package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/omviva/omviva-sync/internal/syncer"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker       string // e.g. tcp://localhost:1883
	ClientID     string
	Username     string
	Password     string
	CommandTopic string // any message here requests a sync
	StatusTopic  string // cycle results are published here when set
	QoS          byte
}

// MQTT listens for sync commands on a broker topic and publishes cycle
// status back.
type MQTT struct {
	opts   MQTTOptions
	hub    *Hub
	logger *slog.Logger
	client mqtt.Client
}

// NewMQTT creates an MQTT listener. The connection is made by Run.
func NewMQTT(opts MQTTOptions, hub *Hub, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{opts: opts, hub: hub, logger: logger}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(10 * time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("[TRIGGER] mqtt connection lost", "error", err)
		})
	m.client = mqtt.NewClient(co)
	return m
}

// onConnect (re)subscribes; subscriptions do not survive a reconnect
// without a persistent session.
func (m *MQTT) onConnect(c mqtt.Client) {
	m.logger.Info("[TRIGGER] mqtt connected", "broker", m.opts.Broker, "topic", m.opts.CommandTopic)
	tok := c.Subscribe(m.opts.CommandTopic, m.opts.QoS, m.onMessage)
	go func() {
		if err := waitToken(context.Background(), tok, 10*time.Second); err != nil {
			m.logger.Error("[TRIGGER] mqtt subscribe failed", "topic", m.opts.CommandTopic, "error", err)
		}
	}()
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.logger.Info("[TRIGGER] sync command received", "topic", msg.Topic(), "bytes", len(msg.Payload()))
	m.hub.Emit(Event{Source: SourceCommand, Detail: msg.Topic()})
}

// Run connects to the broker and stays connected until ctx is done.
func (m *MQTT) Run(ctx context.Context) error {
	// With connect retry enabled the token completes once a connection is
	// made or ctx ends; the client keeps retrying in the background.
	tok := m.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", m.opts.Broker, err)
		}
	case <-ctx.Done():
	}
	<-ctx.Done()
	m.client.Disconnect(250)
	m.logger.Info("[TRIGGER] mqtt disconnected")
	return nil
}

// Publish sends st as JSON to the status topic. Without a status topic it
// does nothing.
func (m *MQTT) Publish(ctx context.Context, st syncer.Status) error {
	if m.opts.StatusTopic == "" {
		return nil
	}
	if !m.client.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tok := m.client.Publish(m.opts.StatusTopic, m.opts.QoS, false, payload)
	return waitToken(ctx, tok, 10*time.Second)
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New("mqtt: timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
