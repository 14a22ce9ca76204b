// Package mqttpub publishes biometric estimates to an MQTT broker so
// dashboards and downstream collectors can consume them without linking
// against this module.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/amused-data/amused/internal/biometrics"
	"github.com/amused-data/amused/internal/session"
)

// Config holds broker connection settings.
type Config struct {
	Broker      string // e.g. "tcp://localhost:1883"
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // defaults to "amused"
}

// Publisher is a connected MQTT client scoped to one topic prefix.
type Publisher struct {
	client mqtt.Client
	prefix string
}

// New connects to the broker.
func New(cfg Config) (*Publisher, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "amused"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "amused-publisher"
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", cfg.Broker, token.Error())
	}
	log.Printf("[mqttpub] connected to %s", cfg.Broker)
	return &Publisher{client: client, prefix: cfg.TopicPrefix}, nil
}

type estimateMessage struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
	Method    string  `json:"method"`
}

// PublishEstimate publishes one estimate to <prefix>/<session>/<kind>.
func (p *Publisher) PublishEstimate(sessionID, kind string, est biometrics.Estimate) error {
	payload, err := json.Marshal(estimateMessage{
		Timestamp: est.Timestamp,
		Value:     est.Value,
		Method:    string(est.Method),
	})
	if err != nil {
		return fmt.Errorf("mqttpub: marshal estimate: %w", err)
	}
	topic := fmt.Sprintf("%s/%s/%s", p.prefix, sessionID, kind)
	if token := p.client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttpub: publish %s: %w", topic, token.Error())
	}
	return nil
}

// Forward consumes a session's heart-rate and oxygenation subscriptions
// until both close or the context is cancelled. Publish failures are logged
// and skipped; a flaky broker must not stall the session queues.
func (p *Publisher) Forward(ctx context.Context, sess *session.Session) {
	hr := sess.SubscribeHeartRate(32)
	ox := sess.SubscribeOxygenation(32)
	defer hr.Cancel()
	defer ox.Cancel()

	hrC, oxC := hr.C(), ox.C()
	for hrC != nil || oxC != nil {
		select {
		case <-ctx.Done():
			return
		case est, ok := <-hrC:
			if !ok {
				hrC = nil
				continue
			}
			if err := p.PublishEstimate(sess.ID(), "heart_rate", est); err != nil {
				log.Printf("[mqttpub] %v", err)
			}
		case est, ok := <-oxC:
			if !ok {
				oxC = nil
				continue
			}
			if err := p.PublishEstimate(sess.ID(), "oxygenation", est); err != nil {
				log.Printf("[mqttpub] %v", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
