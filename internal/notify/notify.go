// Package notify publishes job results to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aviary/internal/config"
	"aviary/internal/pipeline"
)

const publishTimeout = 2 * time.Second

// Publisher sends job events to <prefix>/jobs/<id> and <prefix>/jobs.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	log    *slog.Logger
}

// Connect dials the broker named in cfg.
func Connect(cfg config.MQTT, logger *slog.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return NewPublisher(client, cfg.TopicPrefix, logger), nil
}

// NewPublisher wraps an existing client.
func NewPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *Publisher {
	if prefix == "" {
		prefix = "aviary"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, prefix: prefix, log: logger}
}

// Publish sends ev to the per-job topic and the shared jobs topic.
func (p *Publisher) Publish(ev pipeline.Event) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("mqtt client not connected")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	for _, topic := range []string{
		fmt.Sprintf("%s/jobs/%s", p.prefix, ev.ID),
		p.prefix + "/jobs",
	} {
		token := p.client.Publish(topic, p.qos, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publishing to %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
	}
	return nil
}

// Run publishes every result until results is closed or ctx is done.
func (p *Publisher) Run(ctx context.Context, results <-chan pipeline.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if err := p.Publish(res.Event()); err != nil {
				p.log.Warn("failed to publish job event", "job", res.Job.ID, "error", err)
			}
		}
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
