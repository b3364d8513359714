// Package mq publishes and consumes domain events over a pluggable broker.
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/notesd/apiserver/config"
)

const contentTypeJSON = "application/json"

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API. A nil *MQ is a disabled broker:
// publishing is a no-op.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Open builds the backend named by cfg.Backend. An empty backend returns a
// nil *MQ and no error.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case "rabbitmq":
		backend, err := newRabbitBackend(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		return New(backend), nil
	case "pubsub":
		backend, err := newPubSubBackend(ctx, cfg.PubSub)
		if err != nil {
			return nil, fmt.Errorf("pubsub: %w", err)
		}
		return New(backend), nil
	default:
		return nil, fmt.Errorf("unknown mq backend %q", cfg.Backend)
	}
}

// Enabled reports whether a backend is configured.
func (m *MQ) Enabled() bool {
	return m != nil && m.backend != nil
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON encodes v and publishes it with a JSON content type.
func (m *MQ) PublishJSON(ctx context.Context, channel string, v any) (string, error) {
	if !m.Enabled() {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return m.backend.Publish(ctx, channel, data, map[string]string{"content_type": contentTypeJSON})
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if !m.Enabled() {
		return fmt.Errorf("mq backend not configured")
	}
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	if !m.Enabled() {
		return nil
	}
	return m.backend.Close()
}
