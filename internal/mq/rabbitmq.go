package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/notesd/apiserver/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attrContentType = "content_type"

// rabbitBackend publishes to queues on the default exchange. Publishing
// uses one confirm-mode channel guarded by mu; every subscription opens its
// own channel so a slow consumer never blocks publishers.
type rabbitBackend struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	durable    bool
	autoDelete bool
	prefetch   int
}

func newRabbitBackend(cfg config.RabbitMQConfig) (*rabbitBackend, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &rabbitBackend{
		conn:       conn,
		pub:        pub,
		declared:   map[string]bool{},
		durable:    cfg.QueueDurable,
		autoDelete: cfg.QueueAutoDelete,
		prefetch:   cfg.PrefetchCount,
	}, nil
}

// Publish sends data to the queue named channel and waits for the broker
// to confirm it.
func (r *rabbitBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	msg := toPublishing(data, attrs, r.durable)

	r.mu.Lock()
	if !r.declared[channel] {
		if err := r.declare(r.pub, channel); err != nil {
			r.mu.Unlock()
			return "", err
		}
		r.declared[channel] = true
	}
	confirm, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, msg)
	r.mu.Unlock()
	if err != nil {
		return "", err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", err
	}
	if !acked {
		return "", fmt.Errorf("rabbitmq nacked message %s", msg.MessageId)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the queue named channel until ctx ends. A handler
// error requeues the delivery.
func (r *rabbitBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if r.prefetch > 0 {
		if err := ch.Qos(r.prefetch, 0, false); err != nil {
			return err
		}
	}
	if err := r.declare(ch, channel); err != nil {
		return err
	}

	tag := "notesd-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, channel, tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			msg := Message{ID: d.MessageId, Data: d.Body, Attributes: fromDelivery(d)}
			if err := handler(ctx, msg); err != nil {
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *rabbitBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.pub.Close()
	return r.conn.Close()
}

func (r *rabbitBackend) declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, r.durable, r.autoDelete, false, false, nil)
	return err
}

// toPublishing maps broker-agnostic attributes onto an AMQP message. The
// content_type attribute becomes the native property; the rest are headers.
func toPublishing(data []byte, attrs map[string]string, persistent bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         data,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	for k, v := range attrs {
		if k == attrContentType {
			msg.ContentType = v
			continue
		}
		if msg.Headers == nil {
			msg.Headers = amqp.Table{}
		}
		msg.Headers[k] = v
	}
	return msg
}

func fromDelivery(d amqp.Delivery) map[string]string {
	attrs := make(map[string]string, len(d.Headers)+1)
	for k, v := range d.Headers {
		switch typed := v.(type) {
		case string:
			attrs[k] = typed
		case []byte:
			attrs[k] = string(typed)
		default:
			attrs[k] = fmt.Sprint(v)
		}
	}
	if d.ContentType != "" {
		attrs[attrContentType] = d.ContentType
	}
	return attrs
}
