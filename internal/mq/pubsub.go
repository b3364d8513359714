package mq

import (
	"context"
	"errors"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/notesd/apiserver/config"
	"google.golang.org/api/option"
)

// pubsubBackend maps channels to Pub/Sub topics. Topic handles are created
// lazily and kept for the life of the backend so their publish batchers
// are reused.
type pubsubBackend struct {
	client *pubsub.Client
	suffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBackend(ctx context.Context, cfg config.PubSubConfig) (*pubsubBackend, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}

	return &pubsubBackend{
		client: client,
		suffix: subscriptionSuffix(cfg.SubscriptionSuffix),
		topics: map[string]*pubsub.Topic{},
	}, nil
}

func subscriptionSuffix(s string) string {
	if s == "" {
		return "-sub"
	}
	return s
}

func (p *pubsubBackend) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// Subscribe receives from the channel's subscription, creating it on first
// use. A handler error nacks the message for redelivery.
func (p *pubsubBackend) Subscribe(ctx context.Context, channel string, handler Handler) error {
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}

	sub := p.client.Subscription(channel + p.suffix)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if sub, err = p.client.CreateSubscription(ctx, channel+p.suffix, pubsub.SubscriptionConfig{Topic: topic}); err != nil {
			return err
		}
	}

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := handler(ctx, Message{ID: m.ID, Data: m.Data, Attributes: m.Attributes}); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

// Close flushes pending publishes and closes the client.
func (p *pubsubBackend) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *pubsubBackend) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("pubsub channel is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		if t, err = p.client.CreateTopic(ctx, name); err != nil {
			return nil, err
		}
	}
	p.topics[name] = t
	return t, nil
}
