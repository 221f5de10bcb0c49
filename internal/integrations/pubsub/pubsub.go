// Package pubsub publishes host updates as JSON messages to a Google Cloud
// Pub/Sub topic. Messages are ordered per host.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/watch"
)

const publishTimeout = 5 * time.Second

// Config holds topic settings.
type Config struct {
	ProjectID   string
	TopicID     string
	CreateTopic bool
	Logger      *logging.Logger
	// ClientOptions are passed to the Pub/Sub client, e.g. an emulator
	// endpoint or credentials file.
	ClientOptions []option.ClientOption
}

// Publisher is a publisher subscriber forwarding updates to a topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *logging.Logger
}

// New connects to Pub/Sub and resolves the topic, creating it when
// CreateTopic is set.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" {
		return nil, errors.ErrConfigMissing("integrations.pubsub.project_id")
	}
	if cfg.TopicID == "" {
		return nil, errors.ErrConfigMissing("integrations.pubsub.topic_id")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		if !cfg.CreateTopic {
			_ = client.Close()
			return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
		}
		if topic, err = client.CreateTopic(ctx, cfg.TopicID); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("create pubsub topic %s: %w", cfg.TopicID, err)
		}
	}

	p := NewWithTopic(topic, cfg.Logger)
	p.client = client
	return p, nil
}

// NewWithTopic wraps an existing topic. The caller keeps ownership of the
// client that created it.
func NewWithTopic(topic *pubsub.Topic, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	topic.EnableMessageOrdering = true
	return &Publisher{
		topic:  topic,
		logger: logger.WithComponent("pubsub"),
	}
}

// Name implements publisher.Subscriber.
func (p *Publisher) Name() string {
	return "pubsub"
}

// Deliver publishes update and waits for the server acknowledgement.
func (p *Publisher) Deliver(ctx context.Context, update *watch.HostUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal host update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: update.Host,
		Attributes: map[string]string{
			"update_id": update.ID.String(),
			"type":      string(update.Type),
			"host":      update.Host,
			"cycle":     strconv.FormatUint(update.Cycle, 10),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// Ordered publishing pauses a key after a failure.
		p.topic.ResumePublish(update.Host)
		return fmt.Errorf("pubsub publish to %s: %w", p.topic.ID(), err)
	}

	p.logger.Debug("Published host update", "host", update.Host, "type", update.Type, "message_id", id)
	return nil
}

// Close flushes pending messages and releases the client if this
// publisher created it.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
