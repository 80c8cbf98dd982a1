// Package notify publishes scan lifecycle events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// PubSub publishes events to Google Cloud Pub/Sub topics. Topic handles are
// cached per name.
type PubSub struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub connects a publisher to the project.
func NewPubSub(ctx context.Context, projectID string) (*PubSub, error) {
	if projectID == "" {
		return nil, fmt.Errorf("notify.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("connect pubsub: %w", err)
	}
	return &PubSub{client: client, topics: map[string]*pubsub.Topic{}}, nil
}

// Publish marshals the payload to JSON and publishes it to the topic,
// returning the server-assigned message id.
func (p *PubSub) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic(topic).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %q: %w", topic, err)
	}
	return id, nil
}

func (p *PubSub) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t
	}
	t := p.client.Topic(name)
	p.topics[name] = t
	return t
}

// Close stops the cached topics and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
