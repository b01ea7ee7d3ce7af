package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/Lllllllleong/medbillflow/internal/models"
)

// PubSubDispatcher publishes stage requests to one topic per stage.
type PubSubDispatcher struct {
	client *pubsub.Client
	topics map[string]string

	mu      sync.Mutex
	handles map[string]*pubsub.Topic
}

func NewPubSubDispatcher(ctx context.Context, projectID string, topics map[string]string) (*PubSubDispatcher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &PubSubDispatcher{client: client, topics: topics, handles: map[string]*pubsub.Topic{}}, nil
}

func (d *PubSubDispatcher) topic(stage string) (*pubsub.Topic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.handles[stage]; ok {
		return t, nil
	}
	name, ok := d.topics[stage]
	if !ok || name == "" {
		return nil, fmt.Errorf("no topic configured for stage %q", stage)
	}
	t := d.client.Topic(name)
	d.handles[stage] = t
	return t, nil
}

// Dispatch waits for the publish to be acknowledged by Pub/Sub, not for the stage.
func (d *PubSubDispatcher) Dispatch(ctx context.Context, stage string, req models.StageRequest) error {
	topic, err := d.topic(stage)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal stage request: %w", err)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"stage":         stage,
			"correlationId": req.CorrelationID,
			"jobId":         req.JobID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic.ID(), err)
	}
	return nil
}

func (d *PubSubDispatcher) Close() error {
	d.mu.Lock()
	for _, t := range d.handles {
		t.Stop()
	}
	d.mu.Unlock()
	return d.client.Close()
}
