// Package pubsub publishes execution completions to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/harvest"
)

// PublishFunc sends one message and returns the server-assigned ID.
type PublishFunc func(ctx context.Context, data []byte, attrs map[string]string) (string, error)

// TopicPublisher adapts a Pub/Sub topic to PublishFunc.
func TopicPublisher(topic *pubsub.Topic) PublishFunc {
	return func(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
		result := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
		id, err := result.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("publish message: %w", err)
		}
		return id, nil
	}
}

// Notifier marshals completions to JSON and publishes them.
type Notifier struct {
	publish PublishFunc
	logger  *zap.Logger
}

// New creates a Notifier.
func New(publish PublishFunc, logger *zap.Logger) (*Notifier, error) {
	if publish == nil {
		return nil, fmt.Errorf("pubsub publisher is not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{publish: publish, logger: logger.Named("notify")}, nil
}

// Notify implements harvest.Notifier.
func (n *Notifier) Notify(ctx context.Context, c harvest.Completion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	attrs := map[string]string{
		"job_id": strconv.FormatInt(c.JobID, 10),
		"status": string(c.Status),
	}
	id, err := n.publish(ctx, data, attrs)
	if err != nil {
		return err
	}
	n.logger.Info("completion published",
		zap.Int64("job_id", c.JobID),
		zap.String("status", string(c.Status)),
		zap.String("message_id", id))
	return nil
}
