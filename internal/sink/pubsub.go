package sink

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// PubSub publishes one message per batch, ordered per target.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func NewPubSub(ctx context.Context, cfg model.PubSubMirror, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Topic)
	topic.EnableMessageOrdering = true
	return &PubSub{client: client, topic: topic}, nil
}

func (p *PubSub) Put(ctx context.Context, b Batch) error {
	raw, meta, err := Encode(b)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: raw,
		Attributes: map[string]string{
			"run_id":      meta.RunID,
			"target":      meta.Target,
			"fingerprint": meta.Fingerprint,
			"records":     strconv.Itoa(meta.Records),
		},
		OrderingKey: meta.Target,
	})
	if _, err := res.Get(ctx); err != nil {
		// a failed publish pauses its ordering key
		p.topic.ResumePublish(meta.Target)
		return fmt.Errorf("pubsub publish %s: %w", p.topic.ID(), err)
	}
	return nil
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
