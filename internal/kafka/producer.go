package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kgo client methods used by Producer for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer writes records to the exact partition set on each record.
// It backs dead-letter publishing, where the original partition number
// must be kept.
type Producer struct {
	client producer
}

// Dead-letter writes give up well before a consumer session would time out.
const (
	DeadLetterRequestTimeout  = 10 * time.Second
	DeadLetterDeliveryTimeout = 30 * time.Second
)

// NewPartitionedProducer creates a producer using a manual partitioner.
func NewPartitionedProducer(cluster *ClusterConfig) (*Producer, error) {
	if cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}

	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(DeadLetterRequestTimeout),
		kgo.RecordDeliveryTimeout(DeadLetterDeliveryTimeout),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka producer client: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, rec *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s[%d]: %w", rec.Topic, rec.Partition, err)
	}
	return nil
}

// Close shuts down the producer.
func (p *Producer) Close() error {
	p.client.Close()
	return nil
}
