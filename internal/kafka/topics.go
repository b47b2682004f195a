package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

// TopicSpec describes a topic to create.
type TopicSpec struct {
	Name       string
	Partitions int32
	Replicas   int16
	Retention  time.Duration
}

// LeadTopicSpecs returns the primary, retry and dead-letter topics. All share
// the same partition count so dead-lettered records keep partition affinity.
func LeadTopicSpecs(t Topics, partitions int32, replicas int16) []TopicSpec {
	specs := []TopicSpec{
		{Name: t.Leads, Partitions: partitions, Replicas: replicas, Retention: 14 * 24 * time.Hour},
	}
	if t.Retry != "" {
		specs = append(specs, TopicSpec{Name: t.Retry, Partitions: partitions, Replicas: replicas, Retention: 7 * 24 * time.Hour})
	}
	specs = append(specs, TopicSpec{Name: t.DeadLetter, Partitions: partitions, Replicas: replicas, Retention: 30 * 24 * time.Hour})
	return specs
}

// topicAdmin abstracts the kadm client for testing.
type topicAdmin interface {
	CreateTopic(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topic string) (kadm.CreateTopicResponse, error)
}

// ProvisionTopics creates the given topics. Topics that already exist are
// left untouched.
func ProvisionTopics(ctx context.Context, admin topicAdmin, specs []TopicSpec, logger *slog.Logger) error {
	var errs []error
	for _, spec := range specs {
		retention := strconv.FormatInt(spec.Retention.Milliseconds(), 10)
		cleanup := "delete"
		configs := map[string]*string{
			"retention.ms":   &retention,
			"cleanup.policy": &cleanup,
		}

		resp, err := admin.CreateTopic(ctx, spec.Partitions, spec.Replicas, configs, spec.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case err == nil:
			logger.Info("topic created", "topic", spec.Name, "partitions", spec.Partitions, "replicas", spec.Replicas)
		case errors.Is(err, kerr.TopicAlreadyExists):
			logger.Debug("topic already exists", "topic", spec.Name)
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", spec.Name, err))
		}
	}
	return errors.Join(errs...)
}

// NewAdmin returns a kadm client for the cluster. Callers close it.
func NewAdmin(cluster *ClusterConfig) (*kadm.Client, error) {
	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	return kadm.NewOptClient(opts...)
}
