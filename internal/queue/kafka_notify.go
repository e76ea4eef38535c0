package queue

import (
	"context"
	"log/slog"

	"github.com/obscura-unlinker/unlinker/internal/eventbus"
)

const (
	topicJobsPushed  = "jobs.pushed.v1"
	topicJobsRemoved = "jobs.removed.v1"
)

// KafkaBackedQueue wraps a Queue and additionally publishes a
// jobs.pushed.v1/jobs.removed.v1 event stream via eventbus for external
// observers such as a reconciliation job. The authoritative scan/remove
// set always lives in the wrapped Queue; the Kafka stream is fire-and-forget.
type KafkaBackedQueue struct {
	Queue

	producer eventbus.Producer
	log      *slog.Logger
}

// NewKafkaBackedQueue wraps inner with best-effort Kafka notifications.
func NewKafkaBackedQueue(inner Queue, producer eventbus.Producer, log *slog.Logger) *KafkaBackedQueue {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaBackedQueue{Queue: inner, producer: producer, log: log}
}

func (q *KafkaBackedQueue) Push(ctx context.Context, id string) error {
	if err := q.Queue.Push(ctx, id); err != nil {
		return err
	}
	if q.producer == nil {
		return nil
	}
	if err := q.producer.Publish(ctx, topicJobsPushed, []byte(id)); err != nil {
		q.log.Warn("queue: jobs.pushed notification failed", "job_id", id, "error", err)
	}
	return nil
}

func (q *KafkaBackedQueue) Remove(ctx context.Context, id string) error {
	if err := q.Queue.Remove(ctx, id); err != nil {
		return err
	}
	if q.producer == nil {
		return nil
	}
	if err := q.producer.Publish(ctx, topicJobsRemoved, []byte(id)); err != nil {
		q.log.Warn("queue: jobs.removed notification failed", "job_id", id, "error", err)
	}
	return nil
}
