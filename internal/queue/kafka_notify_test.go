package queue

import (
	"context"
	"sync"
	"testing"
)

type fakeProducer struct {
	mu        sync.Mutex
	published []string
}

func (f *fakeProducer) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestKafkaBackedQueue_PushAndRemovePublishNotifications(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	producer := &fakeProducer{}
	q := NewKafkaBackedQueue(NewMemoryQueue(), producer, nil)

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if len(producer.published) != 2 || producer.published[0] != topicJobsPushed || producer.published[1] != topicJobsRemoved {
		t.Fatalf("published = %v, want [%s %s]", producer.published, topicJobsPushed, topicJobsRemoved)
	}
}

func TestKafkaBackedQueue_NilProducerDoesNotPanic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewKafkaBackedQueue(NewMemoryQueue(), nil, nil)

	if err := q.Push(ctx, "job-1"); err != nil {
		t.Fatalf("Push with nil producer: %v", err)
	}
	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove with nil producer: %v", err)
	}
}
