package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestInProcessSchedulerRunsHandler(t *testing.T) {
	scheduler := NewInProcessScheduler(InProcessConfig{Workers: 1})
	done := make(chan Job, 1)
	scheduler.Register("test.echo", func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	scheduler.Start()
	defer scheduler.Shutdown(context.Background())

	job, err := NewJob("test.echo", map[string]string{"imageId": "abc"})
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := scheduler.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	select {
	case received := <-done:
		var payload map[string]string
		if err := json.Unmarshal(received.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["imageId"] != "abc" {
			t.Fatalf("expected payload imageId abc, got %q", payload["imageId"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestInProcessSchedulerRejectsUnknownKind(t *testing.T) {
	scheduler := NewInProcessScheduler(InProcessConfig{})
	scheduler.Start()
	defer scheduler.Shutdown(context.Background())

	if err := scheduler.Enqueue(context.Background(), Job{Kind: "missing"}); err == nil {
		t.Fatal("expected error for unregistered job kind")
	}
	if err := scheduler.EnqueueAfter(context.Background(), time.Minute, Job{Kind: "missing"}); err == nil {
		t.Fatal("expected error for unregistered delayed job kind")
	}
}

func TestInProcessSchedulerDelayedDelivery(t *testing.T) {
	scheduler := NewInProcessScheduler(InProcessConfig{Workers: 1})
	done := make(chan struct{})
	var once sync.Once
	scheduler.Register("test.delayed", func(ctx context.Context, job Job) error {
		once.Do(func() { close(done) })
		return nil
	})
	scheduler.Start()
	defer scheduler.Shutdown(context.Background())

	job, err := NewJob("test.delayed", nil)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := scheduler.EnqueueAfter(context.Background(), 10*time.Millisecond, job); err != nil {
		t.Fatalf("EnqueueAfter returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job was not delivered")
	}
}

func TestInProcessSchedulerShutdownStopsTimers(t *testing.T) {
	scheduler := NewInProcessScheduler(InProcessConfig{Workers: 1})
	fired := make(chan struct{}, 1)
	scheduler.Register("test.never", func(ctx context.Context, job Job) error {
		fired <- struct{}{}
		return nil
	})
	scheduler.Start()

	job, err := NewJob("test.never", nil)
	if err != nil {
		t.Fatalf("NewJob returned error: %v", err)
	}
	if err := scheduler.EnqueueAfter(context.Background(), 50*time.Millisecond, job); err != nil {
		t.Fatalf("EnqueueAfter returned error: %v", err)
	}
	if err := scheduler.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("timer fired after shutdown")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNewJobRequiresKind(t *testing.T) {
	if _, err := NewJob("  ", nil); err == nil {
		t.Fatal("expected error for blank job kind")
	}
}

func TestIsNilReplyMatchesOnlyRedisNil(t *testing.T) {
	if !isNilReply(redis.Nil) {
		t.Fatal("redis.Nil should read as an empty reply")
	}
	if !isNilReply(fmt.Errorf("xreadgroup: %w", redis.Nil)) {
		t.Fatal("wrapped redis.Nil should read as an empty reply")
	}
	if isNilReply(nil) {
		t.Fatal("nil error is not an empty reply")
	}
	if isNilReply(errors.New("i/o timeout")) {
		t.Fatal("a timeout must surface, not read as an empty reply")
	}
	if isNilReply(errors.New("redis: nil lookalike")) {
		t.Fatal("an unrelated error with a similar message must surface")
	}
}
