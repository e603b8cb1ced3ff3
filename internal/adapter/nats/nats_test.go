package nats

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/ContentForge/internal/logger"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
)

const waitTimeout = 10 * time.Second

type delivery struct {
	ctx     context.Context
	subject string
	data    []byte
}

// testQueue connects to NATS_URL or skips. Consumers use DeliverNew, so
// messages left over from earlier runs are not seen.
func testQueue(t *testing.T) *Queue {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	q, err := Connect(context.Background(), url)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// subscribe routes deliveries through Queue.Subscribe into a channel.
func subscribe(t *testing.T, q *Queue, subject string, fail error) <-chan delivery {
	t.Helper()
	ch := make(chan delivery, 16)
	stop, err := q.Subscribe(context.Background(), subject, func(ctx context.Context, subj string, data []byte) error {
		select {
		case ch <- delivery{ctx: ctx, subject: subj, data: data}:
		default:
		}
		return fail
	})
	if err != nil {
		t.Fatalf("Subscribe %s: %v", subject, err)
	}
	t.Cleanup(stop)
	return ch
}

// rawDLQ consumes subject+".dlq" directly, bypassing validation.
func rawDLQ(t *testing.T, q *Queue, subject string) <-chan []byte {
	t.Helper()
	ctx := context.Background()
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		FilterSubject: subject + dlqSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		t.Fatalf("dlq consumer: %v", err)
	}
	ch := make(chan []byte, 4)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case ch <- msg.Data():
		default:
		}
		_ = msg.Ack()
	})
	if err != nil {
		t.Fatalf("dlq consume: %v", err)
	}
	t.Cleanup(cc.Stop)
	return ch
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestPublishJobEvent(t *testing.T) {
	q := testQueue(t)
	got := subscribe(t, q, messagequeue.SubjectAllJobs, nil)

	ev := messagequeue.JobEventPayload{JobID: "job-1", Kind: "pipeline_run", Status: "finished", AttemptCount: 1, MaxAttempts: 3}
	data, _ := json.Marshal(ev)
	ctx := logger.WithRequestID(context.Background(), "req-42")
	if err := q.Publish(ctx, messagequeue.SubjectJobFinished, data); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := await(t, got, "job event")
	if d.subject != messagequeue.SubjectJobFinished {
		t.Fatalf("subject = %q", d.subject)
	}
	var back messagequeue.JobEventPayload
	if err := json.Unmarshal(d.data, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.JobID != "job-1" || back.Status != "finished" {
		t.Fatalf("payload = %+v", back)
	}
	if id := logger.RequestID(d.ctx); id != "req-42" {
		t.Fatalf("request id = %q, want req-42", id)
	}
}

func TestInvalidPayloadGoesToDLQ(t *testing.T) {
	q := testQueue(t)
	handled := subscribe(t, q, messagequeue.SubjectJobEnqueued, nil)
	dlq := rawDLQ(t, q, messagequeue.SubjectJobEnqueued)

	// Valid JSON but no job_id.
	if err := q.Publish(context.Background(), messagequeue.SubjectJobEnqueued, []byte(`{"kind":"crawl_task"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if data := await(t, dlq, "dlq message"); string(data) != `{"kind":"crawl_task"}` {
		t.Fatalf("dlq data = %s", data)
	}
	select {
	case d := <-handled:
		t.Fatalf("handler saw rejected message %s", d.data)
	default:
	}
}

func TestHandlerFailureRetriesThenDLQ(t *testing.T) {
	q := testQueue(t)
	subject := messagequeue.SubjectRunCompleted
	dlq := rawDLQ(t, q, subject)
	attempts := subscribe(t, q, subject, errors.New("downstream unavailable"))

	payload := []byte(`{"run_id":"run-9","status":"completed"}`)
	if err := q.Publish(context.Background(), subject, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i <= maxRetries; i++ {
		await(t, attempts, "delivery attempt")
	}
	if data := await(t, dlq, "dlq message"); string(data) != string(payload) {
		t.Fatalf("dlq data = %s", data)
	}
}

func TestKeyValueBucket(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	bucket := "cftest-kv-" + strings.ReplaceAll(t.Name(), "/", "-")

	kv, err := q.KeyValue(ctx, bucket, time.Minute)
	if err != nil {
		t.Fatalf("KeyValue: %v", err)
	}
	t.Cleanup(func() { _ = q.js.DeleteKeyValue(context.Background(), bucket) })

	if _, err := kv.Put(ctx, "llm.v1.abc", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := kv.Get(ctx, "llm.v1.abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(entry.Value()) != `{"text":"hi"}` {
		t.Fatalf("value = %s", entry.Value())
	}
	if !q.IsConnected() {
		t.Fatal("IsConnected() = false")
	}
}

func TestRetryCountHeader(t *testing.T) {
	h := nats.Header{}
	if got := retryCount(h); got != 0 {
		t.Fatalf("missing header = %d, want 0", got)
	}
	h.Set(headerRetryCount, "2")
	cp := copyHeader(h)
	cp.Set(headerRetryCount, "5")
	if got := retryCount(h); got != 2 {
		t.Fatalf("copy mutated original: %d", got)
	}
	if got := retryCount(cp); got != 5 {
		t.Fatalf("copy = %d, want 5", got)
	}
}
