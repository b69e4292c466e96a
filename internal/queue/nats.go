package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// AckWait bounds how long a delivered job may run before JetStream redelivers
// it. Long enough for a large repository's full process.
const AckWait = 2 * time.Hour

// NATS backs the queue with a JetStream work-queue stream. Each job is
// published on its own subject so revocation can purge precisely.
type NATS struct {
	js       jetstream.JetStream
	stream   string
	durable  string
	subjects string // wildcard, e.g. "tasks.process.>"
}

// NewNATS creates or opens the work-queue stream.
func NewNATS(ctx context.Context, js jetstream.JetStream, stream string) (*NATS, error) {
	subjects := "tasks.process.>"
	_, err := js.Stream(ctx, stream)
	if err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      stream,
			Subjects:  []string{subjects},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create task stream %s: %w", stream, err)
		}
	}
	return &NATS{js: js, stream: stream, durable: "worker", subjects: subjects}, nil
}

func (n *NATS) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = n.js.Publish(ctx, "tasks.process."+job.TaskID, data)
	return err
}

// Revoke purges the task's subject from the stream. A job already delivered
// to a worker is untouched.
func (n *NATS) Revoke(ctx context.Context, taskID string) error {
	stream, err := n.js.Stream(ctx, n.stream)
	if err != nil {
		return err
	}
	err = stream.Purge(ctx, jetstream.WithPurgeSubject("tasks.process."+taskID))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil
	}
	return err
}

// Run consumes jobs one at a time. MaxAckPending 1 keeps the worker strictly
// sequential; the ack happens only after handle returns, so a crash mid-job
// lets JetStream redeliver it to the next worker.
func (n *NATS) Run(ctx context.Context, handle Handler) error {
	stream, err := n.js.Stream(ctx, n.stream)
	if err != nil {
		return err
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       n.durable,
		FilterSubject: n.subjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       AckWait,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("create worker consumer: %w", err)
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch job: %w", err)
		}
		for msg := range msgs.Messages() {
			var job Job
			if err := json.Unmarshal(msg.Data(), &job); err != nil {
				slog.Error("discarding malformed job", "error", err)
				_ = msg.Term()
				continue
			}
			_ = handle(ctx, job)
			if err := msg.Ack(); err != nil {
				slog.Warn("job ack failed", "task_id", job.TaskID, "error", err)
			}
		}
		if err := msgs.Error(); err != nil {
			slog.Debug("fetch batch ended", "error", err)
		}
	}
}
