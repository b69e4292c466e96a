package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the wire prefix; the full subject is
// SubjectPrefix + "." + taskID.
const SubjectPrefix = "task_progress"

// NATS publishes events over core NATS. No stream backs the subject: progress
// is ephemeral by design and the database holds the durable state.
type NATS struct {
	conn *nats.Conn
}

func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return n.conn.Publish(SubjectPrefix+"."+ev.TaskID, data)
}

func (n *NATS) Subscribe(_ context.Context, taskID string) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)
	sub, err := n.conn.Subscribe(SubjectPrefix+"."+taskID, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("dropping malformed progress event", "task_id", taskID, "error", err)
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe to progress for %s: %w", taskID, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
		close(ch)
	}
	return ch, cancel, nil
}
