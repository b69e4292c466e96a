package cancelreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS stores flags in a JetStream KV bucket whose TTL handles expiry, so
// every process connected to the same NATS sees the same flags.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS creates or opens the KV bucket. ttl <= 0 falls back to DefaultTTL.
func NewNATS(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATS, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "Task cancellation flags",
			History:     1,
			TTL:         ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("create cancel bucket %s: %w", bucket, err)
		}
	}
	return &NATS{kv: kv}, nil
}

func (n *NATS) Set(ctx context.Context, taskID string) error {
	// KV keys cannot contain ':'; use '.' on the wire, Key() stays the
	// logical name.
	_, err := n.kv.Put(ctx, wireKey(taskID), []byte("1"))
	return err
}

func (n *NATS) IsSet(ctx context.Context, taskID string) (bool, error) {
	entry, err := n.kv.Get(ctx, wireKey(taskID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return string(entry.Value()) == "1", nil
}

func (n *NATS) Clear(ctx context.Context, taskID string) error {
	err := n.kv.Delete(ctx, wireKey(taskID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func wireKey(taskID string) string { return "cancel." + taskID }
