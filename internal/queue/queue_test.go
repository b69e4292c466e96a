package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory()
	require.NoError(t, q.Enqueue(ctx, Job{TaskID: "t1", RepoID: "r1"}))
	require.NoError(t, q.Enqueue(ctx, Job{TaskID: "t2", RepoID: "r2"}))

	var got []string
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job Job) error {
			got = append(got, job.TaskID)
			if len(got) == 2 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs not delivered")
	}
	cancel()
	assert.Equal(t, []string{"t1", "t2"}, got)
	assert.Zero(t, q.Pending())
}

func TestMemoryRevokeSkipsJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewMemory()
	require.NoError(t, q.Enqueue(ctx, Job{TaskID: "t1"}))
	require.NoError(t, q.Enqueue(ctx, Job{TaskID: "t2"}))
	require.NoError(t, q.Revoke(ctx, "t1"))

	delivered := make(chan string, 2)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job Job) error {
			delivered <- job.TaskID
			return nil
		})
	}()

	select {
	case id := <-delivered:
		assert.Equal(t, "t2", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
	select {
	case id := <-delivered:
		t.Fatalf("revoked job %s was delivered", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory()
	errCh := make(chan error, 1)
	go func() { errCh <- q.Run(ctx, func(context.Context, Job) error { return nil }) }()
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
