package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sievetrace-io/sievetrace/internal/event"
)

func testMessage(id string) Message {
	return Message{
		ID:  id,
		Key: "run-1",
		Envelope: event.Envelope{
			Type: event.TypeRun,
			Data: json.RawMessage(`{"runId":"run-1"}`),
		},
	}
}

func TestMemoryPublishFetchAck(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("m1")))
	require.NoError(t, q.Publish(ctx, testMessage("m2")))

	batch, err := q.Fetch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].ID)
	assert.Equal(t, "m2", batch[1].ID)
	assert.Equal(t, 0, q.Len(), "fetched messages leave pending")

	require.NoError(t, q.Ack(ctx, batch...))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryFetchRespectsMax(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Publish(ctx, testMessage(fmt.Sprintf("m%d", i))))
	}

	batch, err := q.Fetch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, 2, q.Len())
}

func TestMemoryNackRedelivers(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, testMessage("m1")))
	require.NoError(t, q.Publish(ctx, testMessage("m2")))

	batch, err := q.Fetch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, q.Nack(ctx, batch...))

	// Nacked message returns to the head, ahead of m2.
	redelivered, err := q.Fetch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, redelivered, 2)
	assert.Equal(t, "m1", redelivered[0].ID)
	assert.Equal(t, "m2", redelivered[1].ID)
}

func TestMemoryNackUnknownMessageIgnored(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	require.NoError(t, q.Nack(context.Background(), testMessage("ghost")))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryFetchBlocksUntilPublish(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	ctx := context.Background()
	got := make(chan []Message, 1)

	go func() {
		batch, err := q.Fetch(ctx, 1)
		if err == nil {
			got <- batch
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Publish(ctx, testMessage("late")))

	select {
	case batch := <-got:
		require.Len(t, batch, 1)
		assert.Equal(t, "late", batch[0].ID)
	case <-time.After(time.Second):
		t.Fatal("fetch did not wake on publish")
	}
}

func TestMemoryFetchHonorsContext(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Fetch(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryCloseWakesAllFetchers(t *testing.T) {
	q := NewMemory()

	errs := make(chan error, 3)

	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Fetch(context.Background(), 1)
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("fetcher not woken by close")
		}
	}
}

func TestMemoryPublishAfterClose(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), testMessage("m1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryFetchZeroMax(t *testing.T) {
	q := NewMemory()
	defer func() { _ = q.Close() }()

	batch, err := q.Fetch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
