package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestPercent(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 0, 0},
		{0, 4, 0},
		{1, 4, 25},
		{4, 4, 100},
		{5, 4, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.processed, tt.total))
	}
}

func TestProgressMessage_JSON(t *testing.T) {
	msg := &ProgressMessage{
		Type:              TypeUnitDone,
		ScanID:            "a1b2c3d4",
		Status:            "running",
		DatasetID:         "ds-1",
		ProcessedDatasets: 1,
		TotalDatasets:     2,
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Contains(t, raw, "scan_id")
	assert.Contains(t, raw, "processed_datasets")
	assert.Contains(t, raw, "dataset_id")
	_, hasMessage := raw["message"]
	_, hasError := raw["error"]
	assert.False(t, hasMessage, "empty message should be omitted")
	assert.False(t, hasError, "empty error should be omitted")
}

func TestPublisherSubscriber(t *testing.T) {
	client := newTestRedis(t)
	publisher := NewPublisher(client)
	subscriber := NewSubscriber(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := make(chan struct{})
	received := make(chan *ProgressMessage, 1)
	go func() {
		_ = subscriber.Subscribe(ctx, ready, func(msg *ProgressMessage) {
			received <- msg
		})
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		t.Fatal("subscription never became ready")
	}

	err := publisher.PublishProgress(ctx, &ProgressMessage{
		ScanID:            "a1b2c3d4",
		Status:            "running",
		ProcessedDatasets: 1,
		TotalDatasets:     4,
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "a1b2c3d4", msg.ScanID)
		assert.Equal(t, TypeScanStatus, msg.Type)
		assert.Equal(t, 25, msg.Progress)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestSubscriber_StopsOnCancel(t *testing.T) {
	client := newTestRedis(t)
	subscriber := NewSubscriber(client)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Subscribe(ctx, ready, func(*ProgressMessage) {})
	}()
	<-ready
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestSubscriber_ScanIDFromChannel(t *testing.T) {
	client := newTestRedis(t)
	subscriber := NewSubscriber(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ready := make(chan struct{})
	received := make(chan *ProgressMessage, 2)
	go func() {
		_ = subscriber.Subscribe(ctx, ready, func(msg *ProgressMessage) {
			received <- msg
		})
	}()
	<-ready

	assert.Equal(t, "pbiscan:progress:e5f6a7b8", Channel("e5f6a7b8"))
	require.NoError(t, client.Publish(ctx, "unrelated", `{"scan_id":"x"}`).Err())
	require.NoError(t, client.Publish(ctx, Channel("e5f6a7b8"), `{"status":"completed"}`).Err())

	select {
	case msg := <-received:
		assert.Equal(t, "e5f6a7b8", msg.ScanID)
		assert.Equal(t, "completed", msg.Status)
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}
