package report

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCycle() *models.CycleReport {
	return &models.CycleReport{
		ID:        uuid.New(),
		Trigger:   "manual",
		StartedAt: time.Now(),
		Jobs: []models.JobReport{
			{Target: "web-1", State: models.JobStateCompleted},
			{Target: "db", State: models.JobStateFailed, Reason: models.ReasonLockHeld},
		},
	}
}

func TestDispatcher_FansOut(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var calls atomic.Int32
	count := SinkFunc(func(context.Context, *models.CycleReport) error {
		calls.Add(1)
		return nil
	})
	d.Add("first", count)
	d.Add("broken", SinkFunc(func(context.Context, *models.CycleReport) error {
		return errors.New("boom")
	}))
	d.Add("second", count)
	d.Add("log", LogSink(zerolog.Nop()))
	assert.Equal(t, 4, d.Len())

	err := d.Dispatch(context.Background(), testCycle())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: boom")
	assert.Equal(t, int32(2), calls.Load(), "a failing sink does not stop the others")
}

func TestDispatcher_Empty(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	assert.NoError(t, d.Dispatch(context.Background(), testCycle()))
}

func TestRedisPublisher(t *testing.T) {
	srv := miniredis.RunT(t)

	pub, err := NewRedisPublisher("redis://"+srv.Addr()+"/0", "hoarder:reports")
	require.NoError(t, err)
	defer pub.Close()
	pub.keep = 2

	ctx := context.Background()
	require.NoError(t, pub.Ping(ctx))

	var last *models.CycleReport
	for i := 0; i < 3; i++ {
		last = testCycle()
		require.NoError(t, pub.CycleFinished(ctx, last))
	}

	items, err := srv.List(pub.HistoryKey())
	require.NoError(t, err)
	require.Len(t, items, 2, "history is capped")

	var newest models.CycleReport
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	assert.Equal(t, last.ID, newest.ID)
	assert.Len(t, newest.Jobs, 2)
}

func TestRedisPublisher_Subscriber(t *testing.T) {
	srv := miniredis.RunT(t)
	pub, err := NewRedisPublisher("redis://"+srv.Addr(), "reports")
	require.NoError(t, err)
	defer pub.Close()

	ctx := context.Background()
	sub := pub.client.Subscribe(ctx, "reports")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	cycle := testCycle()
	require.NoError(t, pub.CycleFinished(ctx, cycle))

	select {
	case msg := <-sub.Channel():
		var got models.CycleReport
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, cycle.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNewRedisPublisher_InvalidURL(t *testing.T) {
	_, err := NewRedisPublisher("http://nope", "reports")
	assert.Error(t, err)
}
