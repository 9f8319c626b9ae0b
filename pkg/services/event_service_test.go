package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/ruleiq/orchestrator/test/database"
)

func TestEventService_GetEventsSince(t *testing.T) {
	pool := testdb.NewPool(t)
	svc := NewEventService(pool)
	ctx := context.Background()

	ids := make([]int64, 0, 3)
	for _, seed := range []struct {
		eventType string
		payload   string
	}{
		{"NodeStarted", `{"type":"NodeStarted","run_id":"r-1","seq":1}`},
		{"NodeFinished", `{"type":"NodeFinished","run_id":"r-1","seq":2}`},
		{"Checkpointed", `{"type":"Checkpointed","run_id":"r-1","seq":3}`},
	} {
		var id int64
		err := pool.QueryRow(ctx,
			`INSERT INTO run_events (channel, event_type, payload) VALUES ($1, $2, $3) RETURNING id`,
			"run:r-1", seed.eventType, seed.payload).Scan(&id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := pool.Exec(ctx,
		`INSERT INTO run_events (channel, event_type, payload) VALUES ($1, $2, $3)`,
		"run:r-2", "NodeStarted", `{"type":"NodeStarted","run_id":"r-2","seq":1}`)
	require.NoError(t, err)

	t.Run("from zero returns all in id order", func(t *testing.T) {
		got, err := svc.GetEventsSince(ctx, "run:r-1", 0, 100)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, evt := range got {
			assert.Equal(t, ids[i], evt.ID)
			assert.Equal(t, float64(i+1), evt.Payload["seq"])
		}
		assert.Equal(t, "NodeStarted", got[0].Payload["type"])
		assert.Equal(t, "Checkpointed", got[2].Payload["type"])
	})

	t.Run("cursor excludes rows at or below it", func(t *testing.T) {
		got, err := svc.GetEventsSince(ctx, "run:r-1", ids[1], 100)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ids[2], got[0].ID)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		got, err := svc.GetEventsSince(ctx, "run:r-1", 0, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].ID)
		assert.Equal(t, ids[1], got[1].ID)
	})

	t.Run("channels do not leak into each other", func(t *testing.T) {
		got, err := svc.GetEventsSince(ctx, "run:r-2", 0, 100)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "r-2", got[0].Payload["run_id"])
	})

	t.Run("unknown channel is empty", func(t *testing.T) {
		got, err := svc.GetEventsSince(ctx, "run:nothing-here", 0, 100)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestEventService_DeleteBefore(t *testing.T) {
	pool := testdb.NewPool(t)
	svc := NewEventService(pool)
	ctx := context.Background()

	_, err := pool.Exec(ctx,
		`INSERT INTO run_events (channel, event_type, payload, created_at)
		 VALUES ($1, $2, $3, now() - interval '48 hours')`,
		"run:r-old", "StatusChanged", `{"type":"StatusChanged","run_id":"r-old","seq":1}`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx,
		`INSERT INTO run_events (channel, event_type, payload) VALUES ($1, $2, $3)`,
		"run:r-new", "StatusChanged", `{"type":"StatusChanged","run_id":"r-new","seq":1}`)
	require.NoError(t, err)

	deleted, err := svc.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	old, err := svc.GetEventsSince(ctx, "run:r-old", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, old)

	fresh, err := svc.GetEventsSince(ctx, "run:r-new", 0, 10)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}
