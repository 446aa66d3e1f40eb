//go:build integration

package report

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	container, err := redis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(endpoint)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client, "", 2)

	_, found, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	base := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Save(ctx, sampleReport(i, base)))
	}

	latest, found, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "cycle-3", latest.ID)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2, "list is capped")
	assert.Equal(t, "cycle-2", list[1].ID)
}
