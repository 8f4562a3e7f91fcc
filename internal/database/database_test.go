package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/config"
)

func TestWaitReadyRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := waitReady(context.Background(), "test", time.Second, zerolog.Nop(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitReadyGivesUp(t *testing.T) {
	err := waitReady(context.Background(), "test", 300*time.Millisecond, zerolog.Nop(), func(context.Context) error {
		return errors.New("connection refused")
	})
	assert.Error(t, err)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.Config{RedisURL: "redis://" + mr.Addr() + "/0", ConnectTimeout: time.Second}

	rdb, err := NewRedisClient(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer rdb.Close()
	assert.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
}

func TestNewRedisClientBadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &config.Config{RedisURL: "not-a-url"}, zerolog.Nop())
	assert.Error(t, err)
}
