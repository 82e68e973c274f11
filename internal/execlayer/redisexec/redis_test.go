package redisexec

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/datmedevil17/simcityMagicblock/internal/execlayer"
	"github.com/datmedevil17/simcityMagicblock/internal/execlayer/execlayertest"
)

func TestRedisConformance(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping redis executor test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	defer client.Close()

	execlayertest.Run(t, func(t *testing.T) execlayer.Node {
		return New("redis-1", client, "test-"+uuid.NewString(), nil)
	})
}
