package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps the user->connection mapping in Redis so the
// one-connection-per-user invariant holds across horizontally scaled
// instances. Both operations run as Lua scripts: two processes racing to
// register the same user resolve to a single winner inside Redis, not by
// arrival order at the application.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

var registerScript = redis.NewScript(`
	local old = redis.call('GET', KEYS[1])
	redis.call('SET', KEYS[1], ARGV[1])
	if old then return old else return '' end
`)

var deregisterScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, prefix: "presence:"}, nil
}

// NewRedisRegistryWithClient builds a registry from an existing client.
func NewRedisRegistryWithClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "presence:"}
}

func (r *RedisRegistry) key(userID string) string {
	return r.prefix + userID
}

func (r *RedisRegistry) Register(ctx context.Context, userID, connID string) (string, error) {
	previous, err := registerScript.Run(ctx, r.client, []string{r.key(userID)}, connID).Text()
	if err != nil {
		return "", fmt.Errorf("register connection: %w", err)
	}
	return previous, nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, userID, connID string) (bool, error) {
	removed, err := deregisterScript.Run(ctx, r.client, []string{r.key(userID)}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("deregister connection: %w", err)
	}
	return removed == 1, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
