package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	redisMgr  *Manager
)

type Manager struct {
	client *redis.Client
}

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Init sets up the shared Redis manager (singleton).
func Init(c Config) error {
	var initErr error
	redisOnce.Do(func() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			PoolSize: c.PoolSize,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			initErr = err
			return
		}
		redisMgr = &Manager{client: rdb}
	})
	return initErr
}

// InitWithClient wires an existing client, for tests against miniredis.
func InitWithClient(rdb *redis.Client) {
	redisMgr = &Manager{client: rdb}
}

// Ready reports whether Init has run. The gateway degrades to empty
// membership restore when the cache is not configured.
func Ready() bool { return redisMgr != nil }

func Client() *redis.Client {
	if redisMgr == nil {
		panic("storage not initialized, call Init first")
	}
	return redisMgr.client
}

func Close() error {
	if redisMgr != nil && redisMgr.client != nil {
		return redisMgr.client.Close()
	}
	return nil
}

// Group membership cache. The group service owns the truth; the gateway
// reads the cached set at connect time and keeps it in step with explicit
// join/leave so reconnects restore the latest memberships.
// key: user:<id>:groups

func userGroupsKey(userID string) string { return "user:" + userID + ":groups" }

func UserGroups(ctx context.Context, userID string) ([]string, error) {
	groups, err := Client().SMembers(ctx, userGroupsKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "smembers user=%s", userID)
	}
	return groups, nil
}

func AddUserGroup(ctx context.Context, userID, groupID string) error {
	return errors.Wrapf(
		Client().SAdd(ctx, userGroupsKey(userID), groupID).Err(),
		"sadd user=%s group=%s", userID, groupID)
}

func RemoveUserGroup(ctx context.Context, userID, groupID string) error {
	return errors.Wrapf(
		Client().SRem(ctx, userGroupsKey(userID), groupID).Err(),
		"srem user=%s group=%s", userID, groupID)
}
