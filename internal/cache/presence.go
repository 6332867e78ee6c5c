package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Presence tracks which connections are live in a session across instances.
// Liveness is a logical TTL refreshed by heartbeats, so a crashed instance's
// connections age out on their own.
type Presence interface {
	Touch(ctx context.Context, sessionID, connID, userID, platform string, ttl time.Duration) error
	Remove(ctx context.Context, sessionID, connID string) error
	Alive(ctx context.Context, sessionID string) ([]Member, error)
}

type Member struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Platform     string `json:"platform"`
}

// 具体实现：基于 redis 的 Presence
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) Presence {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) Touch(ctx context.Context, sessionID, connID, userID, platform string, ttl time.Duration) error {
	// 刷新TTL也直接调用Touch即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(sessionID), redis.Z{Score: float64(expireAt), Member: connID})
	tx.HSet(ctx, membersKey(sessionID), connID, userID+"|"+platform)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Remove(ctx context.Context, sessionID, connID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(sessionID), connID)
	tx.HDel(ctx, membersKey(sessionID), connID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) Alive(ctx context.Context, sessionID string) ([]Member, error) {
	// step1: 清理过期连接
	// 约定：score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = roomKey(sessionID)
	-- KEYS[2] = membersKey(sessionID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`
	script := redis.NewScript(luaScript)
	if _, err := script.Run(ctx, p.rdb, []string{roomKey(sessionID), membersKey(sessionID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线连接
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(sessionID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取元数据
	metas, err := p.rdb.HMGet(ctx, membersKey(sessionID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(aliveIDs))
	for i, connID := range aliveIDs {
		m := Member{ConnectionID: connID}
		if i < len(metas) && metas[i] != nil {
			if meta, ok := metas[i].(string); ok {
				if idx := strings.IndexByte(meta, '|'); idx >= 0 {
					m.UserID = meta[:idx]
					m.Platform = meta[idx+1:]
				} else {
					m.UserID = meta
				}
			}
		}
		members = append(members, m)
	}
	return members, nil
}
