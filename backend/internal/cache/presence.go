package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docKey, userID, email string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docKey, userID string) error
	AliveMembers(ctx context.Context, docKey string) ([]PresenceMember, error)
}

type PresenceMember struct {
	UserID string
	Email  string
}

// 基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docKey, userID, email string, ttl time.Duration) error {
	// 刷新 TTL 也直接调用 AddMember 即可
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docKey), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docKey), userID, email)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docKey, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docKey), userID)
	tx.HDel(ctx, namesKey(docKey), userID)
	_, err := tx.Exec(ctx)
	return err
}

// 清理过期成员并返回在线成员。约定 score=expireAt，expireAt <= now 视为过期。
var sweepScript = redis.NewScript(`
	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, docKey string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	_, err := sweepScript.Run(ctx, p.rdb, []string{roomKey(docKey), namesKey(docKey)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docKey), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docKey), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		email := ""
		if i < len(names) && names[i] != nil {
			email, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: id, Email: email})
	}
	return members, nil
}
