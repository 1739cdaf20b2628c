package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore は共有Redisを使った Store の実装です
// 一時的な接続障害のリトライはクライアント側の設定
// （MaxRetries / MinRetryBackoff / MaxRetryBackoff）に任せます
type RedisStore struct{ rdb *redis.Client }

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (rs *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return rs.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (rs *RedisStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return rs.rdb.ZRange(ctx, key, start, stop).Result()
}

func (rs *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return rs.rdb.ZRem(ctx, key, args...).Err()
}

func (rs *RedisStore) ZRank(ctx context.Context, key, member string) (int64, error) {
	rank, err := rs.rdb.ZRank(ctx, key, member).Result()
	if err == redis.Nil { // メンバーがない
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return rank, nil
}

func (rs *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := rs.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil { // フィールドがない
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (rs *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return rs.rdb.HSet(ctx, key, field, value).Err()
}

func (rs *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return rs.rdb.HDel(ctx, key, fields...).Err()
}

func (rs *RedisStore) Batch(ctx context.Context, ops []Op) error {
	pipe := rs.rdb.TxPipeline()
	for _, op := range ops {
		switch op.Kind {
		case OpZAdd:
			pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member})
		case OpZRem:
			pipe.ZRem(ctx, op.Key, op.Member)
		case OpHSet:
			pipe.HSet(ctx, op.Key, op.Field, op.Value)
		case OpHDel:
			pipe.HDel(ctx, op.Key, op.Field)
		default:
			return fmt.Errorf("unknown batch op: %s", op.Kind)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// claimScript は条件付き除去とバッチ書き込みをアトミックに行います
// ZREMが0を返した（= エントリが既に他のプロセスに取られている/消えている）
// 場合は何も書かずに0を返します
var claimScript = redis.NewScript(`
	local removed = redis.call('ZREM', KEYS[1], ARGV[1])
	if removed == 0 then
		return 0
	end

	local ops = cjson.decode(ARGV[2])
	for _, op in ipairs(ops) do
		if op.kind == 'zadd' then
			redis.call('ZADD', op.key, op.score, op.member)
		elseif op.kind == 'zrem' then
			redis.call('ZREM', op.key, op.member)
		elseif op.kind == 'hset' then
			redis.call('HSET', op.key, op.field, op.value)
		elseif op.kind == 'hdel' then
			redis.call('HDEL', op.key, op.field)
		end
	end

	return 1
`)

func (rs *RedisStore) ClaimBatch(ctx context.Context, claimKey, claimMember string, ops []Op) (bool, error) {
	b, err := json.Marshal(ops)
	if err != nil {
		return false, fmt.Errorf("marshal claim ops: %w", err)
	}
	n, err := claimScript.Run(ctx, rs.rdb, []string{claimKey}, claimMember, string(b)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
