package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable Redis 미연결 상태
var ErrUnavailable = errors.New("redis not available")

// ErrMiss 캐시 미스
var ErrMiss = errors.New("cache miss")

// Service Redis 캐시 서비스 인터페이스
type Service interface {
	// 기본 캐시 연산
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// 원자적 카운터 연산 (read-modify-write 금지)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	DecrByFloor(ctx context.Context, key string, delta int64) (int64, error)
	SetInt(ctx context.Context, key string, value int64) error
	GetInt(ctx context.Context, key string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrBelow(ctx context.Context, key, field string, limit int64, ttl time.Duration) (int64, bool, error)
	HSet(ctx context.Context, key string, values map[string]int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// 유틸리티
	IsAvailable() bool
	Ping(ctx context.Context) error
}

// redisCache Redis 기반 캐시 구현
type redisCache struct {
	client *redis.Client
}

// NewService 새로운 캐시 서비스 생성. client가 nil이면 읽기는 ErrUnavailable,
// 무효화는 no-op, 카운터는 ErrUnavailable을 반환한다.
func NewService(client *redis.Client) Service {
	return &redisCache{client: client}
}

// decrFloorScript 0 미만으로 내려가지 않는 원자적 감소
var decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = v - tonumber(ARGV[1])
if n < 0 then n = 0 end
redis.call('SET', KEYS[1], n, 'KEEPTTL')
return n
`)

// hincrBelowScript 필드 값이 limit 미만일 때만 +1. {값, 증가여부}
var hincrBelowScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if v >= tonumber(ARGV[2]) then
    return {v, 0}
end
v = redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return {v, 1}
`)

// IsAvailable Redis 연결 가능 여부
func (c *redisCache) IsAvailable() bool {
	return c.client != nil
}

// Ping Redis 연결 테스트
func (c *redisCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return ErrUnavailable
	}
	return c.client.Ping(ctx).Err()
}

// Get 캐시에서 값 조회
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return ErrUnavailable
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Set 캐시에 값 저장
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return nil // Redis 없으면 무시
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// SetNX 키가 없을 때만 저장. 일회용 토큰 소비에 사용하므로 Redis 없으면 에러
func (c *redisCache) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if c.client == nil {
		return false, ErrUnavailable
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, ttl).Result()
}

// Delete 캐시 삭제
func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Exists 캐시 존재 여부 확인
func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client == nil {
		return false, ErrUnavailable
	}
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

// ScanKeys 패턴에 맞는 키 목록 (SCAN 기반)
func (c *redisCache) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	if c.client == nil {
		return nil, ErrUnavailable
	}
	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// ========================================
// 카운터
// ========================================

func (c *redisCache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if c.client == nil {
		return 0, ErrUnavailable
	}
	return c.client.IncrBy(ctx, key, delta).Result()
}

func (c *redisCache) DecrByFloor(ctx context.Context, key string, delta int64) (int64, error) {
	if c.client == nil {
		return 0, ErrUnavailable
	}
	return decrFloorScript.Run(ctx, c.client, []string{key}, delta).Int64()
}

func (c *redisCache) SetInt(ctx context.Context, key string, value int64) error {
	if c.client == nil {
		return ErrUnavailable
	}
	return c.client.Set(ctx, key, value, 0).Err()
}

// GetInt 정수 카운터 조회. 키가 없으면 ErrMiss
func (c *redisCache) GetInt(ctx context.Context, key string) (int64, error) {
	if c.client == nil {
		return 0, ErrUnavailable
	}
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrMiss
	}
	return n, err
}

func (c *redisCache) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if c.client == nil {
		return 0, ErrUnavailable
	}
	return c.client.HIncrBy(ctx, key, field, delta).Result()
}

// HIncrBelow 상한 검사와 증가를 한 번에 수행한다. 상한에 도달했으면 (현재값, false)
func (c *redisCache) HIncrBelow(ctx context.Context, key, field string, limit int64, ttl time.Duration) (int64, bool, error) {
	if c.client == nil {
		return 0, false, ErrUnavailable
	}
	res, err := hincrBelowScript.Run(ctx, c.client, []string{key}, field, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected hincr result: %v", res)
	}
	return res[0], res[1] == 1, nil
}

func (c *redisCache) HSet(ctx context.Context, key string, values map[string]int64) error {
	if c.client == nil {
		return ErrUnavailable
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return c.client.HSet(ctx, key, args...).Err()
}

func (c *redisCache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if c.client == nil {
		return nil, ErrUnavailable
	}
	return c.client.HGetAll(ctx, key).Result()
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if c.client == nil {
		return ErrUnavailable
	}
	return c.client.Expire(ctx, key, ttl).Err()
}

// String helps debugging in logs
func (c *redisCache) String() string {
	if c.client == nil {
		return "cache(disabled)"
	}
	return fmt.Sprintf("cache(%s)", c.client.Options().Addr)
}
