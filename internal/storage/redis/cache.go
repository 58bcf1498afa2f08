package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"disposms/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 号码查找缓存
//
// 缓存按号码查找租约的结果，任何状态迁移或迁移冲突后立即失效。
// 短信归属不读缓存，见 hybrid.Store.GetLeaseByNumberPrimary。
type Cache struct {
	client *Client
	ttl    time.Duration
}

// NewCache 创建缓存，ttl 为兜底过期时间
func NewCache(client *Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func leaseNumberKey(number string) string {
	return fmt.Sprintf("lease:number:%s", number)
}

// CacheLease 缓存租约快照
func (c *Cache) CacheLease(ctx context.Context, lease *domain.Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, leaseNumberKey(lease.Number), data, c.ttl).Err()
}

// GetCachedLeaseByNumber 获取缓存的租约快照
func (c *Cache) GetCachedLeaseByNumber(ctx context.Context, number string) (*domain.Lease, error) {
	data, err := c.client.rdb.Get(ctx, leaseNumberKey(number)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var lease domain.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// InvalidateLease 删除号码对应的缓存
func (c *Cache) InvalidateLease(ctx context.Context, number string) error {
	return c.client.rdb.Del(ctx, leaseNumberKey(number)).Err()
}
