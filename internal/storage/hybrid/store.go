package hybrid

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
	"disposms/backend/internal/storage/redis"
)

// DefaultCacheTTL 号码缓存的兜底过期时间
const DefaultCacheTTL = 30 * time.Second

// LeaseCache 号码查找缓存，由 redis.Cache 实现
type LeaseCache interface {
	CacheLease(ctx context.Context, lease *domain.Lease) error
	GetCachedLeaseByNumber(ctx context.Context, number string) (*domain.Lease, error)
	InvalidateLease(ctx context.Context, number string) error
}

// Store 混合存储实现，数据库为权威数据源，Redis 缓存号码查找
//
// 缓存只服务于展示与指定号码租用等可容忍旧快照的读取；
// 短信归属通过 GetLeaseByNumberPrimary 读取数据库。
type Store struct {
	storage.Store
	cache LeaseCache
	log   *zap.Logger
}

var (
	_ storage.Store              = (*Store)(nil)
	_ storage.PrimaryLeaseReader = (*Store)(nil)
	_ LeaseCache                 = (*redis.Cache)(nil)
)

// NewStore 创建混合存储实例
func NewStore(primary storage.Store, cache LeaseCache, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{Store: primary, cache: cache, log: log}
}

// CreateLease 创建号码并清理可能存在的旧缓存
func (s *Store) CreateLease(ctx context.Context, lease *domain.Lease) error {
	if err := s.Store.CreateLease(ctx, lease); err != nil {
		return err
	}
	s.invalidate(ctx, lease.Number)
	return nil
}

// GetLeaseByNumber 先查缓存，未命中时回源数据库
func (s *Store) GetLeaseByNumber(ctx context.Context, number string) (*domain.Lease, error) {
	cached, err := s.cache.GetCachedLeaseByNumber(ctx, number)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		// 缓存失败不影响主流程
		s.log.Warn("lease cache read failed", zap.String("number", number), zap.Error(err))
	}

	lease, err := s.Store.GetLeaseByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheLease(ctx, lease); err != nil {
		s.log.Warn("lease cache write failed", zap.String("number", number), zap.Error(err))
	}
	return lease, nil
}

// GetLeaseByNumberPrimary 绕过缓存读取数据库
func (s *Store) GetLeaseByNumberPrimary(ctx context.Context, number string) (*domain.Lease, error) {
	return s.Store.GetLeaseByNumber(ctx, number)
}

// CompareAndSwapLease 状态迁移后立即失效缓存
//
// 前置条件不成立说明调用方持有的快照已过期，同样失效缓存，下次读取回源数据库。
func (s *Store) CompareAndSwapLease(ctx context.Context, id string, expect domain.LeaseExpect, change domain.LeaseChange) (*domain.Lease, error) {
	updated, err := s.Store.CompareAndSwapLease(ctx, id, expect, change)
	if errors.Is(err, storage.ErrLeaseChanged) {
		if current, getErr := s.Store.GetLease(ctx, id); getErr == nil {
			s.invalidate(ctx, current.Number)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, updated.Number)
	return updated, nil
}

func (s *Store) invalidate(ctx context.Context, number string) {
	if err := s.cache.InvalidateLease(ctx, number); err != nil {
		s.log.Warn("lease cache invalidation failed", zap.String("number", number), zap.Error(err))
	}
}
