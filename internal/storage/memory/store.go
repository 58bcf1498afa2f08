package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
)

// Store 使用内存保存租约与短信数据，主要用于开发验证和测试。
//
// 所有比较并交换操作都在同一把锁内完成检查与写入。
type Store struct {
	mu         sync.RWMutex
	leases     map[string]*domain.Lease   // leaseID -> lease
	byNumber   map[string]string          // number -> leaseID
	messages   map[string]*domain.Message // messageID -> message
	byProvider map[string]string          // provider:providerMessageID -> messageID
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		leases:     make(map[string]*domain.Lease),
		byNumber:   make(map[string]string),
		messages:   make(map[string]*domain.Message),
		byProvider: make(map[string]string),
	}
}

// ========== Lease Repository ==========

// CreateLease 导入新号码。
func (s *Store) CreateLease(_ context.Context, lease *domain.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNumber[lease.Number]; ok {
		return storage.ErrLeaseExists
	}
	if _, ok := s.leases[lease.ID]; ok {
		return storage.ErrLeaseExists
	}

	s.leases[lease.ID] = lease.Clone()
	s.byNumber[lease.Number] = lease.ID
	return nil
}

// GetLease 根据 ID 获取租约快照。
func (s *Store) GetLease(_ context.Context, id string) (*domain.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lease, ok := s.leases[id]
	if !ok {
		return nil, storage.ErrLeaseNotFound
	}
	return lease.Clone(), nil
}

// GetLeaseByNumber 根据号码获取租约快照。
func (s *Store) GetLeaseByNumber(_ context.Context, number string) (*domain.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNumber[number]
	if !ok {
		return nil, storage.ErrLeaseNotFound
	}
	return s.leases[id].Clone(), nil
}

// ListAvailableLeases 按创建时间升序返回可用号码。
func (s *Store) ListAvailableLeases(_ context.Context, filter domain.LeaseFilter, limit int) ([]domain.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Lease, 0)
	for _, l := range s.leases {
		if l.State != domain.LeaseAvailable {
			continue
		}
		if filter.Number != "" && l.Number != filter.Number {
			continue
		}
		if filter.CountryCode != "" && l.CountryCode != filter.CountryCode {
			continue
		}
		if filter.Provider != "" && l.Provider != filter.Provider {
			continue
		}
		out = append(out, *l.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListLeasesByOwner 返回用户持有的租约，按分配时间倒序。
func (s *Store) ListLeasesByOwner(_ context.Context, ownerID string, state domain.LeaseState) ([]domain.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Lease, 0)
	for _, l := range s.leases {
		if !l.IsOwnedBy(ownerID) {
			continue
		}
		if state != "" && l.State != state {
			continue
		}
		out = append(out, *l.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].AssignedAt, out[j].AssignedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	return out, nil
}

// CountLeasesByOwner 统计用户指定状态的租约数量。
func (s *Store) CountLeasesByOwner(_ context.Context, ownerID string, state domain.LeaseState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, l := range s.leases {
		if l.IsOwnedBy(ownerID) && (state == "" || l.State == state) {
			count++
		}
	}
	return count, nil
}

// ListExpiredLeases 返回已到期但仍处于分配状态的租约。
func (s *Store) ListExpiredLeases(_ context.Context, now time.Time, limit int) ([]domain.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Lease, 0)
	for _, l := range s.leases {
		if l.State == domain.LeaseAssigned && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			out = append(out, *l.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CompareAndSwapLease 前置条件满足时原子地写入状态迁移。
func (s *Store) CompareAndSwapLease(_ context.Context, id string, expect domain.LeaseExpect, change domain.LeaseChange) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[id]
	if !ok {
		return nil, storage.ErrLeaseNotFound
	}
	if !expect.Matches(lease) {
		return nil, storage.ErrLeaseChanged
	}

	change.Apply(lease)
	return lease.Clone(), nil
}

// LeaseStats 统计各状态租约数量。
func (s *Store) LeaseStats(_ context.Context) (*domain.LeaseStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.LeaseStats{Total: len(s.leases)}
	for _, l := range s.leases {
		switch l.State {
		case domain.LeaseAvailable:
			stats.Available++
		case domain.LeaseAssigned:
			stats.Assigned++
		case domain.LeaseExpired:
			stats.Expired++
		case domain.LeaseReleased:
			stats.Released++
		case domain.LeaseSuspended:
			stats.Suspended++
		}
	}
	return stats, nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康。
func (s *Store) Health() error {
	return nil
}
