package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
)

// ========== Lease Repository ==========

// CreateLease 导入新号码
func (s *Store) CreateLease(ctx context.Context, lease *domain.Lease) error {
	err := s.db.WithContext(ctx).Create(lease).Error
	if isDuplicate(err) {
		return storage.ErrLeaseExists
	}
	return err
}

// GetLease 根据 ID 获取租约
func (s *Store) GetLease(ctx context.Context, id string) (*domain.Lease, error) {
	var lease domain.Lease
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&lease).Error; err != nil {
		if isNotFound(err) {
			return nil, storage.ErrLeaseNotFound
		}
		return nil, err
	}
	return &lease, nil
}

// GetLeaseByNumber 根据号码获取租约
func (s *Store) GetLeaseByNumber(ctx context.Context, number string) (*domain.Lease, error) {
	var lease domain.Lease
	if err := s.db.WithContext(ctx).Where("number = ?", number).First(&lease).Error; err != nil {
		if isNotFound(err) {
			return nil, storage.ErrLeaseNotFound
		}
		return nil, err
	}
	return &lease, nil
}

// ListAvailableLeases 按创建时间升序返回可用号码
func (s *Store) ListAvailableLeases(ctx context.Context, filter domain.LeaseFilter, limit int) ([]domain.Lease, error) {
	q := s.db.WithContext(ctx).Where("state = ?", domain.LeaseAvailable)
	if filter.Number != "" {
		q = q.Where("number = ?", filter.Number)
	}
	if filter.CountryCode != "" {
		q = q.Where("country_code = ?", filter.CountryCode)
	}
	if filter.Provider != "" {
		q = q.Where("provider = ?", filter.Provider)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var leases []domain.Lease
	err := q.Order("created_at ASC").Order("id ASC").Find(&leases).Error
	return leases, err
}

// ListLeasesByOwner 返回用户持有的租约
func (s *Store) ListLeasesByOwner(ctx context.Context, ownerID string, state domain.LeaseState) ([]domain.Lease, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if state != "" {
		q = q.Where("state = ?", state)
	}

	var leases []domain.Lease
	err := q.Order("assigned_at DESC").Find(&leases).Error
	return leases, err
}

// CountLeasesByOwner 统计用户指定状态的租约数量
func (s *Store) CountLeasesByOwner(ctx context.Context, ownerID string, state domain.LeaseState) (int, error) {
	q := s.db.WithContext(ctx).Model(&domain.Lease{}).Where("owner_id = ?", ownerID)
	if state != "" {
		q = q.Where("state = ?", state)
	}

	var count int64
	err := q.Count(&count).Error
	return int(count), err
}

// ListExpiredLeases 返回已到期但仍处于分配状态的租约
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Lease, error) {
	q := s.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at < ?", domain.LeaseAssigned, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var leases []domain.Lease
	err := q.Find(&leases).Error
	return leases, err
}

// CompareAndSwapLease 条件更新：WHERE 子句携带完整前置条件，以受影响行数判定胜负
func (s *Store) CompareAndSwapLease(ctx context.Context, id string, expect domain.LeaseExpect, change domain.LeaseChange) (*domain.Lease, error) {
	var result domain.Lease

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.Lease{}).Where("id = ? AND state = ?", id, expect.State)
		if expect.OwnerID == nil {
			q = q.Where("owner_id IS NULL")
		} else {
			q = q.Where("owner_id = ?", *expect.OwnerID)
		}
		if expect.ExpiresAt == nil {
			q = q.Where("expires_at IS NULL")
		} else {
			q = q.Where("expires_at = ?", *expect.ExpiresAt)
		}

		updates := map[string]any{
			"state":       change.State,
			"owner_id":    change.OwnerID,
			"assigned_at": change.AssignedAt,
			"expires_at":  change.ExpiresAt,
			"updated_at":  change.UpdatedAt,
		}
		if change.ReleasedAt != nil {
			updates["released_at"] = change.ReleasedAt
		}

		res := q.Updates(updates)
		if res.Error != nil {
			return res.Error
		}

		if err := tx.Where("id = ?", id).First(&result).Error; err != nil {
			if isNotFound(err) {
				return storage.ErrLeaseNotFound
			}
			return err
		}
		if res.RowsAffected == 0 {
			return storage.ErrLeaseChanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// LeaseStats 统计各状态租约数量
func (s *Store) LeaseStats(ctx context.Context) (*domain.LeaseStats, error) {
	var rows []struct {
		State domain.LeaseState
		Count int
	}
	err := s.db.WithContext(ctx).Model(&domain.Lease{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &domain.LeaseStats{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.State {
		case domain.LeaseAvailable:
			stats.Available = r.Count
		case domain.LeaseAssigned:
			stats.Assigned = r.Count
		case domain.LeaseExpired:
			stats.Expired = r.Count
		case domain.LeaseReleased:
			stats.Released = r.Count
		case domain.LeaseSuspended:
			stats.Suspended = r.Count
		}
	}
	return stats, nil
}
