package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
)

// ========== Message Repository ==========

// SaveMessage 保存新消息
func (s *Store) SaveMessage(ctx context.Context, message *domain.Message) error {
	err := s.db.WithContext(ctx).Create(message).Error
	if isDuplicate(err) {
		return storage.ErrDuplicateMessage
	}
	return err
}

// GetMessage 根据 ID 获取消息
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var message domain.Message
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&message).Error; err != nil {
		if isNotFound(err) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageByProviderID 根据供应商消息ID获取消息
func (s *Store) GetMessageByProviderID(ctx context.Context, provider domain.Provider, providerMessageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_message_id = ?", provider, providerMessageID).
		First(&message).Error
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListMessages 按接收时间倒序分页查询
func (s *Store) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, int, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.OwnerID != "" {
			db = db.Where("owner_id = ?", filter.OwnerID)
		}
		if filter.LeaseID != "" {
			db = db.Where("lease_id = ?", filter.LeaseID)
		}
		if filter.Type != "" {
			db = db.Where("message_type = ?", filter.Type)
		}
		if filter.UnreadOnly {
			db = db.Where("is_read = ?", false)
		}
		if filter.Since != nil {
			db = db.Where("received_at >= ?", *filter.Since)
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&domain.Message{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := s.db.WithContext(ctx).Scopes(scope).Order("received_at DESC").Order("id DESC").Offset(filter.Offset)
	if filter.Limit > 0 {
		page = page.Limit(filter.Limit)
	}

	var messages []domain.Message
	if err := page.Find(&messages).Error; err != nil {
		return nil, 0, err
	}
	return messages, int(total), nil
}

// MarkMessageRead 仅更新未读消息，保证 readAt 只写入一次
func (s *Store) MarkMessageRead(ctx context.Context, id string, readAt time.Time) (*domain.Message, bool, error) {
	res := s.db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND is_read = ?", id, false).
		Updates(map[string]any{"is_read": true, "read_at": readAt})
	if res.Error != nil {
		return nil, false, res.Error
	}

	message, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return message, res.RowsAffected > 0, nil
}

// MarkAllRead 将用户（可选限定租约）的未读消息全部标记已读
func (s *Store) MarkAllRead(ctx context.Context, ownerID, leaseID string, readAt time.Time) ([]string, error) {
	var ids []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&domain.Message{}).Where("owner_id = ? AND is_read = ?", ownerID, false)
		if leaseID != "" {
			q = q.Where("lease_id = ?", leaseID)
		}
		if err := q.Order("id ASC").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&domain.Message{}).
			Where("id IN ? AND is_read = ?", ids, false).
			Updates(map[string]any{"is_read": true, "read_at": readAt}).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// MergeMessageMetadata 行锁内读取并合并元数据
func (s *Store) MergeMessageMetadata(ctx context.Context, id string, fields map[string]any) (*domain.Message, error) {
	var message domain.Message

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&message).Error
		if err != nil {
			if isNotFound(err) {
				return storage.ErrMessageNotFound
			}
			return err
		}

		if message.Metadata == nil {
			message.Metadata = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			message.Metadata[k] = v
		}
		return tx.Model(&message).Select("metadata").Updates(&message).Error
	})
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// DeleteMessage 删除消息
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// DeleteMessagesBefore 删除早于指定时间接收的消息
func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("received_at < ?", before).Delete(&domain.Message{})
	return int(res.RowsAffected), res.Error
}
