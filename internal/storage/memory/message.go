package memory

import (
	"context"
	"sort"
	"time"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
)

func providerKey(provider domain.Provider, providerMessageID string) string {
	return string(provider) + ":" + providerMessageID
}

// SaveMessage 保存新消息。
func (s *Store) SaveMessage(_ context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := providerKey(message.Provider, message.ProviderMessageID)
	if _, ok := s.byProvider[key]; ok {
		return storage.ErrDuplicateMessage
	}

	s.messages[message.ID] = message.Clone()
	s.byProvider[key] = message.ID
	return nil
}

// GetMessage 根据 ID 获取消息。
func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return message.Clone(), nil
}

// GetMessageByProviderID 根据供应商消息ID获取消息。
func (s *Store) GetMessageByProviderID(_ context.Context, provider domain.Provider, providerMessageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byProvider[providerKey(provider, providerMessageID)]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return s.messages[id].Clone(), nil
}

// ListMessages 按接收时间倒序分页查询，返回本页数据与总数。
func (s *Store) ListMessages(_ context.Context, filter domain.MessageFilter) ([]domain.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Message, 0)
	for _, m := range s.messages {
		if filter.OwnerID != "" && m.OwnerID != filter.OwnerID {
			continue
		}
		if filter.LeaseID != "" && m.LeaseID != filter.LeaseID {
			continue
		}
		if filter.Type != "" && m.MessageType != filter.Type {
			continue
		}
		if filter.UnreadOnly && m.IsRead {
			continue
		}
		if filter.Since != nil && m.ReceivedAt.Before(*filter.Since) {
			continue
		}
		matched = append(matched, *m.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ReceivedAt.Equal(matched[j].ReceivedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []domain.Message{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < total {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

// MarkMessageRead 标记已读，已读消息不修改 readAt。
func (s *Store) MarkMessageRead(_ context.Context, id string, readAt time.Time) (*domain.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, false, storage.ErrMessageNotFound
	}
	if message.IsRead {
		return message.Clone(), false, nil
	}

	message.IsRead = true
	message.ReadAt = &readAt
	return message.Clone(), true, nil
}

// MarkAllRead 将用户（可选限定租约）的未读消息全部标记已读。
func (s *Store) MarkAllRead(_ context.Context, ownerID, leaseID string, readAt time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for _, m := range s.messages {
		if m.OwnerID != ownerID || m.IsRead {
			continue
		}
		if leaseID != "" && m.LeaseID != leaseID {
			continue
		}
		m.IsRead = true
		t := readAt
		m.ReadAt = &t
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// MergeMessageMetadata 合并元数据字段。
func (s *Store) MergeMessageMetadata(_ context.Context, id string, fields map[string]any) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	if message.Metadata == nil {
		message.Metadata = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		message.Metadata[k] = v
	}
	return message.Clone(), nil
}

// DeleteMessage 删除消息。
func (s *Store) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[id]
	if !ok {
		return storage.ErrMessageNotFound
	}
	delete(s.byProvider, providerKey(message.Provider, message.ProviderMessageID))
	delete(s.messages, id)
	return nil
}

// DeleteMessagesBefore 删除早于指定时间接收的消息，返回删除数量。
func (s *Store) DeleteMessagesBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, m := range s.messages {
		if m.ReceivedAt.Before(before) {
			delete(s.byProvider, providerKey(m.Provider, m.ProviderMessageID))
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}
