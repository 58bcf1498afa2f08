package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"disposms/backend/internal/clock"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/monitoring"
	"disposms/backend/internal/storage"
)

const (
	defaultMessagePage = 50
	maxMessagePage     = 100
)

// MessageService 封装短信查询、已读状态与保留期清理。
type MessageService struct {
	repo      storage.MessageRepository
	cfg       config.MessagesConfig
	publisher domain.Publisher
	clock     clock.Clock
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewMessageService 创建短信服务。
func NewMessageService(repo storage.MessageRepository, cfg config.MessagesConfig, publisher domain.Publisher, log *zap.Logger) *MessageService {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{
		repo:      repo,
		cfg:       cfg,
		publisher: publisher,
		clock:     clock.Real{},
		log:       log,
	}
}

// SetClock 替换时钟
func (s *MessageService) SetClock(c clock.Clock) { s.clock = c }

// SetMetrics 设置监控指标
func (s *MessageService) SetMetrics(m *monitoring.Metrics) { s.metrics = m }

// ListInput 消息列表查询参数
type ListInput struct {
	LeaseID    string
	Type       string
	UnreadOnly bool
	Since      *time.Time
	Limit      int
	Offset     int
}

// List 返回调用者的消息，按接收时间倒序。
func (s *MessageService) List(ctx context.Context, ownerID string, in ListInput) ([]domain.Message, int, error) {
	filter := domain.MessageFilter{
		OwnerID:    ownerID,
		LeaseID:    in.LeaseID,
		UnreadOnly: in.UnreadOnly,
		Since:      in.Since,
		Limit:      in.Limit,
		Offset:     in.Offset,
	}

	if in.Type != "" {
		switch t := domain.MessageType(in.Type); t {
		case domain.MessageSMS, domain.MessageMMS, domain.MessageOTP,
			domain.MessageVerification, domain.MessageNotification, domain.MessageOther:
			filter.Type = t
		default:
			return nil, 0, domain.ValidationError("unknown message type %q", in.Type)
		}
	}
	if filter.Offset < 0 {
		return nil, 0, domain.ValidationError("offset must not be negative")
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultMessagePage
	case filter.Limit > maxMessagePage:
		filter.Limit = maxMessagePage
	}

	return s.repo.ListMessages(ctx, filter)
}

// Get 获取调用者的一条消息。
func (s *MessageService) Get(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	msg, err := s.repo.GetMessage(ctx, id)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, domain.NotFoundError("message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if msg.OwnerID != ownerID {
		return nil, domain.NotFoundError("message %s not found", id)
	}
	return msg, nil
}

// MarkRead 标记消息已读，重复调用保持首次的已读时间且不再推送。
func (s *MessageService) MarkRead(ctx context.Context, ownerID, id string) (*domain.Message, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}

	msg, changed, err := s.repo.MarkMessageRead(ctx, id, s.now())
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, domain.NotFoundError("message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark message read: %w", err)
	}

	if changed {
		s.publisher.Publish(ownerID, domain.EventMessageReadUpdate, domain.MessageReadPayload{
			MessageIDs: []string{msg.ID},
			LeaseID:    msg.LeaseID,
			ReadAt:     *msg.ReadAt,
		})
	}
	return msg, nil
}

// MarkAllRead 将调用者（可限定某个号码）的未读消息全部标记为已读，返回标记数量。
func (s *MessageService) MarkAllRead(ctx context.Context, ownerID, leaseID string) (int, error) {
	now := s.now()
	ids, err := s.repo.MarkAllRead(ctx, ownerID, leaseID, now)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	if len(ids) > 0 {
		s.publisher.Publish(ownerID, domain.EventMessageReadUpdate, domain.MessageReadPayload{
			MessageIDs: ids,
			LeaseID:    leaseID,
			ReadAt:     now,
		})
	}
	return len(ids), nil
}

// Delete 删除调用者的一条消息。
func (s *MessageService) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			return domain.NotFoundError("message %s not found", id)
		}
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// PurgeExpired 删除超过保留期的消息。
func (s *MessageService) PurgeExpired(ctx context.Context) (int, error) {
	days := s.cfg.RetentionDays
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -days)
	n, err := s.repo.DeleteMessagesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	s.metrics.RecordMessagesPurged(n)
	if n > 0 {
		s.log.Info("expired messages purged", zap.Int("count", n), zap.Time("before", cutoff))
	}
	return n, nil
}

// Run 按 RetentionInterval 周期清理过期消息，直到 ctx 取消。
func (s *MessageService) Run(ctx context.Context) error {
	interval := s.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("message retention failed", zap.Error(err))
			}
		}
	}
}

func (s *MessageService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}
