package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"disposms/backend/internal/carrier"
	"disposms/backend/internal/classifier"
	"disposms/backend/internal/clock"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/monitoring"
	"disposms/backend/internal/storage"
)

const testSender = "+15550000000"

// IngressService 处理供应商回调：验签、解析、归属、分类、入库并推送。
type IngressService struct {
	leases    storage.LeaseRepository
	messages  storage.MessageRepository
	registry  *carrier.Registry
	publisher domain.Publisher
	clock     clock.Clock
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// NewIngressService 创建回调处理服务。
func NewIngressService(store storage.Store, registry *carrier.Registry, publisher domain.Publisher, log *zap.Logger) *IngressService {
	if publisher == nil {
		publisher = domain.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IngressService{
		leases:    store,
		messages:  store,
		registry:  registry,
		publisher: publisher,
		clock:     clock.Real{},
		log:       log,
	}
}

// SetClock 替换时钟
func (s *IngressService) SetClock(c clock.Clock) { s.clock = c }

// SetMetrics 设置监控指标
func (s *IngressService) SetMetrics(m *monitoring.Metrics) { s.metrics = m }

// SignatureHeader 返回供应商携带签名的请求头，未知供应商返回空字符串
func (s *IngressService) SignatureHeader(provider string) string {
	adapter, err := s.registry.Lookup(provider)
	if err != nil {
		return ""
	}
	return adapter.SignatureHeader()
}

// IngressResult 入站处理结果，Duplicate 表示供应商重复投递
type IngressResult struct {
	Message   *domain.Message
	Duplicate bool
}

// HandleInbound 处理入站短信回调。
func (s *IngressService) HandleInbound(ctx context.Context, provider string, body []byte, contentType, signature string) (*IngressResult, error) {
	adapter, err := s.authenticate(ctx, provider, body, signature)
	if err != nil {
		return nil, err
	}

	sms, err := s.registry.ParseInbound(adapter, body, contentType)
	if err != nil {
		s.reject(provider, "invalid_payload")
		return nil, domain.ValidationError("invalid inbound payload: %v", err)
	}

	return s.deliver(ctx, sms)
}

// HandleStatus 处理投递状态回调，只更新已有消息，从不创建消息。
func (s *IngressService) HandleStatus(ctx context.Context, provider string, body []byte, contentType, signature string) (*domain.Message, error) {
	adapter, err := s.authenticate(ctx, provider, body, signature)
	if err != nil {
		return nil, err
	}

	report, err := s.registry.ParseStatus(adapter, body, contentType)
	if err != nil {
		s.reject(provider, "invalid_payload")
		return nil, domain.ValidationError("invalid status payload: %v", err)
	}

	existing, err := s.messages.GetMessageByProviderID(ctx, report.Provider, report.ProviderMessageID)
	if errors.Is(err, storage.ErrMessageNotFound) {
		return nil, domain.NotFoundError("message %s not found", report.ProviderMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("get message by provider id: %w", err)
	}

	update := domain.StatusUpdate{
		Status:       report.Status,
		ErrorCode:    report.ErrorCode,
		ErrorMessage: report.ErrorMessage,
		UpdatedAt:    s.now(),
	}
	msg, err := s.messages.MergeMessageMetadata(ctx, existing.ID, update.Fields())
	if err != nil {
		return nil, fmt.Errorf("merge delivery status: %w", err)
	}

	s.log.Info("delivery status updated",
		zap.String("messageID", msg.ID),
		zap.String("provider", string(report.Provider)),
		zap.String("status", report.Status),
	)
	s.publisher.Publish(msg.OwnerID, domain.EventNewMessage, domain.NewMessagePayload{
		Message:      msg,
		Number:       msg.ToNumber,
		StatusUpdate: true,
	})
	return msg, nil
}

// InjectTest 以受信任身份向指定号码注入一条短信，不校验签名，仅用于非生产环境。
func (s *IngressService) InjectTest(ctx context.Context, number, from, content string) (*IngressResult, error) {
	if from == "" {
		from = testSender
	}
	sms, err := s.registry.Normalize(domain.ProviderOther, from, number, content, "test-"+s.newID())
	if err != nil {
		return nil, domain.ValidationError("invalid test message: %v", err)
	}
	sms.Metadata["injected"] = true
	return s.deliver(ctx, sms)
}

func (s *IngressService) authenticate(ctx context.Context, provider string, body []byte, signature string) (carrier.Adapter, error) {
	adapter, err := s.registry.Lookup(provider)
	if err != nil {
		s.reject(provider, "unknown_provider")
		return nil, domain.ValidationError("unknown provider %q", provider)
	}

	if err := s.registry.Verify(ctx, adapter, body, signature); err != nil {
		reason := "bad_signature"
		switch {
		case errors.Is(err, carrier.ErrSignatureMissing):
			reason = "missing_signature"
		case errors.Is(err, carrier.ErrSignatureTimeout):
			reason = "timeout"
		}
		s.reject(provider, reason)
		s.log.Warn("webhook signature rejected", zap.String("provider", provider), zap.String("reason", reason))
		return nil, domain.SignatureError("webhook signature verification failed")
	}
	return adapter, nil
}

// deliver 将规范化后的短信归属到号码当前持有者并入库
func (s *IngressService) deliver(ctx context.Context, sms *carrier.InboundSMS) (*IngressResult, error) {
	// 重复投递先于归属检查，号码释放后的重试仍返回首次入库的消息
	existing, err := s.messages.GetMessageByProviderID(ctx, sms.Provider, sms.ProviderMessageID)
	if err == nil {
		return &IngressResult{Message: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, storage.ErrMessageNotFound) {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}

	lease, err := s.leaseByNumber(ctx, sms.ToNumber)
	if errors.Is(err, storage.ErrLeaseNotFound) {
		s.reject(string(sms.Provider), "unknown_number")
		return nil, domain.NotFoundError("number %s not found", sms.ToNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease by number: %w", err)
	}
	if lease.State != domain.LeaseAssigned || lease.OwnerID == nil {
		s.reject(string(sms.Provider), "unassigned_number")
		return nil, domain.InvalidStateError("number %s is not assigned", sms.ToNumber)
	}

	result := classifier.Classify(sms.Content, len(sms.Attachments) > 0)
	now := s.now()

	msg := &domain.Message{
		ID:                s.newIDAt(now),
		LeaseID:           lease.ID,
		OwnerID:           *lease.OwnerID,
		Provider:          sms.Provider,
		ProviderMessageID: sms.ProviderMessageID,
		FromNumber:        sms.FromNumber,
		ToNumber:          sms.ToNumber,
		Content:           sms.Content,
		MessageType:       result.MessageType,
		DetectedCode:      result.DetectedCode,
		ReceivedAt:        now,
		Attachments:       sms.Attachments,
		Metadata:          sms.Metadata,
	}

	if err := s.messages.SaveMessage(ctx, msg); err != nil {
		if errors.Is(err, storage.ErrDuplicateMessage) {
			// 并发重复投递，以先入库的为准
			existing, getErr := s.messages.GetMessageByProviderID(ctx, sms.Provider, sms.ProviderMessageID)
			if getErr != nil {
				return nil, fmt.Errorf("load duplicate message: %w", getErr)
			}
			return &IngressResult{Message: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("save message: %w", err)
	}

	s.metrics.RecordMessageReceived(string(msg.MessageType))
	s.log.Info("inbound message stored",
		zap.String("messageID", msg.ID),
		zap.String("leaseID", lease.ID),
		zap.String("provider", string(msg.Provider)),
		zap.String("type", string(msg.MessageType)),
		zap.Int("attachments", len(msg.Attachments)),
	)

	s.publisher.Publish(msg.OwnerID, domain.EventNewMessage, domain.NewMessagePayload{
		Message: msg.Clone(),
		Number:  lease.Number,
	})
	return &IngressResult{Message: msg}, nil
}

// leaseByNumber 归属判断必须读取权威存储，缓存快照可能仍指向上一个持有者
func (s *IngressService) leaseByNumber(ctx context.Context, number string) (*domain.Lease, error) {
	if primary, ok := s.leases.(storage.PrimaryLeaseReader); ok {
		return primary.GetLeaseByNumberPrimary(ctx, number)
	}
	return s.leases.GetLeaseByNumber(ctx, number)
}

func (s *IngressService) reject(provider, reason string) {
	s.metrics.RecordWebhookRejected(provider, reason)
}

func (s *IngressService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}

func (s *IngressService) newID() string {
	return s.newIDAt(s.now())
}

func (s *IngressService) newIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
