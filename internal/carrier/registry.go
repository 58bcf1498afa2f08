package carrier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/security"
)

const defaultVerifyTimeout = 2 * time.Second

// Registry 管理供应商适配器、签名密钥以及回调规范化流程
type Registry struct {
	adapters   map[string]Adapter
	secrets    map[domain.Provider]string
	timeout    time.Duration
	maxContent int

	validate    *validator.Validate
	attachments *security.AttachmentSecurity
	filter      *security.ContentFilter
	log         *zap.Logger

	// 每个供应商只提示一次未配置密钥
	unsignedWarned sync.Map
}

// NewRegistry 根据回调配置创建适配器注册表
func NewRegistry(cfg config.WebhookConfig, maxContent int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if maxContent <= 0 || maxContent > domain.MaxContentLength {
		maxContent = domain.MaxContentLength
	}
	timeout := cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}

	generic := genericAdapter{}
	return &Registry{
		adapters: map[string]Adapter{
			"twilio":  twilioAdapter{},
			"nexmo":   nexmoAdapter{provider: domain.ProviderNexmo},
			"vonage":  nexmoAdapter{provider: domain.ProviderVonage},
			"other":   generic,
			"generic": generic,
		},
		secrets: map[domain.Provider]string{
			domain.ProviderTwilio: cfg.TwilioAuthToken,
			domain.ProviderNexmo:  cfg.NexmoSignatureSecret,
			domain.ProviderVonage: cfg.NexmoSignatureSecret,
			domain.ProviderOther:  cfg.GenericSecret,
		},
		timeout:     timeout,
		maxContent:  maxContent,
		validate:    validator.New(),
		attachments: security.NewAttachmentSecurity(),
		filter:      security.NewContentFilter(),
		log:         log,
	}
}

// Lookup 按路由中的供应商名称查找适配器
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return a, nil
}

// Verify 在超时内校验签名，超时按失败处理
//
// 未配置密钥的供应商跳过校验并记录一次警告
func (r *Registry) Verify(ctx context.Context, a Adapter, body []byte, signature string) error {
	secret := r.secrets[a.Provider()]
	if secret == "" {
		if _, warned := r.unsignedWarned.LoadOrStore(a.Provider(), true); !warned {
			r.log.Warn("webhook signature verification disabled, no secret configured",
				zap.String("provider", string(a.Provider())),
			)
		}
		return nil
	}
	if strings.TrimSpace(signature) == "" {
		return ErrSignatureMissing
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		result <- a.VerifySignature(secret, body, signature)
	}()

	select {
	case ok := <-result:
		if !ok {
			return ErrSignatureMismatch
		}
		return nil
	case <-ctx.Done():
		return ErrSignatureTimeout
	}
}

// ParseInbound 解析并规范化入站短信
func (r *Registry) ParseInbound(a Adapter, body []byte, contentType string) (*InboundSMS, error) {
	p, err := decodePayload(body, contentType)
	if err != nil {
		return nil, err
	}
	raw, err := a.parseInbound(p)
	if err != nil {
		return nil, err
	}
	sms := r.normalize(a.Provider(), raw, p.raw)
	if err := r.validate.Struct(sms); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return sms, nil
}

// ParseStatus 解析投递状态回调
func (r *Registry) ParseStatus(a Adapter, body []byte, contentType string) (*StatusReport, error) {
	p, err := decodePayload(body, contentType)
	if err != nil {
		return nil, err
	}
	report, err := a.parseStatus(p)
	if err != nil {
		return nil, err
	}
	report.Status = strings.ToLower(report.Status)
	if err := r.validate.Struct(report); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return report, nil
}

// Normalize 规范化受信任来源构造的短信，测试注入与供应商回调走同一流程
func (r *Registry) Normalize(provider domain.Provider, from, to, content, messageID string) (*InboundSMS, error) {
	sms := r.normalize(provider, &rawInbound{
		From:      from,
		To:        to,
		Body:      content,
		MessageID: messageID,
		Metadata:  map[string]any{},
	}, nil)
	if err := r.validate.Struct(sms); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, describe(err))
	}
	return sms, nil
}

func (r *Registry) normalize(provider domain.Provider, raw *rawInbound, fields map[string]any) *InboundSMS {
	metadata := raw.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	if len(fields) > 0 {
		metadata["raw"] = fields
	}

	content := r.filter.Sanitize(raw.Body)
	if truncated := domain.TruncateContent(content, r.maxContent); truncated != content {
		metadata["truncated"] = true
		content = truncated
	}
	if flagged, reason := r.filter.Inspect(content); flagged {
		metadata["contentFlag"] = reason
	}

	attachments := make([]domain.Attachment, 0, len(raw.Media))
	for _, m := range raw.Media {
		if ok, reason := r.attachments.CheckAttachment(m.URL, m.ContentType); !ok {
			r.log.Warn("dropping unsafe attachment",
				zap.String("provider", string(provider)),
				zap.String("messageID", raw.MessageID),
				zap.String("reason", reason),
			)
			continue
		}
		attachments = append(attachments, domain.Attachment{
			Kind:     domain.KindFromMimeType(m.ContentType),
			URL:      m.URL,
			Size:     m.Size,
			MimeType: m.ContentType,
		})
	}
	if len(attachments) == 0 {
		attachments = nil
	}

	return &InboundSMS{
		FromNumber:        domain.NormalizePhone(raw.From),
		ToNumber:          domain.NormalizePhone(raw.To),
		Content:           content,
		Provider:          provider,
		ProviderMessageID: strings.TrimSpace(raw.MessageID),
		Attachments:       attachments,
		Metadata:          metadata,
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s is %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
