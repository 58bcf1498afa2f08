package carrier

import (
	"encoding/json"

	"disposms/backend/internal/domain"
)

// genericAdapter 通用 JSON 回调，字段名兼容多种常见写法
type genericAdapter struct{}

func (genericAdapter) Provider() domain.Provider { return domain.ProviderOther }

func (genericAdapter) SignatureHeader() string { return "X-Webhook-Signature" }

func (genericAdapter) VerifySignature(secret string, body []byte, signature string) bool {
	return verifyHexSHA256(secret, body, signature)
}

func (genericAdapter) parseInbound(p payload) (*rawInbound, error) {
	in := &rawInbound{
		From:      p.first("from", "sender"),
		To:        p.first("to", "recipient"),
		Body:      firstRaw(p, "message", "text", "body"),
		MessageID: p.first("message_id", "id"),
		Metadata:  map[string]any{},
	}

	if items, ok := p.raw["attachments"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			ref := MediaRef{}
			ref.URL, _ = m["url"].(string)
			ref.ContentType, _ = m["contentType"].(string)
			if size, ok := m["size"].(json.Number); ok {
				ref.Size, _ = size.Int64()
			}
			if ref.URL != "" {
				in.Media = append(in.Media, ref)
			}
		}
	}
	return in, nil
}

func (genericAdapter) parseStatus(p payload) (*StatusReport, error) {
	return &StatusReport{
		Provider:          domain.ProviderOther,
		ProviderMessageID: p.first("message_id", "id"),
		Status:            p.first("status"),
		ErrorCode:         p.first("error_code"),
		ErrorMessage:      p.first("error_message"),
	}, nil
}

// firstRaw 与 first 相同但不去除首尾空白，正文需要原样保留
func firstRaw(p payload, keys ...string) string {
	for _, k := range keys {
		if v := p.values[k]; v != "" {
			return v
		}
	}
	return ""
}
