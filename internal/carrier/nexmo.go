package carrier

import (
	"disposms/backend/internal/domain"
)

// nexmoAdapter Nexmo 与 Vonage 共用同一回调格式
type nexmoAdapter struct {
	provider domain.Provider
}

func (a nexmoAdapter) Provider() domain.Provider { return a.provider }

func (nexmoAdapter) SignatureHeader() string { return "X-Nexmo-Signature" }

func (nexmoAdapter) VerifySignature(secret string, body []byte, signature string) bool {
	return verifyHexSHA256(secret, body, signature)
}

func (nexmoAdapter) parseInbound(p payload) (*rawInbound, error) {
	in := &rawInbound{
		From:      p.first("msisdn", "from"),
		To:        p.first("to"),
		Body:      p.values["text"],
		MessageID: p.first("messageId", "message_uuid"),
		Metadata:  map[string]any{},
	}
	if t := p.first("type"); t != "" {
		in.Metadata["messageKind"] = t
	}
	if ts := p.first("message-timestamp"); ts != "" {
		in.Metadata["providerTimestamp"] = ts
	}
	return in, nil
}

func (a nexmoAdapter) parseStatus(p payload) (*StatusReport, error) {
	report := &StatusReport{
		Provider:          a.provider,
		ProviderMessageID: p.first("messageId", "message_uuid"),
		Status:            p.first("status"),
		ErrorMessage:      p.first("error-text"),
	}
	// err-code 为 0 表示成功
	if code := p.first("err-code"); code != "" && code != "0" {
		report.ErrorCode = code
	}
	return report, nil
}
