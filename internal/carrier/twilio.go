package carrier

import (
	"fmt"
	"strconv"

	"disposms/backend/internal/domain"
)

// maxTwilioMedia Twilio 单条彩信最多 10 个附件
const maxTwilioMedia = 10

type twilioAdapter struct{}

func (twilioAdapter) Provider() domain.Provider { return domain.ProviderTwilio }

func (twilioAdapter) SignatureHeader() string { return "X-Twilio-Signature" }

func (twilioAdapter) VerifySignature(secret string, body []byte, signature string) bool {
	return verifyBase64SHA1(secret, body, signature)
}

func (twilioAdapter) parseInbound(p payload) (*rawInbound, error) {
	in := &rawInbound{
		From:      p.first("From"),
		To:        p.first("To"),
		Body:      p.values["Body"],
		MessageID: p.first("MessageSid", "SmsSid"),
		Metadata:  map[string]any{},
	}

	if seg := p.first("NumSegments"); seg != "" {
		if n, err := strconv.Atoi(seg); err == nil {
			in.Metadata["numSegments"] = n
		}
	}
	if sid := p.first("AccountSid"); sid != "" {
		in.Metadata["accountSid"] = sid
	}

	numMedia, _ := strconv.Atoi(p.first("NumMedia"))
	if numMedia > maxTwilioMedia {
		numMedia = maxTwilioMedia
	}
	for i := 0; i < numMedia; i++ {
		u := p.first(fmt.Sprintf("MediaUrl%d", i))
		if u == "" {
			continue
		}
		in.Media = append(in.Media, MediaRef{
			URL:         u,
			ContentType: p.first(fmt.Sprintf("MediaContentType%d", i)),
		})
	}
	return in, nil
}

func (twilioAdapter) parseStatus(p payload) (*StatusReport, error) {
	return &StatusReport{
		Provider:          domain.ProviderTwilio,
		ProviderMessageID: p.first("MessageSid", "SmsSid"),
		Status:            p.first("MessageStatus", "SmsStatus"),
		ErrorCode:         p.first("ErrorCode"),
		ErrorMessage:      p.first("ErrorMessage"),
	}, nil
}
