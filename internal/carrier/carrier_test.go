package carrier

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
)

const formType = "application/x-www-form-urlencoded"

func newTestRegistry() *Registry {
	return NewRegistry(config.WebhookConfig{
		TwilioAuthToken:      "twilio-secret",
		NexmoSignatureSecret: "nexmo-secret",
		GenericSecret:        "generic-secret",
		VerifyTimeout:        time.Second,
	}, domain.MaxContentLength, nil)
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry()

	t.Run("已知供应商", func(t *testing.T) {
		for name, want := range map[string]domain.Provider{
			"twilio":  domain.ProviderTwilio,
			"Nexmo":   domain.ProviderNexmo,
			"vonage":  domain.ProviderVonage,
			"generic": domain.ProviderOther,
			"other":   domain.ProviderOther,
		} {
			a, err := r.Lookup(name)
			require.NoError(t, err, name)
			assert.Equal(t, want, a.Provider())
		}
	})

	t.Run("未知供应商", func(t *testing.T) {
		_, err := r.Lookup("plivo")
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})
}

func TestRegistry_Verify(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	body := []byte("From=%2B15550001111&To=%2B15550002222&Body=hi&MessageSid=SM1")

	twilio, _ := r.Lookup("twilio")
	nexmo, _ := r.Lookup("nexmo")
	generic, _ := r.Lookup("generic")

	t.Run("Twilio签名正确", func(t *testing.T) {
		assert.NoError(t, r.Verify(ctx, twilio, body, SignBase64SHA1("twilio-secret", body)))
	})

	t.Run("Twilio签名错误", func(t *testing.T) {
		err := r.Verify(ctx, twilio, body, SignBase64SHA1("wrong", body))
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("缺少签名", func(t *testing.T) {
		assert.ErrorIs(t, r.Verify(ctx, twilio, body, ""), ErrSignatureMissing)
	})

	t.Run("Nexmo十六进制签名大小写不敏感", func(t *testing.T) {
		sig := SignHexSHA256("nexmo-secret", body)
		assert.NoError(t, r.Verify(ctx, nexmo, body, sig))
		assert.NoError(t, r.Verify(ctx, nexmo, body, strings.ToUpper(sig)))
	})

	t.Run("通用签名允许sha256前缀", func(t *testing.T) {
		sig := "sha256=" + SignHexSHA256("generic-secret", body)
		assert.NoError(t, r.Verify(ctx, generic, body, sig))
	})

	t.Run("请求体被篡改", func(t *testing.T) {
		sig := SignHexSHA256("generic-secret", body)
		assert.ErrorIs(t, r.Verify(ctx, generic, append(body, '!'), sig), ErrSignatureMismatch)
	})

	t.Run("未配置密钥时跳过校验", func(t *testing.T) {
		open := NewRegistry(config.WebhookConfig{}, 0, nil)
		a, _ := open.Lookup("twilio")
		assert.NoError(t, open.Verify(ctx, a, body, ""))
		assert.NoError(t, open.Verify(ctx, a, body, "garbage"))
	})

	t.Run("上下文已取消视为失败", func(t *testing.T) {
		slow := NewRegistry(config.WebhookConfig{GenericSecret: "s", VerifyTimeout: time.Nanosecond}, 0, nil)
		slow.adapters["slow"] = blockingAdapter{genericAdapter{}}
		a, _ := slow.Lookup("slow")
		assert.ErrorIs(t, slow.Verify(ctx, a, body, "abc"), ErrSignatureTimeout)
	})
}

func TestRegistry_ParseInbound(t *testing.T) {
	r := newTestRegistry()

	t.Run("Twilio表单与彩信附件", func(t *testing.T) {
		form := url.Values{
			"MessageSid":        {"SM123"},
			"From":              {"+1 (555) 000-1111"},
			"To":                {"15550002222"},
			"Body":              {"Your code: 482913"},
			"NumSegments":       {"1"},
			"NumMedia":          {"2"},
			"MediaUrl0":         {"https://api.twilio.com/Media/ME1"},
			"MediaContentType0": {"image/png"},
			"MediaUrl1":         {"https://evil.example.com/payload.exe"},
			"MediaContentType1": {"application/octet-stream"},
		}
		a, _ := r.Lookup("twilio")

		sms, err := r.ParseInbound(a, []byte(form.Encode()), formType)
		require.NoError(t, err)

		assert.Equal(t, "+15550001111", sms.FromNumber)
		assert.Equal(t, "+15550002222", sms.ToNumber)
		assert.Equal(t, "Your code: 482913", sms.Content)
		assert.Equal(t, "SM123", sms.ProviderMessageID)
		assert.Equal(t, domain.ProviderTwilio, sms.Provider)
		assert.Equal(t, 1, sms.Metadata["numSegments"])
		require.Len(t, sms.Attachments, 1)
		assert.Equal(t, domain.AttachmentImage, sms.Attachments[0].Kind)
	})

	t.Run("Nexmo JSON回调", func(t *testing.T) {
		body := `{"msisdn":"447700900001","to":"447700900002","text":"hello","messageId":"0A0000001","type":"text","message-timestamp":"2024-01-01 10:00:00"}`
		a, _ := r.Lookup("vonage")

		sms, err := r.ParseInbound(a, []byte(body), "application/json")
		require.NoError(t, err)
		assert.Equal(t, "+447700900001", sms.FromNumber)
		assert.Equal(t, domain.ProviderVonage, sms.Provider)
		assert.Equal(t, "text", sms.Metadata["messageKind"])
	})

	t.Run("通用回调字段别名", func(t *testing.T) {
		body := `{"sender":"+15550001111","recipient":"+15550002222","body":"hi","id":"gen-1","attachments":[{"url":"https://cdn.example.com/a.mp4","contentType":"video/mp4","size":2048}]}`
		a, _ := r.Lookup("generic")

		sms, err := r.ParseInbound(a, []byte(body), "")
		require.NoError(t, err)
		assert.Equal(t, "gen-1", sms.ProviderMessageID)
		require.Len(t, sms.Attachments, 1)
		assert.Equal(t, domain.AttachmentVideo, sms.Attachments[0].Kind)
		assert.Equal(t, int64(2048), sms.Attachments[0].Size)
	})

	t.Run("数字类型的消息ID与号码原样保留", func(t *testing.T) {
		body := `{"from":15550001111,"to":"+15550002222","message":"hi","id":12345678901234}`
		a, _ := r.Lookup("generic")

		sms, err := r.ParseInbound(a, []byte(body), "application/json")
		require.NoError(t, err)
		assert.Equal(t, "12345678901234", sms.ProviderMessageID)
		assert.Equal(t, "+15550001111", sms.FromNumber)

		// 超过 2^53 的相邻ID不能合并
		next, err := r.ParseInbound(a, []byte(`{"from":"+15550001111","to":"+15550002222","message":"hi","id":9007199254740993}`), "application/json")
		require.NoError(t, err)
		assert.Equal(t, "9007199254740993", next.ProviderMessageID)
	})

	t.Run("缺少消息ID", func(t *testing.T) {
		body := `{"from":"+15550001111","to":"+15550002222","message":"hi"}`
		a, _ := r.Lookup("generic")

		_, err := r.ParseInbound(a, []byte(body), "application/json")
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("无效JSON", func(t *testing.T) {
		a, _ := r.Lookup("generic")
		_, err := r.ParseInbound(a, []byte(`{"from":`), "application/json")
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("内容清理与截断", func(t *testing.T) {
		long := make([]rune, domain.MaxContentLength+10)
		for i := range long {
			long[i] = 'a'
		}
		sms, err := r.Normalize(domain.ProviderOther, "+15550001111", "+15550002222", "\x00"+string(long), "t-1")
		require.NoError(t, err)
		assert.Len(t, []rune(sms.Content), domain.MaxContentLength)
		assert.Equal(t, true, sms.Metadata["truncated"])
	})
}

func TestRegistry_ParseStatus(t *testing.T) {
	r := newTestRegistry()

	t.Run("Twilio状态回调", func(t *testing.T) {
		form := url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"Delivered"}}
		a, _ := r.Lookup("twilio")

		report, err := r.ParseStatus(a, []byte(form.Encode()), formType)
		require.NoError(t, err)
		assert.Equal(t, "SM123", report.ProviderMessageID)
		assert.Equal(t, "delivered", report.Status)
		assert.Empty(t, report.ErrorCode)
	})

	t.Run("Nexmo成功状态忽略错误码0", func(t *testing.T) {
		body := `{"messageId":"0A1","status":"delivered","err-code":"0"}`
		a, _ := r.Lookup("nexmo")

		report, err := r.ParseStatus(a, []byte(body), "application/json")
		require.NoError(t, err)
		assert.Empty(t, report.ErrorCode)
	})

	t.Run("Nexmo失败状态", func(t *testing.T) {
		body := `{"messageId":"0A1","status":"failed","err-code":"5"}`
		a, _ := r.Lookup("nexmo")

		report, err := r.ParseStatus(a, []byte(body), "application/json")
		require.NoError(t, err)
		assert.Equal(t, "5", report.ErrorCode)
	})

	t.Run("缺少状态", func(t *testing.T) {
		a, _ := r.Lookup("generic")
		_, err := r.ParseStatus(a, []byte(`{"id":"x"}`), "application/json")
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}

// blockingAdapter 模拟长时间无法完成的签名校验
type blockingAdapter struct {
	genericAdapter
}

func (blockingAdapter) VerifySignature(string, []byte, string) bool {
	time.Sleep(50 * time.Millisecond)
	return true
}
