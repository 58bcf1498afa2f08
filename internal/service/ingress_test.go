package service

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/carrier"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage/hybrid"
	"disposms/backend/internal/storage/redis"
)

const (
	formType     = "application/x-www-form-urlencoded"
	twilioSecret = "twilio-secret"
)

type ingressFixture struct {
	*poolFixture
	ingress *IngressService
	lease   *domain.Lease
}

// newIngressFixture 准备一个已分配给 user-1 的号码 +15550000001
func newIngressFixture(t *testing.T) *ingressFixture {
	t.Helper()
	pf := newPoolFixture(t)
	pf.seed(t, "+15550000001", "+15550000002")

	lease, err := pf.pool.Acquire(context.Background(), AcquireInput{RequesterID: "user-1", Number: "+15550000001"})
	require.NoError(t, err)

	registry := carrier.NewRegistry(config.WebhookConfig{
		TwilioAuthToken: twilioSecret,
		VerifyTimeout:   time.Second,
	}, domain.MaxContentLength, nil)

	ingress := NewIngressService(pf.store, registry, pf.publisher, nil)
	ingress.SetClock(pf.clock)
	return &ingressFixture{poolFixture: pf, ingress: ingress, lease: lease}
}

func twilioForm(to, body, sid string) []byte {
	v := url.Values{}
	v.Set("From", "+15559990000")
	v.Set("To", to)
	v.Set("Body", body)
	v.Set("MessageSid", sid)
	v.Set("NumSegments", "1")
	return []byte(v.Encode())
}

func (f *ingressFixture) sendTwilio(body []byte) (*IngressResult, error) {
	sig := carrier.SignBase64SHA1(twilioSecret, body)
	return f.ingress.HandleInbound(context.Background(), "twilio", body, formType, sig)
}

func TestIngressService_HandleInbound(t *testing.T) {
	t.Run("验证码短信归属当前持有者并推送", func(t *testing.T) {
		f := newIngressFixture(t)

		res, err := f.sendTwilio(twilioForm("+15550000001", "Your verification code is 482913", "SM100"))
		require.NoError(t, err)
		assert.False(t, res.Duplicate)

		msg := res.Message
		assert.Equal(t, "user-1", msg.OwnerID)
		assert.Equal(t, f.lease.ID, msg.LeaseID)
		assert.Equal(t, domain.MessageOTP, msg.MessageType)
		require.NotNil(t, msg.DetectedCode)
		assert.Equal(t, "482913", *msg.DetectedCode)
		assert.Equal(t, 1, msg.Metadata["numSegments"])

		events := f.publisher.byEvent(domain.EventNewMessage)
		require.Len(t, events, 1)
		assert.Equal(t, "user-1", events[0].UserID)
		payload := events[0].Payload.(domain.NewMessagePayload)
		assert.Equal(t, "+15550000001", payload.Number)
		assert.Equal(t, msg.ID, payload.Message.ID)
	})

	t.Run("重复投递只保存一条且不重复推送", func(t *testing.T) {
		f := newIngressFixture(t)
		body := twilioForm("+15550000001", "hello", "SM200")

		first, err := f.sendTwilio(body)
		require.NoError(t, err)
		second, err := f.sendTwilio(body)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Message.ID, second.Message.ID)
		assert.Len(t, f.publisher.byEvent(domain.EventNewMessage), 1)

		_, total, err := f.store.ListMessages(context.Background(), domain.MessageFilter{OwnerID: "user-1"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("未知号码不入库", func(t *testing.T) {
		f := newIngressFixture(t)
		_, err := f.sendTwilio(twilioForm("+15558887777", "hello", "SM300"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		f.assertNoMessages(t)
	})

	t.Run("未分配号码不入库", func(t *testing.T) {
		f := newIngressFixture(t)
		_, err := f.sendTwilio(twilioForm("+15550000002", "hello", "SM301"))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		f.assertNoMessages(t)
	})

	t.Run("签名错误不入库", func(t *testing.T) {
		f := newIngressFixture(t)
		body := twilioForm("+15550000001", "hello", "SM400")

		_, err := f.ingress.HandleInbound(context.Background(), "twilio", body, formType, carrier.SignBase64SHA1("wrong", body))
		assert.ErrorIs(t, err, domain.ErrSignature)

		_, err = f.ingress.HandleInbound(context.Background(), "twilio", body, formType, "")
		assert.ErrorIs(t, err, domain.ErrSignature)
		f.assertNoMessages(t)
	})

	t.Run("未知供应商", func(t *testing.T) {
		f := newIngressFixture(t)
		_, err := f.ingress.HandleInbound(context.Background(), "plivo", []byte("{}"), "application/json", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("缺少消息ID", func(t *testing.T) {
		f := newIngressFixture(t)
		_, err := f.sendTwilio(twilioForm("+15550000001", "hello", ""))
		assert.ErrorIs(t, err, domain.ErrValidation)
		f.assertNoMessages(t)
	})

	t.Run("释放后的号码收到短信不再归属原持有者", func(t *testing.T) {
		f := newIngressFixture(t)
		_, err := f.pool.Release(context.Background(), f.lease.ID, "user-1")
		require.NoError(t, err)

		_, err = f.sendTwilio(twilioForm("+15550000001", "late", "SM500"))
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		f.assertNoMessages(t)
	})

	t.Run("号码释放后的重复投递仍返回首次入库的消息", func(t *testing.T) {
		f := newIngressFixture(t)
		body := twilioForm("+15550000001", "Your code is 1234", "SM700")

		first, err := f.sendTwilio(body)
		require.NoError(t, err)
		_, err = f.pool.Release(context.Background(), f.lease.ID, "user-1")
		require.NoError(t, err)

		retry, err := f.sendTwilio(body)
		require.NoError(t, err)
		assert.True(t, retry.Duplicate)
		assert.Equal(t, first.Message.ID, retry.Message.ID)
		assert.Len(t, f.publisher.byEvent(domain.EventNewMessage), 1)
	})

	t.Run("归属判断不使用缓存中的旧持有者", func(t *testing.T) {
		f := newIngressFixture(t)
		ctx := context.Background()
		stale, err := f.store.GetLease(ctx, f.lease.ID)
		require.NoError(t, err)

		_, err = f.pool.Release(ctx, f.lease.ID, "user-1")
		require.NoError(t, err)
		_, err = f.pool.Acquire(ctx, AcquireInput{RequesterID: "user-2", Number: "+15550000001"})
		require.NoError(t, err)

		cached := hybrid.NewStore(f.store, staleLeaseCache{lease: stale}, nil)
		f.ingress = NewIngressService(cached, f.ingress.registry, f.publisher, nil)
		f.ingress.SetClock(f.clock)

		res, err := f.sendTwilio(twilioForm("+15550000001", "Your code is 5678", "SM800"))
		require.NoError(t, err)
		assert.Equal(t, "user-2", res.Message.OwnerID)

		events := f.publisher.byEvent(domain.EventNewMessage)
		require.Len(t, events, 1)
		assert.Equal(t, "user-2", events[0].UserID)
	})
}

// staleLeaseCache 始终返回旧快照，模拟失效之后旧快照又被写回缓存
type staleLeaseCache struct {
	lease *domain.Lease
}

func (c staleLeaseCache) CacheLease(context.Context, *domain.Lease) error { return nil }

func (c staleLeaseCache) GetCachedLeaseByNumber(_ context.Context, number string) (*domain.Lease, error) {
	if number != c.lease.Number {
		return nil, redis.ErrCacheMiss
	}
	return c.lease.Clone(), nil
}

func (c staleLeaseCache) InvalidateLease(context.Context, string) error { return nil }

func TestIngressService_HandleStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("状态回调只更新已有消息", func(t *testing.T) {
		f := newIngressFixture(t)
		res, err := f.sendTwilio(twilioForm("+15550000001", "hello", "SM600"))
		require.NoError(t, err)

		v := url.Values{}
		v.Set("MessageSid", "SM600")
		v.Set("MessageStatus", "Delivered")
		body := []byte(v.Encode())

		msg, err := f.ingress.HandleStatus(ctx, "twilio", body, formType, carrier.SignBase64SHA1(twilioSecret, body))
		require.NoError(t, err)
		assert.Equal(t, res.Message.ID, msg.ID)
		assert.Equal(t, "delivered", msg.Metadata[domain.MetaDeliveryStatus])
		assert.Equal(t, "+15559990000", msg.FromNumber)

		events := f.publisher.byEvent(domain.EventNewMessage)
		require.Len(t, events, 2)
		assert.True(t, events[1].Payload.(domain.NewMessagePayload).StatusUpdate)
	})

	t.Run("未知消息的状态回调不创建消息", func(t *testing.T) {
		f := newIngressFixture(t)

		v := url.Values{}
		v.Set("MessageSid", "SM-unknown")
		v.Set("MessageStatus", "failed")
		v.Set("ErrorCode", "30003")
		body := []byte(v.Encode())

		_, err := f.ingress.HandleStatus(ctx, "twilio", body, formType, carrier.SignBase64SHA1(twilioSecret, body))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		f.assertNoMessages(t)
	})
}

func TestIngressService_InjectTest(t *testing.T) {
	f := newIngressFixture(t)

	res, err := f.ingress.InjectTest(context.Background(), "+15550000001", "", "Your login code: 7788")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderOther, res.Message.Provider)
	assert.Equal(t, testSender, res.Message.FromNumber)
	assert.Equal(t, true, res.Message.Metadata["injected"])
	assert.Equal(t, domain.MessageOTP, res.Message.MessageType)

	_, err = f.ingress.InjectTest(context.Background(), "+15558887777", "", "hi")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func (f *ingressFixture) assertNoMessages(t *testing.T) {
	t.Helper()
	_, total, err := f.store.ListMessages(context.Background(), domain.MessageFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, f.publisher.byEvent(domain.EventNewMessage))
}
