package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/clock"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage/memory"
)

type messagesFixture struct {
	store     *memory.Store
	clock     *clock.FakeClock
	publisher *recordingPublisher
	svc       *MessageService
}

func newMessagesFixture(t *testing.T) *messagesFixture {
	t.Helper()
	f := &messagesFixture{
		store:     memory.NewStore(),
		clock:     clock.NewFakeClock(epoch),
		publisher: &recordingPublisher{},
	}
	f.svc = NewMessageService(f.store, config.MessagesConfig{RetentionDays: 30}, f.publisher, nil)
	f.svc.SetClock(f.clock)
	return f
}

func (f *messagesFixture) save(t *testing.T, id, owner, leaseID string, typ domain.MessageType, received time.Time) {
	t.Helper()
	require.NoError(t, f.store.SaveMessage(context.Background(), &domain.Message{
		ID:                id,
		LeaseID:           leaseID,
		OwnerID:           owner,
		Provider:          domain.ProviderTwilio,
		ProviderMessageID: "SM-" + id,
		FromNumber:        "+15550009999",
		ToNumber:          "+15550000001",
		Content:           "hello",
		MessageType:       typ,
		ReceivedAt:        received,
	}))
}

func TestMessageService_List(t *testing.T) {
	ctx := context.Background()
	f := newMessagesFixture(t)
	for i := 0; i < 5; i++ {
		typ := domain.MessageSMS
		if i%2 == 0 {
			typ = domain.MessageOTP
		}
		f.save(t, fmt.Sprintf("m%d", i), "user-1", "lease-1", typ, epoch.Add(time.Duration(i)*time.Minute))
	}
	f.save(t, "x", "user-2", "lease-2", domain.MessageSMS, epoch)

	t.Run("只返回自己的消息并按时间倒序", func(t *testing.T) {
		msgs, total, err := f.svc.List(ctx, "user-1", ListInput{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, msgs, 5)
		assert.Equal(t, "m4", msgs[0].ID)
		assert.Equal(t, "m0", msgs[4].ID)
	})

	t.Run("按类型与分页", func(t *testing.T) {
		msgs, total, err := f.svc.List(ctx, "user-1", ListInput{Type: "otp", Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m2", msgs[0].ID)
	})

	t.Run("非法参数", func(t *testing.T) {
		_, _, err := f.svc.List(ctx, "user-1", ListInput{Type: "email"})
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, _, err = f.svc.List(ctx, "user-1", ListInput{Offset: -1})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestMessageService_MarkRead(t *testing.T) {
	ctx := context.Background()
	f := newMessagesFixture(t)
	f.save(t, "m1", "user-1", "lease-1", domain.MessageSMS, epoch)

	t.Run("其他用户的消息返回不存在", func(t *testing.T) {
		_, err := f.svc.MarkRead(ctx, "user-2", "m1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = f.svc.Get(ctx, "user-2", "m1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("重复标记保持首次已读时间", func(t *testing.T) {
		first, err := f.svc.MarkRead(ctx, "user-1", "m1")
		require.NoError(t, err)
		require.True(t, first.IsRead)
		assert.Equal(t, epoch, *first.ReadAt)

		f.clock.Advance(time.Hour)
		second, err := f.svc.MarkRead(ctx, "user-1", "m1")
		require.NoError(t, err)
		assert.Equal(t, epoch, *second.ReadAt)

		events := f.publisher.byEvent(domain.EventMessageReadUpdate)
		require.Len(t, events, 1)
		payload := events[0].Payload.(domain.MessageReadPayload)
		assert.Equal(t, []string{"m1"}, payload.MessageIDs)
		assert.Equal(t, "lease-1", payload.LeaseID)
	})
}

func TestMessageService_MarkAllRead(t *testing.T) {
	ctx := context.Background()
	f := newMessagesFixture(t)
	f.save(t, "a1", "user-1", "lease-1", domain.MessageSMS, epoch)
	f.save(t, "a2", "user-1", "lease-1", domain.MessageSMS, epoch)
	f.save(t, "b1", "user-1", "lease-2", domain.MessageSMS, epoch)

	n, err := f.svc.MarkAllRead(ctx, "user-1", "lease-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.MarkAllRead(ctx, "user-1", "lease-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.MarkAllRead(ctx, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, f.publisher.byEvent(domain.EventMessageReadUpdate), 2)
}

func TestMessageService_DeleteAndPurge(t *testing.T) {
	ctx := context.Background()
	f := newMessagesFixture(t)
	f.save(t, "old", "user-1", "lease-1", domain.MessageSMS, epoch.AddDate(0, 0, -31))
	f.save(t, "new", "user-1", "lease-1", domain.MessageSMS, epoch)

	t.Run("删除", func(t *testing.T) {
		assert.ErrorIs(t, f.svc.Delete(ctx, "user-2", "new"), domain.ErrNotFound)
		require.NoError(t, f.svc.Delete(ctx, "user-1", "new"))
		assert.ErrorIs(t, f.svc.Delete(ctx, "user-1", "new"), domain.ErrNotFound)
	})

	t.Run("清理超过保留期的消息", func(t *testing.T) {
		n, err := f.svc.PurgeExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = f.svc.Get(ctx, "user-1", "old")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}
