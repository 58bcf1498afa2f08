package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage"
)

func newLease(id, number string, createdAt time.Time) *domain.Lease {
	return &domain.Lease{
		ID:           id,
		Number:       number,
		Provider:     domain.ProviderTwilio,
		CountryCode:  "US",
		State:        domain.LeaseAvailable,
		Capabilities: []domain.Capability{domain.CapabilitySMS},
		Currency:     "USD",
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestMemoryStore_LeaseOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()

	require.NoError(t, store.CreateLease(ctx, newLease("lease-2", "+15550000002", now.Add(time.Minute))))
	require.NoError(t, store.CreateLease(ctx, newLease("lease-1", "+15550000001", now)))

	t.Run("重复号码导入失败", func(t *testing.T) {
		err := store.CreateLease(ctx, newLease("lease-3", "+15550000001", now))
		assert.ErrorIs(t, err, storage.ErrLeaseExists)
	})

	t.Run("按号码查询", func(t *testing.T) {
		lease, err := store.GetLeaseByNumber(ctx, "+15550000002")
		require.NoError(t, err)
		assert.Equal(t, "lease-2", lease.ID)

		_, err = store.GetLeaseByNumber(ctx, "+19999999999")
		assert.ErrorIs(t, err, storage.ErrLeaseNotFound)
	})

	t.Run("可用号码按创建时间排序", func(t *testing.T) {
		leases, err := store.ListAvailableLeases(ctx, domain.LeaseFilter{CountryCode: "US"}, 10)
		require.NoError(t, err)
		require.Len(t, leases, 2)
		assert.Equal(t, "lease-1", leases[0].ID)
		assert.Equal(t, "lease-2", leases[1].ID)

		leases, err = store.ListAvailableLeases(ctx, domain.LeaseFilter{Provider: domain.ProviderNexmo}, 10)
		require.NoError(t, err)
		assert.Empty(t, leases)
	})

	t.Run("返回快照不影响存储", func(t *testing.T) {
		lease, err := store.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		lease.State = domain.LeaseSuspended

		again, err := store.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LeaseAvailable, again.State)
	})
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()
	require.NoError(t, store.CreateLease(ctx, newLease("lease-1", "+15550000001", now)))

	available := domain.LeaseExpect{State: domain.LeaseAvailable}

	t.Run("前置条件满足时迁移成功", func(t *testing.T) {
		lease, err := store.CompareAndSwapLease(ctx, "lease-1", available, domain.AssignChange("user-1", now, time.Hour))
		require.NoError(t, err)
		assert.Equal(t, domain.LeaseAssigned, lease.State)
		assert.True(t, lease.CheckInvariants())
	})

	t.Run("前置条件不满足时返回冲突", func(t *testing.T) {
		_, err := store.CompareAndSwapLease(ctx, "lease-1", available, domain.AssignChange("user-2", now, time.Hour))
		assert.ErrorIs(t, err, storage.ErrLeaseChanged)

		lease, err := store.GetLease(ctx, "lease-1")
		require.NoError(t, err)
		assert.True(t, lease.IsOwnedBy("user-1"))
	})

	t.Run("租约不存在", func(t *testing.T) {
		_, err := store.CompareAndSwapLease(ctx, "missing", available, domain.FreeChange(now))
		assert.ErrorIs(t, err, storage.ErrLeaseNotFound)
	})

	t.Run("并发迁移只有一个成功", func(t *testing.T) {
		require.NoError(t, store.CreateLease(ctx, newLease("lease-race", "+15550000009", now)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.CompareAndSwapLease(ctx, "lease-race", available, domain.AssignChange("user", now, time.Hour))
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("统计与到期查询", func(t *testing.T) {
		expired, err := store.ListExpiredLeases(ctx, now.Add(2*time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, expired, 2)

		count, err := store.CountLeasesByOwner(ctx, "user-1", domain.LeaseAssigned)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		stats, err := store.LeaseStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 2, stats.Assigned)
	})
}

func TestMemoryStore_MessageOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()

	msg := &domain.Message{
		ID:                "msg-1",
		LeaseID:           "lease-1",
		OwnerID:           "user-1",
		Provider:          domain.ProviderTwilio,
		ProviderMessageID: "SM1",
		FromNumber:        "+15551112222",
		ToNumber:          "+15550000001",
		Content:           "Your code: 482913",
		MessageType:       domain.MessageOTP,
		ReceivedAt:        now,
	}
	require.NoError(t, store.SaveMessage(ctx, msg))

	t.Run("重复供应商消息ID被拒绝", func(t *testing.T) {
		dup := msg.Clone()
		dup.ID = "msg-dup"
		assert.ErrorIs(t, store.SaveMessage(ctx, dup), storage.ErrDuplicateMessage)

		found, err := store.GetMessageByProviderID(ctx, domain.ProviderTwilio, "SM1")
		require.NoError(t, err)
		assert.Equal(t, "msg-1", found.ID)
	})

	t.Run("重复标记已读不改变时间", func(t *testing.T) {
		first, changed, err := store.MarkMessageRead(ctx, "msg-1", now)
		require.NoError(t, err)
		assert.True(t, changed)

		second, changed, err := store.MarkMessageRead(ctx, "msg-1", now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, changed)
		assert.True(t, second.IsRead)
		assert.Equal(t, *first.ReadAt, *second.ReadAt)
	})

	t.Run("合并投递状态", func(t *testing.T) {
		updated, err := store.MergeMessageMetadata(ctx, "msg-1", map[string]any{domain.MetaDeliveryStatus: "delivered"})
		require.NoError(t, err)
		assert.Equal(t, "delivered", updated.Metadata[domain.MetaDeliveryStatus])
		assert.Equal(t, "Your code: 482913", updated.Content)
	})

	t.Run("列表过滤与分页", func(t *testing.T) {
		for i, id := range []string{"msg-2", "msg-3"} {
			m := msg.Clone()
			m.ID = id
			m.ProviderMessageID = id
			m.IsRead = false
			m.ReadAt = nil
			m.ReceivedAt = now.Add(time.Duration(i+1) * time.Minute)
			require.NoError(t, store.SaveMessage(ctx, m))
		}

		page, total, err := store.ListMessages(ctx, domain.MessageFilter{OwnerID: "user-1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 2)
		assert.Equal(t, "msg-3", page[0].ID)

		unread, total, err := store.ListMessages(ctx, domain.MessageFilter{OwnerID: "user-1", UnreadOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, unread, 2)

		ids, err := store.MarkAllRead(ctx, "user-1", "", now)
		require.NoError(t, err)
		assert.Equal(t, []string{"msg-2", "msg-3"}, ids)
	})

	t.Run("按保留期清理", func(t *testing.T) {
		count, err := store.DeleteMessagesBefore(ctx, now.Add(90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, err = store.GetMessage(ctx, "msg-1")
		assert.ErrorIs(t, err, storage.ErrMessageNotFound)

		assert.ErrorIs(t, store.DeleteMessage(ctx, "msg-1"), storage.ErrMessageNotFound)
		assert.NoError(t, store.DeleteMessage(ctx, "msg-3"))
	})
}
