package storage

import (
	"context"
	"errors"
	"time"

	"disposms/backend/internal/domain"
)

var (
	// ErrLeaseNotFound 租约不存在
	ErrLeaseNotFound = errors.New("lease not found")
	// ErrLeaseExists 号码已存在
	ErrLeaseExists = errors.New("lease already exists")
	// ErrLeaseChanged 比较并交换的前置条件不成立
	ErrLeaseChanged = errors.New("lease changed concurrently")
	// ErrMessageNotFound 消息不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateMessage 同一供应商消息ID已存在
	ErrDuplicateMessage = errors.New("duplicate provider message")
)

// LeaseRepository 定义号码租约数据存取操作。
//
// 返回的租约均为快照，修改快照不会影响存储；所有状态迁移只能通过 CompareAndSwapLease 完成。
type LeaseRepository interface {
	CreateLease(ctx context.Context, lease *domain.Lease) error
	GetLease(ctx context.Context, id string) (*domain.Lease, error)
	GetLeaseByNumber(ctx context.Context, number string) (*domain.Lease, error)
	// ListAvailableLeases 按创建时间升序（相同时按ID）返回可用号码
	ListAvailableLeases(ctx context.Context, filter domain.LeaseFilter, limit int) ([]domain.Lease, error)
	// ListLeasesByOwner state 为空时返回全部状态
	ListLeasesByOwner(ctx context.Context, ownerID string, state domain.LeaseState) ([]domain.Lease, error)
	CountLeasesByOwner(ctx context.Context, ownerID string, state domain.LeaseState) (int, error)
	// ListExpiredLeases 返回 assigned 且 expiresAt < now 的租约
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Lease, error)
	// CompareAndSwapLease 当 (state, owner, expiresAt) 与 expect 一致时写入 change，
	// 否则返回 ErrLeaseChanged
	CompareAndSwapLease(ctx context.Context, id string, expect domain.LeaseExpect, change domain.LeaseChange) (*domain.Lease, error)
	LeaseStats(ctx context.Context) (*domain.LeaseStats, error)
}

// PrimaryLeaseReader 由带缓存的存储实现，按号码查询时绕过缓存直接读取数据库
type PrimaryLeaseReader interface {
	GetLeaseByNumberPrimary(ctx context.Context, number string) (*domain.Lease, error)
}

// MessageRepository 定义短信数据存取操作。
type MessageRepository interface {
	// SaveMessage 同一 (provider, providerMessageId) 重复写入时返回 ErrDuplicateMessage
	SaveMessage(ctx context.Context, message *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetMessageByProviderID(ctx context.Context, provider domain.Provider, providerMessageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, int, error)
	// MarkMessageRead 已读消息保持原 readAt，changed 为 false
	MarkMessageRead(ctx context.Context, id string, readAt time.Time) (message *domain.Message, changed bool, err error)
	// MarkAllRead 返回本次被标记的消息ID
	MarkAllRead(ctx context.Context, ownerID, leaseID string, readAt time.Time) ([]string, error)
	MergeMessageMetadata(ctx context.Context, id string, fields map[string]any) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessagesBefore(ctx context.Context, before time.Time) (int, error)
}

// Store 聚合所有存储接口。
type Store interface {
	LeaseRepository
	MessageRepository
	Close() error
	Health() error
}

// Locker 跨进程互斥锁，用于保证过期扫描单例执行。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
