package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"disposms/backend/internal/clock"
	"disposms/backend/internal/config"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// published 一次推送记录
type published struct {
	UserID  string
	Event   string
	Payload any
}

// recordingPublisher 记录所有推送事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(userID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{UserID: userID, Event: event, Payload: payload})
}

func (p *recordingPublisher) byEvent(event string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// MockLocker 模拟分布式锁
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	args := m.Called(key, ttl)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockLocker) Release(ctx context.Context, key, token string) error {
	args := m.Called(key, token)
	return args.Error(0)
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		SweepInterval:        time.Minute,
		MaxLeasesPerUser:     3,
		MaxLeasesPrivileged:  10,
		DefaultDurationHours: 24,
		MaxDurationHours:     168,
		AcquireRetries:       5,
	}
}

type poolFixture struct {
	store     *memory.Store
	clock     *clock.FakeClock
	publisher *recordingPublisher
	pool      *NumberPoolService
	ids       []string
}

func newPoolFixture(t *testing.T, opts ...PoolOption) *poolFixture {
	t.Helper()
	f := &poolFixture{
		store:     memory.NewStore(),
		clock:     clock.NewFakeClock(epoch),
		publisher: &recordingPublisher{},
	}
	opts = append([]PoolOption{WithClock(f.clock)}, opts...)
	f.pool = NewNumberPoolService(f.store, testPoolConfig(), f.publisher, nil, opts...)
	return f
}

// seed 按顺序导入号码，创建时间依次递增
func (f *poolFixture) seed(t *testing.T, numbers ...string) []*domain.Lease {
	t.Helper()
	leases := make([]*domain.Lease, 0, len(numbers))
	for _, n := range numbers {
		res, err := f.pool.Import(context.Background(), []ImportNumber{{Number: n, Provider: "twilio", CountryCode: "US"}})
		require.NoError(t, err)
		require.Len(t, res.Imported, 1, res.Failed)
		leases = append(leases, res.Imported[0])
		f.ids = append(f.ids, res.Imported[0].ID)
		f.clock.Advance(time.Second)
	}
	return leases
}

// assertInvariants 校验所有已导入号码的状态与所有权一致
func (f *poolFixture) assertInvariants(t *testing.T) {
	t.Helper()
	for _, id := range f.ids {
		l, err := f.store.GetLease(context.Background(), id)
		require.NoError(t, err)
		require.True(t, l.CheckInvariants(), "lease %s violates invariants", l.ID)
	}
}
