package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingReceiver struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (r *collectingReceiver) SendAlert(alert *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func (r *collectingReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestAlertManager_LowAvailableNumbers(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	available := 2
	am := NewAlertManager(nil)
	am.now = func() time.Time { return now }
	receiver := &collectingReceiver{}
	am.AddReceiver(receiver)
	am.AddRule(LowAvailableNumbersRule(func(context.Context) (int, error) { return available, nil }, 5))

	t.Run("低于阈值触发告警", func(t *testing.T) {
		am.CheckRules(ctx)
		require.Equal(t, 1, receiver.count())

		active := am.GetActiveAlerts()
		require.Len(t, active, 1)
		assert.Equal(t, "low_available_numbers", active[0].RuleID)
		assert.Equal(t, AlertLevelWarning, active[0].Level)
		assert.Contains(t, active[0].Message, "only 2 numbers available")
	})

	t.Run("冷却期内不重复发送", func(t *testing.T) {
		now = now.Add(time.Minute)
		am.CheckRules(ctx)
		assert.Equal(t, 1, receiver.count())
	})

	t.Run("恢复后自动解除", func(t *testing.T) {
		available = 10
		am.CheckRules(ctx)

		assert.Empty(t, am.GetActiveAlerts())
		all := am.GetAlerts()
		require.Len(t, all, 1)
		assert.True(t, all[0].Resolved)
		require.NotNil(t, all[0].ResolvedAt)
	})

	t.Run("冷却期过后再次触发", func(t *testing.T) {
		available = 0
		now = now.Add(time.Hour)
		am.CheckRules(ctx)
		assert.Equal(t, 2, receiver.count())
		assert.Len(t, am.GetActiveAlerts(), 1)
	})
}

func TestAlertRules(t *testing.T) {
	ctx := context.Background()

	t.Run("查询失败不触发", func(t *testing.T) {
		rule := LowAvailableNumbersRule(func(context.Context) (int, error) { return 0, errors.New("db down") }, 5)
		fired, _ := rule.Condition(ctx)
		assert.False(t, fired)
	})

	t.Run("存储不可用触发严重告警", func(t *testing.T) {
		rule := StoreHealthRule(func() error { return errors.New("connection refused") })
		fired, msg := rule.Condition(ctx)
		assert.True(t, fired)
		assert.Contains(t, msg, "connection refused")
		assert.Equal(t, AlertLevelCritical, rule.Level)
	})

	t.Run("内存阈值", func(t *testing.T) {
		fired, _ := HighMemoryUsageRule(1 << 20).Condition(ctx)
		assert.False(t, fired)
		fired, _ = HighMemoryUsageRule(0).Condition(ctx)
		assert.True(t, fired)
	})
}
