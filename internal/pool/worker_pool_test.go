package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行所有提交的任务", func(t *testing.T) {
		p := NewWorkerPool(4, 16, nil)
		p.Start(context.Background())

		var count atomic.Int32
		for i := 0; i < 10; i++ {
			p.Submit(func() { count.Add(1) })
		}
		p.Stop()

		assert.Equal(t, int32(10), count.Load())
	})

	t.Run("任务panic不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 4, nil)
		p.Start(context.Background())

		var done atomic.Bool
		p.Submit(func() { panic("boom") })
		p.Submit(func() { done.Store(true) })
		p.Stop()

		assert.True(t, done.Load())
	})

	t.Run("队列已满时TrySubmit返回false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		// 未启动工作协程，队列只能容纳一个任务
		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
	})

	t.Run("重复Stop不会panic", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()
		assert.NotPanics(t, p.Stop)
	})
}

func TestWorkerPool_Stopped(t *testing.T) {
	t.Run("停止后TrySubmit返回false", func(t *testing.T) {
		p := NewWorkerPool(2, 4, nil)
		p.Start(context.Background())
		p.Stop()

		assert.NotPanics(t, func() {
			assert.False(t, p.TrySubmit(func() {}))
			assert.False(t, p.TrySubmitKeyed("user-1", func() {}))
		})
	})

	t.Run("停止后Submit丢弃任务", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()

		var ran atomic.Bool
		assert.NotPanics(t, func() { p.Submit(func() { ran.Store(true) }) })
		assert.False(t, ran.Load())
	})

	t.Run("停止前已入队的任务全部执行", func(t *testing.T) {
		p := NewWorkerPool(2, 64, nil)
		var count atomic.Int32
		for i := 0; i < 20; i++ {
			assert.True(t, p.TrySubmit(func() { count.Add(1) }))
		}
		p.Start(context.Background())
		p.Stop()

		assert.Equal(t, int32(20), count.Load())
	})
}

func TestWorkerPool_TrySubmitKeyed(t *testing.T) {
	t.Run("同一key按提交顺序执行", func(t *testing.T) {
		p := NewWorkerPool(4, 4096, nil)
		p.Start(context.Background())

		const total = 500
		var mu sync.Mutex
		order := make(map[string][]int)
		keys := []string{"user-a", "user-b", "user-c"}
		for i := 0; i < total; i++ {
			key := keys[i%len(keys)]
			seq := i
			require.True(t, p.TrySubmitKeyed(key, func() {
				mu.Lock()
				order[key] = append(order[key], seq)
				mu.Unlock()
			}))
		}
		p.Stop()

		executed := 0
		for _, key := range keys {
			seqs := order[key]
			executed += len(seqs)
			assert.True(t, sort.IntsAreSorted(seqs), "key %s executed out of order", key)
		}
		assert.Equal(t, total, executed)
	})
}
