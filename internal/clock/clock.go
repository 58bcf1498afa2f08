package clock

import (
	"sync"
	"time"
)

// Clock 时间来源，便于测试中控制过期时间
type Clock interface {
	Now() time.Time
}

// Real 使用系统时间
type Real struct{}

// Now 返回当前 UTC 时间
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// FakeClock 可手动推进的测试时钟
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
