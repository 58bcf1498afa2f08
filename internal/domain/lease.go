package domain

import (
	"time"
)

// LeaseState 号码租约状态
type LeaseState string

const (
	LeaseAvailable LeaseState = "available"
	LeaseAssigned  LeaseState = "assigned"
	LeaseExpired   LeaseState = "expired"
	LeaseReleased  LeaseState = "released"
	LeaseSuspended LeaseState = "suspended"
)

// Provider 号码供应商
type Provider string

const (
	ProviderTwilio Provider = "twilio"
	ProviderNexmo  Provider = "nexmo"
	ProviderVonage Provider = "vonage"
	ProviderOther  Provider = "other"
)

// ParseProvider 解析供应商名称，未知名称返回 false。
func ParseProvider(name string) (Provider, bool) {
	switch Provider(name) {
	case ProviderTwilio, ProviderNexmo, ProviderVonage, ProviderOther:
		return Provider(name), true
	}
	return "", false
}

// Capability 号码能力
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
	CapabilityMMS   Capability = "mms"
)

// Lease 表示一个电话号码当前的分配状态。
//
// 不变式：
//   - State == assigned 当且仅当 OwnerID 与 ExpiresAt 均不为空
//   - State == available 时 OwnerID、AssignedAt、ExpiresAt 均为空
type Lease struct {
	ID           string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Number       string         `json:"number" gorm:"type:varchar(20);uniqueIndex;not null"`
	Provider     Provider       `json:"provider" gorm:"type:varchar(20);index:idx_leases_pick,priority:3;not null"`
	ProviderID   string         `json:"providerId,omitempty" gorm:"type:varchar(100)"`
	CountryCode  string         `json:"countryCode" gorm:"type:varchar(3);index:idx_leases_pick,priority:2"`
	State        LeaseState     `json:"state" gorm:"type:varchar(20);index:idx_leases_owner_state,priority:2;index:idx_leases_pick,priority:1;not null"`
	OwnerID      *string        `json:"ownerId,omitempty" gorm:"type:varchar(36);index:idx_leases_owner_state,priority:1"`
	AssignedAt   *time.Time     `json:"assignedAt,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty" gorm:"index"`
	ReleasedAt   *time.Time     `json:"releasedAt,omitempty"`
	Capabilities []Capability   `json:"capabilities" gorm:"serializer:json"`
	Cost         float64        `json:"cost"`
	Currency     string         `json:"currency" gorm:"type:varchar(3);default:'USD'"`
	Metadata     map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt    time.Time      `json:"createdAt" gorm:"index:idx_leases_pick,priority:4"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// TableName 指定租约表名
func (Lease) TableName() string { return "leases" }

// IsOwnedBy 判断租约是否属于指定用户
func (l *Lease) IsOwnedBy(userID string) bool {
	return l.OwnerID != nil && *l.OwnerID == userID
}

// CheckInvariants 校验租约状态与所有权字段的一致性
func (l *Lease) CheckInvariants() bool {
	assigned := l.OwnerID != nil && l.ExpiresAt != nil
	if (l.State == LeaseAssigned) != assigned {
		return false
	}
	if l.State == LeaseAvailable {
		return l.OwnerID == nil && l.AssignedAt == nil && l.ExpiresAt == nil
	}
	return true
}

// Clone 返回租约的独立副本
func (l *Lease) Clone() *Lease {
	if l == nil {
		return nil
	}
	c := *l
	c.OwnerID = cloneString(l.OwnerID)
	c.AssignedAt = cloneTime(l.AssignedAt)
	c.ExpiresAt = cloneTime(l.ExpiresAt)
	c.ReleasedAt = cloneTime(l.ReleasedAt)
	if l.Capabilities != nil {
		c.Capabilities = append([]Capability(nil), l.Capabilities...)
	}
	c.Metadata = cloneMap(l.Metadata)
	return &c
}

// LeaseFilter 获取号码时的筛选条件
type LeaseFilter struct {
	Number      string
	CountryCode string
	Provider    Provider
}

// LeaseExpect 比较并交换的前置条件
//
// 每次状态迁移都要求存储中的 (State, OwnerID, ExpiresAt) 与期望值完全一致。
type LeaseExpect struct {
	State     LeaseState
	OwnerID   *string
	ExpiresAt *time.Time
}

// ExpectOf 以租约当前快照构造前置条件
func ExpectOf(l *Lease) LeaseExpect {
	return LeaseExpect{
		State:     l.State,
		OwnerID:   cloneString(l.OwnerID),
		ExpiresAt: cloneTime(l.ExpiresAt),
	}
}

// Matches 判断租约是否满足前置条件
func (e LeaseExpect) Matches(l *Lease) bool {
	return l.State == e.State && equalString(l.OwnerID, e.OwnerID) && equalTime(l.ExpiresAt, e.ExpiresAt)
}

// LeaseChange 状态迁移后写入的字段
type LeaseChange struct {
	State      LeaseState
	OwnerID    *string
	AssignedAt *time.Time
	ExpiresAt  *time.Time
	ReleasedAt *time.Time
	UpdatedAt  time.Time
}

// AssignChange 构造分配迁移
func AssignChange(ownerID string, now time.Time, d time.Duration) LeaseChange {
	expires := now.Add(d)
	return LeaseChange{
		State:      LeaseAssigned,
		OwnerID:    &ownerID,
		AssignedAt: &now,
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	}
}

// FreeChange 构造释放或过期迁移，号码回到可用池
func FreeChange(now time.Time) LeaseChange {
	return LeaseChange{
		State:      LeaseAvailable,
		ReleasedAt: &now,
		UpdatedAt:  now,
	}
}

// Apply 将迁移写入租约
//
// ReleasedAt 为空时保留原值，其余所有权字段整体覆盖。
func (c LeaseChange) Apply(l *Lease) {
	l.State = c.State
	l.OwnerID = cloneString(c.OwnerID)
	l.AssignedAt = cloneTime(c.AssignedAt)
	l.ExpiresAt = cloneTime(c.ExpiresAt)
	if c.ReleasedAt != nil {
		l.ReleasedAt = cloneTime(c.ReleasedAt)
	}
	l.UpdatedAt = c.UpdatedAt
}

// LeaseStats 号码池统计
type LeaseStats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Assigned  int `json:"assigned"`
	Expired   int `json:"expired"`
	Released  int `json:"released"`
	Suspended int `json:"suspended"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
