package domain

import "time"

// 实时推送事件名
const (
	EventNewMessage        = "new_message"
	EventLeaseStatusUpdate = "lease_status_update"
	EventMessageReadUpdate = "message_read_update"
	EventConnected         = "connected"
	EventPong              = "pong"
	EventError             = "error"
)

// Publisher 按用户推送实时事件，实现必须是非阻塞的。
type Publisher interface {
	Publish(userID, event string, payload any)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 实现 Publisher
func (NopPublisher) Publish(string, string, any) {}

// Frame 推送给客户端的数据帧
type Frame struct {
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaseStatusPayload lease_status_update 事件内容
type LeaseStatusPayload struct {
	LeaseID   string     `json:"leaseId"`
	Number    string     `json:"number"`
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// 租约事件状态
const (
	LeaseEventAssigned  = "assigned"
	LeaseEventExtended  = "extended"
	LeaseEventExpired   = "expired"
	LeaseEventReleased  = "released"
	LeaseEventSuspended = "suspended"
)

// NewMessagePayload new_message 事件内容
type NewMessagePayload struct {
	Message      *Message `json:"message"`
	Number       string   `json:"number"`
	StatusUpdate bool     `json:"statusUpdate,omitempty"`
}

// MessageReadPayload message_read_update 事件内容
type MessageReadPayload struct {
	MessageIDs []string  `json:"messageIds"`
	LeaseID    string    `json:"leaseId,omitempty"`
	ReadAt     time.Time `json:"readAt"`
}
