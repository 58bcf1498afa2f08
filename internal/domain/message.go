package domain

import "time"

// MessageType 短信类型
type MessageType string

const (
	MessageSMS          MessageType = "sms"
	MessageMMS          MessageType = "mms"
	MessageOTP          MessageType = "otp"
	MessageVerification MessageType = "verification"
	MessageNotification MessageType = "notification"
	MessageOther        MessageType = "other"
)

// MaxContentLength 短信内容最大长度（字符）
const MaxContentLength = 1600

// 投递状态相关的元数据键，创建后唯一允许更新的元数据字段
const (
	MetaDeliveryStatus  = "deliveryStatus"
	MetaErrorCode       = "errorCode"
	MetaErrorMessage    = "errorMessage"
	MetaStatusUpdatedAt = "statusUpdatedAt"
)

// Message 表示一条收到的短信或彩信。
//
// OwnerID 在接收时从租约复制，之后租约的变化不影响消息归属。
type Message struct {
	ID                string         `json:"id" gorm:"primaryKey;type:varchar(26)"`
	LeaseID           string         `json:"leaseId" gorm:"type:varchar(36);index;not null"`
	OwnerID           string         `json:"ownerId" gorm:"type:varchar(36);index:idx_messages_owner_received,priority:1;not null"`
	Provider          Provider       `json:"provider" gorm:"type:varchar(20);uniqueIndex:idx_messages_provider_msg,priority:1;not null"`
	ProviderMessageID string         `json:"providerMessageId" gorm:"type:varchar(100);uniqueIndex:idx_messages_provider_msg,priority:2;not null"`
	FromNumber        string         `json:"fromNumber" gorm:"type:varchar(20)"`
	ToNumber          string         `json:"toNumber" gorm:"type:varchar(20);index"`
	Content           string         `json:"content" gorm:"type:text"`
	MessageType       MessageType    `json:"messageType" gorm:"type:varchar(20);index"`
	DetectedCode      *string        `json:"detectedCode,omitempty" gorm:"type:varchar(8)"`
	IsRead            bool           `json:"isRead" gorm:"default:false"`
	ReadAt            *time.Time     `json:"readAt,omitempty"`
	ReceivedAt        time.Time      `json:"receivedAt" gorm:"index:idx_messages_owner_received,priority:2"`
	Attachments       []Attachment   `json:"attachments,omitempty" gorm:"serializer:json"`
	Metadata          map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
}

// TableName 指定消息表名
func (Message) TableName() string { return "messages" }

// Clone 返回消息的独立副本
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.DetectedCode = cloneString(m.DetectedCode)
	c.ReadAt = cloneTime(m.ReadAt)
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	c.Metadata = cloneMap(m.Metadata)
	return &c
}

// MessageFilter 消息查询条件
type MessageFilter struct {
	OwnerID    string
	LeaseID    string
	Type       MessageType
	UnreadOnly bool
	Since      *time.Time
	Limit      int
	Offset     int
}

// StatusUpdate 投递状态回调内容
type StatusUpdate struct {
	Status       string
	ErrorCode    string
	ErrorMessage string
	UpdatedAt    time.Time
}

// Fields 转换为待合并的元数据
func (u StatusUpdate) Fields() map[string]any {
	fields := map[string]any{
		MetaDeliveryStatus:  u.Status,
		MetaStatusUpdatedAt: u.UpdatedAt.Format(time.RFC3339),
	}
	if u.ErrorCode != "" {
		fields[MetaErrorCode] = u.ErrorCode
	}
	if u.ErrorMessage != "" {
		fields[MetaErrorMessage] = u.ErrorMessage
	}
	return fields
}
