package domain

import "strings"

// AttachmentKind 彩信附件类别
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment 表示彩信附件，内容保留在供应商侧，仅记录地址。
type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url"`
	Size     int64          `json:"size,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
}

// KindFromMimeType 根据 MIME 类型推断附件类别
func KindFromMimeType(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentDocument
	}
}
