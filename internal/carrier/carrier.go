// Package carrier 将各短信供应商的回调转换为统一的入站短信结构。
package carrier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"disposms/backend/internal/domain"
)

var (
	// ErrUnknownProvider 未注册的供应商
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrSignatureMissing 配置了密钥但请求未携带签名
	ErrSignatureMissing = errors.New("signature missing")
	// ErrSignatureMismatch 签名不匹配
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrSignatureTimeout 签名校验超时
	ErrSignatureTimeout = errors.New("signature verification timed out")
	// ErrInvalidPayload 回调内容无法解析或缺少必填字段
	ErrInvalidPayload = errors.New("invalid payload")
)

// InboundSMS 规范化后的入站短信
type InboundSMS struct {
	FromNumber        string              `validate:"required,e164"`
	ToNumber          string              `validate:"required,e164"`
	Content           string              `validate:"max=1600"`
	Provider          domain.Provider     `validate:"required,oneof=twilio nexmo vonage other"`
	ProviderMessageID string              `validate:"required,max=100"`
	Attachments       []domain.Attachment `validate:"dive"`
	Metadata          map[string]any
}

// StatusReport 规范化后的投递状态回调
type StatusReport struct {
	Provider          domain.Provider `validate:"required"`
	ProviderMessageID string          `validate:"required,max=100"`
	Status            string          `validate:"required,max=50"`
	ErrorCode         string
	ErrorMessage      string
}

// MediaRef 供应商回调中声明的附件
type MediaRef struct {
	URL         string
	ContentType string
	Size        int64
}

// rawInbound 适配器解析出的未规范化字段
type rawInbound struct {
	From      string
	To        string
	Body      string
	MessageID string
	Media     []MediaRef
	Metadata  map[string]any
}

// Adapter 供应商回调适配器
type Adapter interface {
	Provider() domain.Provider
	// SignatureHeader 携带签名的请求头
	SignatureHeader() string
	// VerifySignature 使用密钥校验原始请求体的签名，比较必须是常量时间
	VerifySignature(secret string, body []byte, signature string) bool
	parseInbound(fields payload) (*rawInbound, error)
	parseStatus(fields payload) (*StatusReport, error)
}

// payload 回调字段，表单与 JSON 统一为字符串键值
type payload struct {
	values map[string]string
	raw    map[string]any
}

// first 返回第一个非空字段
func (p payload) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(p.values[k]); v != "" {
			return v
		}
	}
	return ""
}

// decodePayload 按 Content-Type 解析表单或 JSON 回调
func decodePayload(body []byte, contentType string) (payload, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/json" || (mediaType == "" && looksLikeJSON(body)) {
		// 数字按原文保留，避免长整型消息ID或号码被转成浮点
		var raw map[string]any
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return payload{}, fmt.Errorf("%w: trailing data after JSON object", ErrInvalidPayload)
		}
		values := make(map[string]string, len(raw))
		for k, v := range raw {
			switch tv := v.(type) {
			case string:
				values[k] = tv
			case json.Number:
				values[k] = tv.String()
			case bool:
				values[k] = fmt.Sprint(tv)
			}
		}
		return payload{values: values, raw: raw}, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	values := make(map[string]string, len(form))
	raw := make(map[string]any, len(form))
	for k := range form {
		values[k] = form.Get(k)
		raw[k] = form.Get(k)
	}
	return payload{values: values, raw: raw}, nil
}

func looksLikeJSON(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}
