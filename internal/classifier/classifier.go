// Package classifier 将短信正文归类并提取一次性验证码。
package classifier

import (
	"regexp"
	"strings"

	"disposms/backend/internal/domain"
)

// Result 分类结果
type Result struct {
	MessageType  domain.MessageType
	DetectedCode *string
}

const (
	minCodeLength = 4
	maxCodeLength = 8
)

var keywords = []string{
	"verification", "verify", "confirm", "authenticate", "code", "otp", "pin",
	"security", "login", "signin", "access", "account", "password", "reset",
}

// 按优先级排列：显式标签优先于裸数字，避免误取正文中的电话号码或金额
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`code[:\s]*(\d+)`),
	regexp.MustCompile(`verification[:\s]*(\d+)`),
	regexp.MustCompile(`otp[:\s]*(\d+)`),
	regexp.MustCompile(`pin[:\s]*(\d+)`),
	regexp.MustCompile(`token[:\s]*(\d+)`),
	regexp.MustCompile(`\b(\d{4,8})\b`),
}

// Classify 对短信内容分类
//
// 不含关键词时按是否有附件归为 mms 或 sms；含关键词时依次尝试验证码模式，
// 第一个得到 4-8 位数字的模式胜出并归为 otp，否则归为 verification。
func Classify(content string, hasAttachments bool) Result {
	lower := strings.ToLower(content)

	if !containsKeyword(lower) {
		if hasAttachments {
			return Result{MessageType: domain.MessageMMS}
		}
		return Result{MessageType: domain.MessageSMS}
	}

	if code, ok := extractCode(lower); ok {
		return Result{MessageType: domain.MessageOTP, DetectedCode: &code}
	}
	return Result{MessageType: domain.MessageVerification}
}

func containsKeyword(lower string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func extractCode(lower string) (string, bool) {
	for _, pattern := range codePatterns {
		m := pattern.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		if n := len(m[1]); n >= minCodeLength && n <= maxCodeLength {
			return m[1], true
		}
	}
	return "", false
}

// FormatContent 将正文中的验证码以 **code** 形式高亮
func FormatContent(content string, code *string) string {
	if code == nil || *code == "" {
		return content
	}
	return strings.Replace(content, *code, "**"+*code+"**", 1)
}

// Preview 截取通知预览文本
func Preview(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "..."
}
