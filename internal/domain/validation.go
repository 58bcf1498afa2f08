package domain

import (
	"errors"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidPhone       = errors.New("invalid phone number format")
	ErrInvalidCountryCode = errors.New("invalid country code")
	ErrContentTooLong     = errors.New("content too long")
)

var (
	// E.164 格式：+ 加 2 到 15 位数字，首位非零
	e164Regex = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

	countryCodeRegex = regexp.MustCompile(`^[A-Z]{2,3}$`)

	nonDigitRegex = regexp.MustCompile(`\D`)
)

// NormalizePhone 将号码规范化为 "+数字" 形式
//
// 供应商回调中的号码可能缺少 "+" 或包含空格、横线，例如 "1 (415) 555-0100"。
// 规范化后不做合法性校验，需要时再调用 ValidatePhone。
func NormalizePhone(raw string) string {
	digits := nonDigitRegex.ReplaceAllString(strings.TrimSpace(raw), "")
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// ValidatePhone 校验号码是否为 E.164 格式
func ValidatePhone(number string) error {
	if !e164Regex.MatchString(number) {
		return ErrInvalidPhone
	}
	return nil
}

// ValidateCountryCode 校验国家代码（2-3 位大写字母）
func ValidateCountryCode(code string) error {
	if !countryCodeRegex.MatchString(code) {
		return ErrInvalidCountryCode
	}
	return nil
}

// TruncateContent 按字符截断短信内容
func TruncateContent(content string, max int) string {
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
