package security

import (
	"regexp"
	"strings"
	"unicode"
)

// ContentFilter 短信内容过滤器
//
// 短信正文会原样推送到前端，过滤器清除控制字符并标记可疑内容，但不拒收
type ContentFilter struct {
	// 恶意内容模式
	maliciousPatterns []*regexp.Regexp

	// 垃圾短信关键词
	spamKeywords []string
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]*>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)onload\s*=`),
			regexp.MustCompile(`(?i)onerror\s*=`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
		},
		spamKeywords: []string{
			"lottery", "winner", "congratulations", "free money", "click here",
			"limited time", "act now", "guaranteed", "claim your prize",
		},
	}
}

// Sanitize 去除控制字符，保留换行与制表符
func (cf *ContentFilter) Sanitize(content string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, content)
}

// Inspect 检查内容，返回是否可疑及原因
func (cf *ContentFilter) Inspect(content string) (bool, string) {
	for _, pattern := range cf.maliciousPatterns {
		if pattern.MatchString(content) {
			return true, "malicious"
		}
	}

	lower := strings.ToLower(content)
	spamCount := 0
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(lower, keyword) {
			spamCount++
		}
	}
	if spamCount >= 2 {
		return true, "spam"
	}

	return false, ""
}
