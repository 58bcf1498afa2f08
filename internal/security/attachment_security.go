package security

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// AttachmentSecurity 彩信附件安全检查器
//
// 附件内容保留在供应商侧，这里只能根据地址和声明的 MIME 类型判断
type AttachmentSecurity struct {
	// 危险文件扩展名
	dangerousExtensions map[string]bool

	// 可执行内容的 MIME 类型
	dangerousMimeTypes map[string]bool
}

// NewAttachmentSecurity 创建附件安全检查器
func NewAttachmentSecurity() *AttachmentSecurity {
	return &AttachmentSecurity{
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".js":  true,
			".jar": true,
			".php": true,
			".asp": true,
			".jsp": true,
			".apk": true,
			".msi": true,
			".sh":  true,
		},
		dangerousMimeTypes: map[string]bool{
			"application/x-msdownload":                true,
			"application/x-msdos-program":             true,
			"application/x-executable":                true,
			"application/x-sh":                        true,
			"application/java-archive":                true,
			"application/vnd.android.package-archive": true,
			"application/javascript":                  true,
			"text/javascript":                         true,
		},
	}
}

// CheckAttachment 检查附件地址与类型，不安全时返回原因
func (as *AttachmentSecurity) CheckAttachment(rawURL, mimeType string) (bool, string) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return false, "invalid attachment url"
	}

	if dangerous, reason := as.checkFileExtension(u.Path); dangerous {
		return false, reason
	}

	if mimeType != "" {
		mediaType, _, err := mime.ParseMediaType(mimeType)
		if err != nil {
			return false, "invalid MIME type: " + mimeType
		}
		if as.dangerousMimeTypes[mediaType] {
			return false, "disallowed MIME type: " + mediaType
		}
	}

	return true, ""
}

// checkFileExtension 检查文件扩展名
func (as *AttachmentSecurity) checkFileExtension(filename string) (bool, string) {
	ext := strings.ToLower(path.Ext(filename))
	if as.dangerousExtensions[ext] {
		return true, "dangerous file extension: " + ext
	}
	return false, ""
}
