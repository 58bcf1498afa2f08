package domain

import (
	"errors"
	"fmt"
)

// 错误类别哨兵，配合 errors.Is 使用
var (
	ErrValidation    = errors.New("validation error")
	ErrSignature     = errors.New("signature error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state")
	ErrConflict      = errors.New("conflict")
	ErrCapacity      = errors.New("capacity exceeded")
	ErrNoneAvailable = errors.New("none available")
)

// 稳定错误码
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeSignature     = "SIGNATURE_ERROR"
	CodeNotFound      = "NOT_FOUND"
	CodeInvalidState  = "INVALID_STATE"
	CodeConflict      = "CONFLICT"
	CodeCapacity      = "CAPACITY_EXCEEDED"
	CodeNoneAvailable = "NONE_AVAILABLE"
)

var kindCodes = map[error]string{
	ErrValidation:    CodeValidation,
	ErrSignature:     CodeSignature,
	ErrNotFound:      CodeNotFound,
	ErrInvalidState:  CodeInvalidState,
	ErrConflict:      CodeConflict,
	ErrCapacity:      CodeCapacity,
	ErrNoneAvailable: CodeNoneAvailable,
}

// Error 业务错误，携带类别、稳定错误码和可展示的消息
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Is(err, domain.ErrNotFound) 形式的判断
func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: kindCodes[kind], Message: fmt.Sprintf(format, args...)}
}

// ValidationError 请求或回调内容格式错误
func ValidationError(format string, args ...any) *Error {
	return newError(ErrValidation, format, args...)
}

// SignatureError 回调签名校验失败
func SignatureError(format string, args ...any) *Error {
	return newError(ErrSignature, format, args...)
}

// NotFoundError 租约或消息不存在
func NotFoundError(format string, args ...any) *Error {
	return newError(ErrNotFound, format, args...)
}

// InvalidStateError 当前状态不允许该操作
func InvalidStateError(format string, args ...any) *Error {
	return newError(ErrInvalidState, format, args...)
}

// ConflictError 并发竞争失败
func ConflictError(format string, args ...any) *Error {
	return newError(ErrConflict, format, args...)
}

// CapacityError 超出租约数量上限
func CapacityError(format string, args ...any) *Error {
	return newError(ErrCapacity, format, args...)
}

// NoneAvailableError 没有符合条件的可用号码
func NoneAvailableError(format string, args ...any) *Error {
	return newError(ErrNoneAvailable, format, args...)
}

// CodeOf 返回错误的稳定错误码，非业务错误返回空串
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	for kind, code := range kindCodes {
		if errors.Is(err, kind) {
			return code
		}
	}
	return ""
}
