package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"disposms/backend/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"
	MsgInvalidQuery   = "查询参数无效"
	MsgBodyTooLarge   = "请求体过大"
	MsgBodyReadFailed = "读取请求体失败"
	MsgAuthRequired   = "需要登录认证"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)

// errorResponse 错误响应，code 为业务错误码
type errorResponse struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Error string `json:"error,omitempty"`
}

// statusOf 将领域错误类型映射为 HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNoneAvailable):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteError 按错误类型写出统一错误响应
//
// 非领域错误一律返回 500 并记录日志，不向客户端暴露内部细节。
func WriteError(c *gin.Context, log *zap.Logger, err error) {
	if isBodyTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
			Code: http.StatusRequestEntityTooLarge,
			Msg:  MsgBodyTooLarge,
		})
		return
	}

	status := statusOf(err)
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		_ = c.Error(err)
		c.JSON(status, errorResponse{Code: status, Msg: MsgInternalError})
		return
	}

	var derr *domain.Error
	msg := err.Error()
	if errors.As(err, &derr) {
		msg = derr.Message
	}
	c.JSON(status, errorResponse{
		Code:  status,
		Msg:   msg,
		Error: domain.CodeOf(err),
	})
}

func isBodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}
