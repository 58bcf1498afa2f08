package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireAdmin 要求管理员权限（Admin或Super），需放在 RequireAuth 之后
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}
		if !identity.IsAdmin() {
			abort(c, http.StatusForbidden, "权限不足")
			return
		}
		c.Next()
	}
}
