package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"disposms/backend/internal/auth/jwt"
	"disposms/backend/internal/domain"
)

// 上下文键
const (
	ContextUserID = "userID"
	ContextRole   = "role"
)

// TokenValidator 访问令牌校验
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// JWTAuth JWT认证中间件
type JWTAuth struct {
	tokens TokenValidator
	log    *zap.Logger
}

// NewJWTAuth 创建JWT认证中间件
func NewJWTAuth(tokens TokenValidator, log *zap.Logger) *JWTAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &JWTAuth{
		tokens: tokens,
		log:    log,
	}
}

// RequireAuth 要求JWT认证
func (ja *JWTAuth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			abort(c, http.StatusUnauthorized, "需要登录认证")
			return
		}

		claims, err := ja.tokens.ValidateToken(token)
		if err != nil {
			ja.log.Warn("invalid token",
				zap.String("error", err.Error()),
				zap.String("ip", c.ClientIP()),
			)
			abort(c, http.StatusUnauthorized, "无效或已过期的访问令牌")
			return
		}

		identity := claims.Identity()
		c.Set(ContextUserID, identity.UserID)
		c.Set(ContextRole, identity.Role)

		c.Next()
	}
}

// IdentityFrom 读取认证中间件写入的调用者身份
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	userID := c.GetString(ContextUserID)
	if userID == "" {
		return domain.Identity{}, false
	}
	role, _ := c.Get(ContextRole)
	r, _ := role.(domain.UserRole)
	return domain.Identity{UserID: userID, Role: r}, true
}

// extractToken 从 Authorization header 提取 Bearer token
func extractToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// abort 以统一响应结构终止请求
func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code": status,
		"msg":  msg,
	})
}
