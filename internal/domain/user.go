package domain

// UserRole 用户角色，由认证令牌携带
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
	RoleSuper UserRole = "super" // 超级管理员
)

// Identity 认证后的调用者身份
type Identity struct {
	UserID string
	Role   UserRole
}

// IsAdmin 判断是否为管理员
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin || i.Role == RoleSuper
}
