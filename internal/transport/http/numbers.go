package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"disposms/backend/internal/domain"
	"disposms/backend/internal/middleware"
	"disposms/backend/internal/service"
)

const (
	defaultAvailableLimit = 10
	maxAvailableLimit     = 50
)

type acquireRequest struct {
	Number        string `json:"number"`
	CountryCode   string `json:"countryCode"`
	Provider      string `json:"provider"`
	DurationHours int    `json:"durationHours"`
}

type extendRequest struct {
	Hours int `json:"hours" binding:"required"`
}

type leaseListResponse struct {
	Items []domain.Lease `json:"items"`
	Count int            `json:"count"`
}

// listAvailable 列出可用号码
// GET /v1/numbers/available?countryCode=&provider=&limit=
func (h *Handler) listAvailable(c *gin.Context) {
	limit := defaultAvailableLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAvailableLimit {
			BadRequest(c, "limit 必须在 1 到 50 之间")
			return
		}
		limit = n
	}

	leases, err := h.pool.ListAvailable(c.Request.Context(), c.Query("countryCode"), c.Query("provider"), limit)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, leaseListResponse{Items: leases, Count: len(leases)})
}

// acquire 申请号码
// POST /v1/numbers/acquire
func (h *Handler) acquire(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.log, bindError(err))
		return
	}

	lease, err := h.pool.Acquire(c.Request.Context(), service.AcquireInput{
		Number:        req.Number,
		CountryCode:   req.CountryCode,
		Provider:      req.Provider,
		DurationHours: req.DurationHours,
		RequesterID:   who.UserID,
		Privileged:    who.IsAdmin(),
	})
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	CreatedWithMsg(c, "号码分配成功", lease)
}

// listMine 列出调用者持有的号码
// GET /v1/numbers/mine?state=
func (h *Handler) listMine(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	leases, err := h.pool.ListMine(c.Request.Context(), who.UserID, c.Query("state"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, leaseListResponse{Items: leases, Count: len(leases)})
}

// getLease 查看号码详情，仅持有者或管理员可见
// GET /v1/numbers/:id
func (h *Handler) getLease(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	lease, err := h.pool.Get(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, lease)
}

// extend 续期
// POST /v1/numbers/:id/extend
func (h *Handler) extend(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.log, bindError(err))
		return
	}

	lease, err := h.pool.Extend(c.Request.Context(), c.Param("id"), req.Hours, who.UserID)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "续期成功", lease)
}

// release 释放号码
// POST /v1/numbers/:id/release
func (h *Handler) release(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	lease, err := h.pool.Release(c.Request.Context(), c.Param("id"), who.UserID)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "释放成功", lease)
}

// identity 读取认证中间件写入的身份，缺失时直接返回 401
func identity(c *gin.Context) (domain.Identity, bool) {
	who, ok := middleware.IdentityFrom(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return domain.Identity{}, false
	}
	return who, true
}

// bindError 将请求体绑定错误转换为校验错误，超出大小限制的错误保持原样
func bindError(err error) error {
	if isBodyTooLarge(err) {
		return err
	}
	return domain.ValidationError("%s", MsgInvalidRequest)
}
