package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"disposms/backend/internal/middleware"
	"disposms/backend/internal/service"
)

type importRequest struct {
	Numbers []service.ImportNumber `json:"numbers" binding:"required"`
}

type sweepResponse struct {
	Expired int `json:"expired"`
}

// importNumbers 批量导入号码
// POST /v1/admin/numbers/import
func (h *Handler) importNumbers(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.log, bindError(err))
		return
	}

	result, err := h.pool.Import(c.Request.Context(), req.Numbers)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	h.audit(c, "numbers imported", zap.Int("imported", len(result.Imported)), zap.Int("failed", len(result.Failed)))
	Success(c, result)
}

// suspendNumber 暂停号码
// POST /v1/admin/numbers/:id/suspend
func (h *Handler) suspendNumber(c *gin.Context) {
	lease, err := h.pool.Suspend(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	h.audit(c, "lease suspended by admin", zap.String("leaseID", lease.ID))
	SuccessWithMsg(c, "号码已暂停", lease)
}

// forceRelease 强制释放号码
// POST /v1/admin/numbers/:id/release
func (h *Handler) forceRelease(c *gin.Context) {
	lease, err := h.pool.ForceRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	h.audit(c, "lease force released by admin", zap.String("leaseID", lease.ID))
	SuccessWithMsg(c, "号码已释放", lease)
}

// sweep 手动触发过期扫描
// POST /v1/admin/sweep
func (h *Handler) sweep(c *gin.Context) {
	n, err := h.pool.Sweep(c.Request.Context())
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, sweepResponse{Expired: n})
}

// stats 号码池各状态数量
// GET /v1/admin/stats
func (h *Handler) stats(c *gin.Context) {
	stats, err := h.pool.Stats(c.Request.Context())
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, stats)
}

func (h *Handler) audit(c *gin.Context, msg string, fields ...zap.Field) {
	if who, ok := middleware.IdentityFrom(c); ok {
		fields = append(fields, zap.String("adminID", who.UserID), zap.String("role", string(who.Role)))
	}
	h.log.Info(msg, fields...)
}
