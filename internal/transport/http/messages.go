package httptransport

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"disposms/backend/internal/classifier"
	"disposms/backend/internal/domain"
	"disposms/backend/internal/service"
)

type messageResponse struct {
	*domain.Message
	FormattedContent string `json:"formattedContent"`
}

type messageListResponse struct {
	Items  []domain.Message `json:"items"`
	Total  int              `json:"total"`
	Offset int              `json:"offset"`
}

type markAllReadResponse struct {
	Marked int `json:"marked"`
}

// listMessages 查询调用者的短信
// GET /v1/messages?leaseId=&type=&unread=&since=&limit=&offset=
func (h *Handler) listMessages(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	in, err := parseListInput(c)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	items, total, err := h.messages.List(c.Request.Context(), who.UserID, in)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	if items == nil {
		items = []domain.Message{}
	}
	Success(c, messageListResponse{Items: items, Total: total, Offset: in.Offset})
}

// getMessage 查看短信详情，附带高亮验证码后的正文
// GET /v1/messages/:id
func (h *Handler) getMessage(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	msg, err := h.messages.Get(c.Request.Context(), who.UserID, c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, messageResponse{
		Message:          msg,
		FormattedContent: classifier.FormatContent(msg.Content, msg.DetectedCode),
	})
}

// markMessageRead 标记已读，重复调用幂等
// POST /v1/messages/:id/read
func (h *Handler) markMessageRead(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	msg, err := h.messages.MarkRead(c.Request.Context(), who.UserID, c.Param("id"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "已标记为已读", msg)
}

// markAllRead 全部标记已读，可按号码限定
// POST /v1/messages/read-all?leaseId=
func (h *Handler) markAllRead(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	n, err := h.messages.MarkAllRead(c.Request.Context(), who.UserID, c.Query("leaseId"))
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Success(c, markAllReadResponse{Marked: n})
}

// deleteMessage 删除短信
// DELETE /v1/messages/:id
func (h *Handler) deleteMessage(c *gin.Context) {
	who, ok := identity(c)
	if !ok {
		return
	}

	if err := h.messages.Delete(c.Request.Context(), who.UserID, c.Param("id")); err != nil {
		WriteError(c, h.log, err)
		return
	}
	SuccessWithMsg(c, "删除成功", nil)
}

func parseListInput(c *gin.Context) (service.ListInput, error) {
	in := service.ListInput{
		LeaseID: c.Query("leaseId"),
		Type:    c.Query("type"),
	}

	if raw := c.Query("unread"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return in, domain.ValidationError("invalid unread flag %q", raw)
		}
		in.UnreadOnly = v
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return in, domain.ValidationError("since must be an RFC3339 timestamp")
		}
		in.Since = &t
	}

	var err error
	if in.Limit, err = queryInt(c, "limit"); err != nil {
		return in, err
	}
	if in.Offset, err = queryInt(c, "offset"); err != nil {
		return in, err
	}
	return in, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ValidationError("invalid %s %q", key, raw)
	}
	return n, nil
}
