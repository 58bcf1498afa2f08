package httptransport

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"disposms/backend/internal/domain"
)

// twilioAck Twilio 要求回调返回 TwiML，空 Response 表示不回复短信
const twilioAck = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type webhookAck struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type testInjectRequest struct {
	Number  string `json:"number" binding:"required"`
	From    string `json:"from"`
	Content string `json:"content" binding:"required"`
}

// inboundSMS 供应商入站短信回调
// POST /v1/webhooks/:provider/sms
func (h *Handler) inboundSMS(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		WriteError(c, h.log, readError(err))
		return
	}

	result, err := h.ingress.HandleInbound(
		c.Request.Context(),
		provider,
		body,
		c.ContentType(),
		h.signature(c, provider),
	)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	// 路径中的供应商名不区分大小写，以解析出的供应商为准
	if result.Message.Provider == domain.ProviderTwilio {
		c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twilioAck))
		return
	}
	Success(c, webhookAck{ID: result.Message.ID, Duplicate: result.Duplicate})
}

// deliveryStatus 供应商投递状态回调，只更新已有短信
// POST /v1/webhooks/:provider/status
func (h *Handler) deliveryStatus(c *gin.Context) {
	provider := c.Param("provider")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		WriteError(c, h.log, readError(err))
		return
	}

	msg, err := h.ingress.HandleStatus(
		c.Request.Context(),
		provider,
		body,
		c.ContentType(),
		h.signature(c, provider),
	)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}

	if msg.Provider == domain.ProviderTwilio {
		c.Data(http.StatusOK, "text/xml; charset=utf-8", []byte(twilioAck))
		return
	}
	Success(c, webhookAck{ID: msg.ID})
}

// injectTest 向已分配号码注入一条测试短信，仅非生产环境注册
// POST /v1/webhooks/test
func (h *Handler) injectTest(c *gin.Context) {
	var req testInjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, h.log, bindError(err))
		return
	}

	result, err := h.ingress.InjectTest(c.Request.Context(), req.Number, req.From, req.Content)
	if err != nil {
		WriteError(c, h.log, err)
		return
	}
	Created(c, result.Message)
}

func (h *Handler) signature(c *gin.Context, provider string) string {
	header := h.ingress.SignatureHeader(provider)
	if header == "" {
		return ""
	}
	return c.GetHeader(header)
}

func readError(err error) error {
	if isBodyTooLarge(err) {
		return err
	}
	return domain.ValidationError("%s", MsgBodyReadFailed)
}
