package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"mpesagateway/internal/mpesa"
	"mpesagateway/internal/repository"
	"mpesagateway/internal/service"
	"mpesagateway/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	stkPushService  *service.STKPushService
	callbackService *service.CallbackService
	c2bService      *service.C2BService
	queryService    *service.QueryService
	webhookService  *service.WebhookService
}

// NewHandler 创建处理器实例
func NewHandler(
	stkPushService *service.STKPushService,
	callbackService *service.CallbackService,
	c2bService *service.C2BService,
	queryService *service.QueryService,
	webhookService *service.WebhookService,
) *Handler {
	return &Handler{
		stkPushService:  stkPushService,
		callbackService: callbackService,
		c2bService:      c2bService,
		queryService:    queryService,
		webhookService:  webhookService,
	}
}

// ============================================================
// 支付发起
// ============================================================

// InitiateSTKPush 发起 STK 支付
// POST /api/v1/payments/stkpush
func (h *Handler) InitiateSTKPush(c *gin.Context) {
	var req service.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.stkPushService.Initiate(c.Request.Context(), &req)
	if err != nil {
		response.BusinessError(c, response.CodeInitiationFailed, err.Error())
		return
	}

	response.Success(c, result)
}

// ============================================================
// 网关回调（上游侧入口）
// ============================================================

// MpesaCallback STK 异步回调
// POST /mpesa/callback/:orderNo
//
// 【关键点】无论本地处理成败，都回固定的成功应答。网关只认这个
// 信封，回别的只会触发它的重试，变成一堆重复回调砸回来。
func (h *Handler) MpesaCallback(c *gin.Context) {
	orderNo := c.Param("orderNo")
	ack := mpesa.AcceptedAck()

	// 本地 panic 也不能破坏应答约定，抢在通用恢复中间件（回 500）之前兜住
	defer func() {
		if r := recover(); r != nil {
			h.callbackService.RecordFailure(c.Request.Context(), orderNo, fmt.Sprintf("回调处理 panic: %v", r))
			if !c.Writer.Written() {
				c.JSON(http.StatusOK, ack)
			}
		}
	}()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.callbackService.RecordFailure(c.Request.Context(), orderNo, "读取回调报文失败: "+err.Error())
		c.JSON(http.StatusOK, ack)
		return
	}

	var envelope mpesa.CallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		h.callbackService.RecordFailure(c.Request.Context(), orderNo, "解析回调报文失败: "+err.Error())
		c.JSON(http.StatusOK, ack)
		return
	}

	// 本地处理的任何失败都已在服务层留痕，这里只管应答
	_ = h.callbackService.HandleCallback(c.Request.Context(), orderNo, &envelope.Body.StkCallback, string(raw))

	c.JSON(http.StatusOK, ack)
}

// C2BValidation C2B 校验回调
// POST /mpesa/c2b/validation
func (h *Handler) C2BValidation(c *gin.Context) {
	var req mpesa.C2BRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// 报文都解不开，只能按通用拒绝处理
		c.JSON(http.StatusOK, &mpesa.C2BResponse{
			ResultCode: mpesa.C2BCodeOtherError,
			ResultDesc: "Rejected",
		})
		return
	}

	c.JSON(http.StatusOK, h.c2bService.Validate(c.Request.Context(), &req))
}

// C2BConfirmation C2B 确认回调
// POST /mpesa/c2b/confirmation
func (h *Handler) C2BConfirmation(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, &mpesa.C2BResponse{ResultCode: "0", ResultDesc: "Success"})
		return
	}

	var req mpesa.C2BRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// 钱已经动了，确认阶段无条件回成功
		c.JSON(http.StatusOK, &mpesa.C2BResponse{ResultCode: "0", ResultDesc: "Success"})
		return
	}

	c.JSON(http.StatusOK, h.c2bService.Confirm(c.Request.Context(), &req, string(raw)))
}

// ============================================================
// 订单查询
// ============================================================

// GetTransaction 查询订单详情（默认不含原始报文）
// GET /api/v1/payments/detail?order_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	h.getTransaction(c, false)
}

// GetTransactionFull 查询订单详情（含原始报文，排障用）
// GET /api/v1/payments/full?order_no=xxx
func (h *Handler) GetTransactionFull(c *gin.Context) {
	h.getTransaction(c, true)
}

func (h *Handler) getTransaction(c *gin.Context, full bool) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	detail, err := h.queryService.GetTransaction(c.Request.Context(), orderNo, full)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, detail)
}

// ListTransactions 订单列表
// GET /api/v1/payments/list?status=&phone=&bank=&start=&end=&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	filter := &repository.ListFilter{
		Status:      c.Query("status"),
		PhoneNumber: c.Query("phone"),
		BankName:    c.Query("bank"),
	}

	if start := c.Query("start"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			response.ParamError(c, "start 参数格式错误")
			return
		}
		filter.StartTime = &t
	}
	if end := c.Query("end"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			response.ParamError(c, "end 参数格式错误")
			return
		}
		filter.EndTime = &t
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.queryService.ListTransactions(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetStats 聚合统计
// GET /api/v1/payments/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.queryService.Stats(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}

// ============================================================
// Webhook 运维接口
// ============================================================

// RetryWebhookRequest 手动重试请求
type RetryWebhookRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
}

// RetryWebhook 手动重试投递
// POST /api/v1/webhooks/retry
func (h *Handler) RetryWebhook(c *gin.Context) {
	var req RetryWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.webhookService.RetryDelivery(c.Request.Context(), req.OrderNo)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDeliveryNotFound):
			response.BusinessError(c, response.CodeDeliveryNotFound, err.Error())
		case errors.Is(err, service.ErrDeliveryInProgress):
			response.BusinessError(c, response.CodeDeliveryInProgress, err.Error())
		case errors.Is(err, service.ErrAlreadyDelivered):
			response.BusinessError(c, response.CodeAlreadyDelivered, err.Error())
		default:
			response.ServerError(c, err.Error())
		}
		return
	}

	response.Success(c, gin.H{"message": "重试已排队"})
}

// GetWebhookStats 投递统计
// GET /api/v1/webhooks/stats?order_no=xxx（order_no 可选，不传为全局）
func (h *Handler) GetWebhookStats(c *gin.Context) {
	stats, err := h.webhookService.Stats(c.Request.Context(), c.Query("order_no"))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, stats)
}
