package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 客户端 API
	api := r.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.POST("/stkpush", h.InitiateSTKPush)
			payments.GET("/detail", h.GetTransaction)
			payments.GET("/full", h.GetTransactionFull)
			payments.GET("/list", h.ListTransactions)
			payments.GET("/stats", h.GetStats)
		}

		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("/retry", h.RetryWebhook)
			webhooks.GET("/stats", h.GetWebhookStats)
		}
	}

	// 网关侧回调入口
	mpesaGroup := r.Group("/mpesa")
	{
		mpesaGroup.POST("/callback/:orderNo", h.MpesaCallback)
		mpesaGroup.POST("/c2b/validation", h.C2BValidation)
		mpesaGroup.POST("/c2b/confirmation", h.C2BConfirmation)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
