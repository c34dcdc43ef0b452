package handler

import (
	"net/http"

	"affiliate/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg config.ServerConfig, logger *zap.Logger) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		// 钱包
		wallet := api.Group("/wallet")
		{
			wallet.GET("/summary", h.GetWalletSummary)
			wallet.GET("/transactions", h.ListWalletTransactions)
		}

		// 佣金（purchase-completed 由购买系统调用，与 Kafka 消费走同一逻辑）
		commission := api.Group("/commission")
		{
			commission.POST("/purchase-completed", h.PurchaseCompleted)
			commission.GET("/summary", h.GetCommissionSummary)
			commission.GET("/list", h.ListCommissions)
		}

		referral := api.Group("/referral")
		{
			referral.GET("/ancestors", h.GetAncestors)
		}

		// 提现
		payout := api.Group("/payout")
		{
			payout.POST("/request", h.RequestPayout)
			payout.GET("/eligibility", h.GetPayoutEligibility)
			payout.GET("/detail", h.GetPayout)
			payout.GET("/list", h.ListPayouts)
		}

		// 管理端
		admin := api.Group("/admin", AdminAuthMiddleware(cfg.AdminToken))
		{
			admin.POST("/payout/approve", h.ApprovePayout)
			admin.POST("/payout/reject", h.RejectPayout)
			admin.POST("/payout/complete", h.CompletePayout)
			admin.POST("/payout/cancel", h.CancelPayout)
			admin.GET("/payout/list", h.AdminListPayouts)
			admin.GET("/wallet/reconcile", h.ReconcileWallet)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
