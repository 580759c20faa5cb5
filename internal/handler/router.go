package handler

import (
	"billing/internal/service"
	"billing/pkg/response"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(balanceService *service.BalanceService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(balanceService)

	api := r.Group("/api/v1")
	{
		balance := api.Group("/balance")
		{
			balance.GET("", h.GetBalance)
			balance.GET("/debt", h.GetDebt)
			balance.GET("/verify", h.VerifyBalance)
			balance.POST("/create", h.CreateBalance)
			balance.POST("/adjust", h.AdjustBalance)
			balance.POST("/forgive-debt", h.ForgiveDebt)
		}

		transactions := api.Group("/transactions")
		{
			transactions.GET("", h.ListTransactions)
			transactions.GET("/:id", h.GetTransaction)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.NoRoute(response.NotFound)

	return r
}
