package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/usdt_vault/handler"
	"github.com/usdt_vault/middleware"
)

type Handlers struct {
	Wallet     *handler.WalletHandler
	Transfer   *handler.TransferHandler
	Savings    *handler.SavingsHandler
	Investment *handler.InvestmentHandler
}

func SetupRouter(h Handlers, auth gin.HandlerFunc, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Metrics(), middleware.AccessLog(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/wallet", auth)
	{
		api.GET("/balance", h.Wallet.GetBalance)
		api.GET("/deposit/address", h.Wallet.GetDepositAddress)
		api.POST("/deposit/address", h.Wallet.CreateDepositAddress)
		api.GET("/transfers/history", h.Wallet.GetTransferHistory)
		api.GET("/transactions/chain", h.Wallet.GetChainHistory)
		api.POST("/transfers/quote", h.Transfer.Quote)
		api.POST("/transfers", h.Transfer.Transfer)
	}

	savings := r.Group("/api/savings", auth)
	{
		savings.GET("/goals", h.Savings.ListGoals)
		savings.POST("/goals", h.Savings.CreateGoal)
		savings.POST("/goals/:id/deposit", h.Savings.Deposit)
		savings.POST("/goals/:id/withdraw", h.Savings.Withdraw)
		savings.PUT("/goals/:id/auto-save", h.Savings.SetAutoSave)
		savings.DELETE("/goals/:id", h.Savings.DeleteGoal)
	}

	investments := r.Group("/api/investments", auth)
	{
		investments.GET("/plans", h.Investment.ListPlans)
		investments.POST("/plans", h.Investment.CreatePlan)
		investments.PATCH("/plans/:id", h.Investment.UpdatePlan)
		investments.DELETE("/plans/:id", h.Investment.DeletePlan)
	}

	return r
}
