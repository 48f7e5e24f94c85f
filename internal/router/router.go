package router

import (
	"edupay/config"
	"edupay/internal/app"
	"edupay/internal/handler"
	"edupay/internal/middleware"
	"edupay/internal/ws"

	"github.com/gin-gonic/gin"
)

func Setup(cfg *config.Config, a *app.App, limiter *middleware.KeyedRateLimiter) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// Skip gin.Logger() to reduce log noise; use gin.Default() if you need request logging
	if limiter != nil {
		r.Use(middleware.RateLimit(limiter))
	}

	txHandler := handler.NewTransactionHandler(a.Transactions)
	callbackHandler := handler.NewCallbackHandler(a.Verifier, a.Gateways, a.Cloud, cfg.Payment.FrontendURL)
	adminHandler := handler.NewAdminHandler(a.Transactions, a.Sweeper)
	notificationHandler := handler.NewNotificationHandler(a.NotifRepo, a.UserRepo)

	authMw := middleware.AuthRequired(&cfg.JWT)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "methods": a.Gateways.Methods()})
	})

	api := r.Group("/api/v1")
	{
		tx := api.Group("/transactions")
		{
			// Gateways call back without a token; payer-submitted proofs carry one.
			tx.Any("/callback/:method", middleware.OptionalAuth(&cfg.JWT), callbackHandler.Handle)

			tx.GET("/history", authMw, txHandler.History)
			tx.POST("/confirm/:id", authMw, txHandler.Confirm)
			tx.GET("/:id", authMw, txHandler.Get)
			tx.DELETE("/:id", authMw, txHandler.Delete)
			tx.POST("/:method/:courseId", authMw, txHandler.Create)
		}

		me := api.Group("/me")
		me.Use(authMw)
		{
			me.GET("/notifications", notificationHandler.List)
			me.PUT("/notifications/:id/read", notificationHandler.MarkRead)
			me.POST("/fcm-token", notificationHandler.RegisterFCMToken)
		}

		admin := api.Group("/admin")
		admin.Use(authMw, middleware.AdminRequired())
		{
			admin.POST("/transactions/sweep", adminHandler.Sweep)
			admin.POST("/transactions/:code/confirm-transfer", adminHandler.ConfirmTransfer)
			admin.POST("/transactions/:code/refund", adminHandler.Refund)
		}
	}

	r.GET("/ws/transactions", ws.UpgradeTransactionWS(&cfg.JWT, a.Hub))

	return r
}
