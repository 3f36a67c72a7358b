package http

import (
	"github.com/gin-gonic/gin"

	"supportchat/internal/bootstrap"
	"supportchat/internal/model"
	"supportchat/internal/transport/http/handler"
	"supportchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.RequestLogger(app.Logger), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt, app.HealthChecks())
	sessionHandler := handler.NewSessionHandler(app.Queries)
	agentHandler := handler.NewAgentHandler(app.Queries)

	router.GET("/healthz", healthHandler.Check)
	router.GET("/ws", app.Gateway.ServeWS)

	sessions := router.Group("/customer-sessions")
	sessions.Use(middleware.Auth(app.Authorizer))
	sessions.GET("", sessionHandler.ListSessions)
	sessions.POST("", sessionHandler.CreateOrGetSession)
	sessions.GET("/:sessionId/messages", sessionHandler.ListMessages)

	agent := router.Group("/agent/sessions")
	agent.Use(middleware.Auth(app.Authorizer), middleware.RequireRole(string(model.RoleAgent)))
	agent.GET("", agentHandler.ListSessions)
	agent.POST("/:sessionId/claim", agentHandler.ClaimSession)

	return router
}
