package api

import (
	"net/http"

	gatewayHandler "widget-server/internal/gateway/handler"
	"widget-server/internal/shell"

	"github.com/gin-gonic/gin"
)

type API struct {
	router         *gin.RouterGroup
	gatewayHandler *gatewayHandler.Handler
	shellHandler   *shell.Handler
}

func New(router *gin.RouterGroup, gw *gatewayHandler.Handler, sh *shell.Handler) API {
	return API{
		router:         router,
		gatewayHandler: gw,
		shellHandler:   sh,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()
	apiGroup := a.router.Group("/api")
	{
		agentsGroup := apiGroup.Group("/agents")
		agentsGroup.POST("/start", a.gatewayHandler.StartAgent)
		agentsGroup.POST("/stop", a.gatewayHandler.StopAgent)

		telephonyGroup := apiGroup.Group("/telephony")
		telephonyGroup.POST("/call", a.gatewayHandler.PlaceCall)
		telephonyGroup.PATCH("/hangup", a.gatewayHandler.Hangup)
		telephonyGroup.GET("/status", a.gatewayHandler.CallStatus)

		apiGroup.POST("/form/form_submit", a.gatewayHandler.SubmitLead)
		apiGroup.GET("/env", a.gatewayHandler.Env)
		apiGroup.GET("/widget/ws", a.shellHandler.HandleWidgetSocket)
	}

	// Static embed surface: the loader script customers paste into their
	// pages and the iframe document it injects.
	a.router.StaticFile("/embed.js", "./web/embed.js")
	a.router.StaticFile("/embed", "./web/widget.html")
	a.router.StaticFile("/widget", "./web/widget.html")
	a.router.StaticFile("/widget.js", "./web/widget.js")
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
}
