// Package api exposes flows, triggers, executions, campaigns and the
// scheduler over HTTP.
package api

import (
	"net/http"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/campaign"
	"whatsapp-automation/internal/scheduler"
	"whatsapp-automation/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Deps are the components the handlers drive
type Deps struct {
	Store     store.Store
	Transport automation.Transport
	Engine    *automation.Engine
	Scheduler *scheduler.Scheduler
	Campaigns *campaign.Dispatcher

	// Webhook and WebSocket endpoints are mounted when set
	VerifyWebhook gin.HandlerFunc
	HandleWebhook gin.HandlerFunc
	ServeWs       http.HandlerFunc
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), cors())

	if d.VerifyWebhook != nil {
		r.GET("/webhook", d.VerifyWebhook)
	}
	if d.HandleWebhook != nil {
		r.POST("/webhook", d.HandleWebhook)
	}
	if d.ServeWs != nil {
		r.GET("/ws", gin.WrapF(d.ServeWs))
	}

	accounts := NewAccountHandler(d.Store)
	conversations := NewContactHandler(d.Store)
	dashboard := NewDashboardHandler(d.Store, d.Transport)
	flows := NewAutomationHandler(d.Store, d.Engine, d.Scheduler)
	campaigns := NewBroadcastHandler(d.Store, d.Campaigns)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/accounts", accounts.ListAccounts)
		apiGroup.POST("/accounts", accounts.CreateAccount)
		apiGroup.PUT("/accounts/:id/status", accounts.UpdateStatus)

		apiGroup.GET("/conversations", conversations.GetConversations)
		apiGroup.POST("/conversations", conversations.CreateConversation)
		apiGroup.PUT("/conversations/:id", conversations.UpdateConversation)

		apiGroup.GET("/messages", dashboard.GetMessages)
		apiGroup.POST("/send", dashboard.SendMessage)

		apiGroup.GET("/flows", flows.ListFlows)
		apiGroup.POST("/flows", flows.CreateFlow)
		apiGroup.GET("/flows/:id", flows.GetFlow)
		apiGroup.PUT("/flows/:id", flows.UpdateFlow)
		apiGroup.DELETE("/flows/:id", flows.DeleteFlow)
		apiGroup.POST("/flows/:id/toggle", flows.ToggleFlow)
		apiGroup.POST("/flows/:id/duplicate", flows.DuplicateFlow)
		apiGroup.POST("/flows/:id/execute", flows.ExecuteFlow)
		apiGroup.POST("/flows/:id/triggers", flows.CreateTrigger)

		apiGroup.PUT("/triggers/:id", flows.UpdateTrigger)
		apiGroup.DELETE("/triggers/:id", flows.DeleteTrigger)
		apiGroup.POST("/triggers/:id/reschedule", flows.RescheduleTrigger)

		apiGroup.GET("/executions", flows.ListExecutions)
		apiGroup.GET("/executions/:id", flows.GetExecution)
		apiGroup.POST("/executions/:id/pause", flows.PauseExecution)
		apiGroup.POST("/executions/:id/resume", flows.ResumeExecution)
		apiGroup.POST("/executions/:id/cancel", flows.CancelExecution)

		apiGroup.GET("/scheduler/status", flows.SchedulerStatus)
		apiGroup.POST("/scheduler/idle-sweep", flows.RunIdleSweep)

		apiGroup.GET("/campaigns", campaigns.ListCampaigns)
		apiGroup.POST("/campaigns", campaigns.CreateCampaign)
		apiGroup.GET("/campaigns/:id", campaigns.GetCampaign)
		apiGroup.DELETE("/campaigns/:id", campaigns.DeleteCampaign)
		apiGroup.POST("/campaigns/:id/start", campaigns.StartCampaign)
		apiGroup.POST("/campaigns/:id/pause", campaigns.PauseCampaign)
		apiGroup.POST("/campaigns/:id/resume", campaigns.ResumeCampaign)
		apiGroup.POST("/campaigns/:id/stop", campaigns.StopCampaign)
		apiGroup.GET("/campaigns/:id/progress", campaigns.GetProgress)
	}
	return r
}
