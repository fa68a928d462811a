package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"pipemedic/internal/agent"
	"pipemedic/internal/session"
	"pipemedic/internal/triage"
)

const maxBodySize = 1 << 20 // 1MB

// mrRequestMessage routes merge-request creation through the normal message
// path so the conversation records it like any other turn.
const mrRequestMessage = "Create a merge request with all the fixes we discussed. " +
	"Make sure to include the MR URL in your response."

// registerRoutes sets up the webhook and session routes.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/", handleRoot(opts.Version))
	router.GET("/health", handleHealth())

	hooks := router.Group("/webhooks", webhookAuth(opts.WebhookSecret))
	hooks.POST("/gitlab", handleGitLabWebhook(opts.Triager))
	hooks.POST("/sonarqube", handleSonarQubeWebhook(opts.Triager))

	sessions := router.Group("/sessions")
	sessions.GET("/active", handleActiveSessions(opts.DB))
	sessions.GET("/:id", handleGetSession(opts.DB))
	sessions.POST("/:id/message", handleSessionMessage(opts.DB, opts.Agent))
	sessions.POST("/:id/create-mr", handleCreateMR(opts.DB, opts.Agent))
}

func handleRoot(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "CI/CD Failure Assistant",
			"version": version,
			"status":  "operational",
		})
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

// webhookAuth rejects webhook deliveries whose X-Gitlab-Token does not match
// the configured secret. An empty secret disables the check.
func webhookAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		token := c.GetHeader("X-Gitlab-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
		c.Next()
	}
}

func handleGitLabWebhook(tr *triage.Triager) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		out, err := tr.HandlePipeline(c.Request.Context(), payload)
		if err != nil {
			webhookError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleSonarQubeWebhook(tr *triage.Triager) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		out, err := tr.HandleQualityGate(c.Request.Context(), payload)
		if err != nil {
			webhookError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

// webhookError maps a triage error onto the HTTP response: unknown projects
// are the sender's problem, malformed payloads are a bad request, anything
// else is ours.
func webhookError(c *gin.Context, err error) {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.Is(err, triage.ErrNoProject):
		c.JSON(http.StatusNotFound, gin.H{"error": "no matching gitlab project"})
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	default:
		log.Printf("server: webhook: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func handleActiveSessions(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := session.ListActive(db)
		if err != nil {
			log.Printf("server: list active sessions: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out := make([]sessionSummary, 0, len(sessions))
		for i := range sessions {
			out = append(out, summarize(&sessions[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleGetSession(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := sessionDetailView(db, c.Param("id"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
				return
			}
			log.Printf("server: get session %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, detail)
	}
}

func handleSessionMessage(db *gorm.DB, svc *agent.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Message string `json:"message"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
			return
		}

		sess, err := session.Get(db, c.Param("id"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		reply, err := svc.HandleMessage(c.Request.Context(), sess, req.Message)
		if err != nil {
			log.Printf("server: message for session %s: %v", sess.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"response":          reply.Response,
			"merge_request_url": reply.MergeRequestURL,
		})
	}
}

func handleCreateMR(db *gorm.DB, svc *agent.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := session.Get(db, c.Param("id"))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		reply, err := svc.HandleMessage(c.Request.Context(), sess, mrRequestMessage)
		if err != nil {
			log.Printf("server: create MR for session %s: %v", sess.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            "success",
			"message":           "Merge request creation initiated",
			"merge_request_url": reply.MergeRequestURL,
		})
	}
}
