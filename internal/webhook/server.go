package webhook

import (
	"crypto/hmac"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ferixdi-png/TRT-sub004/internal/config"
	"github.com/ferixdi-png/TRT-sub004/internal/telegram"
)

// headerSecretToken carries the webhook secret registered with setWebhook.
const headerSecretToken = "X-Telegram-Bot-Api-Secret-Token"

// Server owns the HTTP surface: the webhook endpoint and the health check.
type Server struct {
	config     config.WebhookConfig
	service    string
	secret     string
	dispatcher *Dispatcher
	lease      LeaseStatus
	logger     *slog.Logger
	engine     *gin.Engine
}

// NewServer configures the Gin engine with all routes.
func NewServer(cfg config.WebhookConfig, service, secret string, dispatcher *Dispatcher, lease LeaseStatus, logger *slog.Logger) *Server {
	s := &Server{
		config:     cfg,
		service:    service,
		secret:     secret,
		dispatcher: dispatcher,
		lease:      lease,
		logger:     logger,
	}

	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))

	// Health check endpoint
	r.GET("/health", s.handleHealth)

	// Telegram delivers updates here
	r.POST(cfg.Path, s.handleUpdate)

	s.engine = r
	return s
}

// Engine exposes the router, for the HTTP server and for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// handleUpdate is the hot path. It authenticates, decodes, hands the update
// to the dispatcher and acks; anything slower runs detached. A non-2xx makes
// Telegram retry the same update, so only authentication failures refuse:
// a body we cannot parse is acked and dropped because a retry would carry
// the same bytes.
func (s *Server) handleUpdate(c *gin.Context) {
	start := time.Now()

	token := c.GetHeader(headerSecretToken)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing secret token"})
		return
	}
	if !hmac.Equal([]byte(token), []byte(s.secret)) {
		s.logger.Warn("Webhook secret mismatch", slog.String("ip", c.ClientIP()))
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid secret token"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		s.logger.Warn("Undecodable update dropped",
			slog.String("ip", c.ClientIP()),
			slog.Any("error", err),
		)
		s.ack(c, start)
		return
	}

	if !s.config.ProcessingEnabled {
		s.logger.Debug("Processing disabled, update dropped",
			slog.Int64("update_id", update.UpdateID),
		)
		s.ack(c, start)
		return
	}

	s.dispatcher.Dispatch(&update)
	s.ack(c, start)
}

func (s *Server) ack(c *gin.Context, start time.Time) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
	if elapsed := time.Since(start); elapsed > s.config.AckBudget {
		s.logger.Warn("Webhook ack exceeded budget",
			slog.Duration("elapsed", elapsed),
			slog.Duration("budget", s.config.AckBudget),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": s.service,
		"lock": gin.H{
			"mode":   s.lease.Mode(),
			"holder": s.lease.IsHolder(),
		},
	})
}
