// Package api exposes sync triggers, actions and insights over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/actions"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/dedupe"
	"github.com/Martian-dev/mailsync/internal/insights"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Store is the persistence the handlers read and write directly.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetMessages(ctx context.Context, userID string, ids []string) ([]model.Message, error)
	CountUserMessages(ctx context.Context, userID string) (store.MessageCounts, error)
	ListRules(ctx context.Context, userID string) ([]model.Rule, error)
	CreateRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, userID, id string) error
	Ping(ctx context.Context) error
}

type AccountSyncer interface {
	SyncAccount(ctx context.Context, accountID string) sync.Result
}

type UserSyncer interface {
	SyncUser(ctx context.Context, userID string) ([]sync.Result, error)
}

type ActionRunner interface {
	Do(ctx context.Context, userID string, req actions.Request) (actions.Outcome, error)
}

type DuplicateFinder interface {
	Scan(ctx context.Context, userID string) ([]dedupe.Group, error)
}

type Insights interface {
	Newsletters(ctx context.Context, userID string) ([]insights.Newsletter, error)
	Storage(ctx context.Context, userID string) ([]insights.StorageItem, error)
	Analytics(ctx context.Context, userID string) (*insights.Analytics, error)
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Store      Store
	Runner     AccountSyncer
	Manager    UserSyncer
	Actions    ActionRunner
	Duplicates DuplicateFinder
	Insights   Insights
	Resolver   auth.UserResolver
}

type Server struct {
	router *gin.Engine
	deps   Deps
	log    zerolog.Logger
}

func NewServer(deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		router: gin.New(),
		deps:   deps,
		log:    log.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.log))
	s.router.Use(metrics.Middleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.healthz)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.deps.Resolver, s.log))

	v1.POST("/accounts/:id/sync", s.syncAccount)
	v1.POST("/sync", s.syncUser)

	v1.GET("/duplicates", s.duplicates)
	v1.POST("/actions", s.runAction)

	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.createRule)
	v1.DELETE("/rules/:id", s.deleteRule)

	v1.GET("/newsletters", s.newsletters)
	v1.GET("/storage", s.storage)
	v1.GET("/analytics", s.analytics)
	v1.GET("/stats", s.stats)
	v1.GET("/messages/:id", s.getMessage)
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-ID", reqID)
		reqLog := log.With().Str("request_id", reqID).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		c.Next()

		reqLog.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
