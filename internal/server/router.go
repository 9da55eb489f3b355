package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/crdt"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/projects"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	projectContextKey  = "lexisync_project"
	sessionContextKey  = "lexisync_session"
	requestIDHeader    = "X-Request-ID"
	requestIDKey       = "lexisync_request_id"
	projectIDParameter = "projectId"
	tracerName         = "github.com/MarcoPoloResearchLab/lexisync/backend/internal/server"
)

var (
	errMissingRegistry  = errors.New("project registry dependency required")
	errMissingValidator = errors.New("session validator dependency required")
)

// Dependencies wires the HTTP surface to the engine.
type Dependencies struct {
	Registry          *projects.Registry
	Sessions          *auth.SessionValidator
	Realtime          *RealtimeDispatcher
	Gatherer          prometheus.Gatherer
	Registerer        prometheus.Registerer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Sessions == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	httpMetrics, err := newHTTPMetrics(deps.Registerer)
	if err != nil {
		return nil, err
	}

	deps.Registry.OnChange(func(projectID string, added int) {
		dispatcher.Publish(RealtimeMessage{
			ProjectID: projectID,
			EventType: RealtimeEventProjectUpdated,
			Added:     added,
			Timestamp: time.Now().UTC(),
		})
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(tracingMiddleware(otel.Tracer(tracerName)))
	router.Use(accessLogMiddleware(logger, httpMetrics))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		registry:  deps.Registry,
		sessions:  deps.Sessions,
		realtime:  dispatcher,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	project := router.Group("/api/projects/:" + projectIDParameter)
	project.Use(handler.authorizeProject)
	project.GET("/sync-state", handler.handleSyncState)
	project.POST("/add-commits", handler.handleAddCommits)
	project.POST("/changes", handler.handleChanges)
	project.GET("/snapshot-at-commit/:commitId", handler.handleSnapshotAtCommit)
	project.GET("/snapshot", handler.handleSnapshot)
	project.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	registry  *projects.Registry
	sessions  *auth.SessionValidator
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeProject validates the session, checks its project scope and resolves the project.
func (h *httpHandler) authorizeProject(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err), zap.String("request_id", c.GetString(requestIDKey)))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	projectID := c.Param(projectIDParameter)
	if !claims.CanAccess(projectID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	project, err := h.registry.Get(projectID)
	if err != nil {
		if errors.Is(err, projects.ErrInvalidProject) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
			return
		}
		h.logger.Error("failed to open project", zap.String("project_id", projectID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "project_unavailable"})
		return
	}
	c.Set(sessionContextKey, claims)
	c.Set(projectContextKey, project)
	c.Next()
}

func projectFrom(c *gin.Context) *projects.Project {
	return c.MustGet(projectContextKey).(*projects.Project)
}

// respondError maps engine failures onto status codes and stable error codes.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var integrity *crdt.IntegrityError
	var serviceErr *crdt.ServiceError
	code := "internal_error"
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	span := trace.SpanFromContext(c.Request.Context())
	span.RecordError(err)

	switch {
	case errors.As(err, &integrity):
		h.logger.Warn("request rejected",
			zap.String("operation", operation),
			zap.String("code", code),
			zap.String("commit_id", integrity.CommitID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    integrity.Reason,
			"code":     code,
			"commitId": integrity.CommitID,
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("request canceled", zap.String("operation", operation))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "canceled", "code": code})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed", "code": code})
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = ksuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func tracingMiddleware(tracer trace.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracer.Start(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, route),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", c.GetString(requestIDKey)),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func accessLogMiddleware(logger *zap.Logger, metrics *httpMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.observe(c.Request.Method, route, c.Writer.Status(), elapsed)
		logger.Debug("http request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", elapsed),
		)
	}
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}
