package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/safeschool/edge/internal/auth"
	"github.com/safeschool/edge/internal/cloudapi"
	"github.com/safeschool/edge/internal/cloudsync"
	"github.com/safeschool/edge/internal/commands"
	"github.com/safeschool/edge/internal/gateways"
	"go.uber.org/zap"
)

const (
	gatewayContextKey  = "safeschool_gateway"
	operatorContextKey = "safeschool_operator"

	defaultStreamHeartbeat = 25 * time.Second
)

var (
	errMissingCluster       = errors.New("cluster manager dependency required")
	errMissingDispatcher    = errors.New("command dispatcher dependency required")
	errMissingSync          = errors.New("cloud sync service dependency required")
	errMissingOperators     = errors.New("operator token validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// OperatorTokenValidator validates operator JWTs.
type OperatorTokenValidator interface {
	ValidateToken(token string) (auth.OperatorClaims, error)
}

// Dependencies are the services behind the cloud API.
type Dependencies struct {
	Cluster    *gateways.Manager
	Dispatcher *commands.Dispatcher
	Sync       *cloudsync.Service
	Operators  OperatorTokenValidator
	Alerts     *AlertHub
	// Probe backs GET /health; nil reports healthy.
	Probe           func(ctx context.Context) error
	StreamHeartbeat time.Duration
	AllowedOrigins  []string
	Logger          *zap.Logger
}

// NewHTTPHandler builds the cloud API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Cluster == nil {
		return nil, errMissingCluster
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Sync == nil {
		return nil, errMissingSync
	}
	if deps.Operators == nil {
		return nil, errMissingOperators
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alerts := deps.Alerts
	if alerts == nil {
		alerts = NewAlertHub(0)
	}
	heartbeat := deps.StreamHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultStreamHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		cluster:         deps.Cluster,
		dispatcher:      deps.Dispatcher,
		sync:            deps.Sync,
		operators:       deps.Operators,
		alerts:          alerts,
		probe:           deps.Probe,
		streamHeartbeat: heartbeat,
		logger:          logger,
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/cloud/activate", handler.handleActivate)

	cloud := router.Group("/cloud")
	cloud.Use(handler.authorizeGateway)
	cloud.POST("/heartbeat", handler.handleHeartbeat)
	cloud.POST("/sync", handler.handleSync)
	cloud.GET("/changes", handler.handleChanges)
	cloud.GET("/commands", handler.handlePendingCommands)
	cloud.PUT("/commands/:id", handler.handleCommandReport)
	cloud.POST("/failover/notify", handler.handleFailoverNotify)
	cloud.POST("/recovery", handler.handleRecovery)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeOperator)
	admin.POST("/gateways", handler.handleProvision)
	admin.POST("/pairs", handler.handlePair)
	admin.DELETE("/pairs/:gatewayId", handler.handleUnpair)
	admin.PUT("/gateways/:id/devices", handler.handleAssign(gateways.KindDoor))
	admin.PUT("/gateways/:id/zones", handler.handleAssign(gateways.KindZone))
	admin.POST("/failover/planned", handler.handlePlannedFailover)
	admin.POST("/failover/:eventId/complete", handler.handleCompleteFailover)
	admin.GET("/sites/:siteId/cluster", handler.handleClusterStatus)
	admin.GET("/sites/:siteId/failovers", handler.handleFailoverHistory)
	admin.POST("/commands", handler.handleIssueCommand)
	admin.POST("/commands/:id/retry", handler.handleRetryCommand)
	admin.GET("/alerts/stream", handler.handleAlertStream)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Content-Encoding", cloudapi.HeaderGatewayID},
		MaxAge:       12 * time.Hour,
	}
	// Credentials are only shared with origins that were named.
	if len(origins) == 0 {
		config.AllowOrigins = []string{"*"}
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	cluster         *gateways.Manager
	dispatcher      *commands.Dispatcher
	sync            *cloudsync.Service
	operators       OperatorTokenValidator
	alerts          *AlertHub
	probe           func(ctx context.Context) error
	streamHeartbeat time.Duration
	logger          *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.probe != nil {
		if err := h.probe(c.Request.Context()); err != nil {
			h.logger.Warn("health probe failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeGateway requires the gateway bearer token and the gateway id header.
func (h *httpHandler) authorizeGateway(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	gatewayID := strings.TrimSpace(c.GetHeader(cloudapi.HeaderGatewayID))
	if !ok || gatewayID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	gateway, err := h.cluster.Authenticate(c.Request.Context(), gatewayID, token)
	if err != nil {
		status, code := statusFor(err)
		h.logger.Info("gateway authentication failed", zap.String("gateway_id", gatewayID), zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": code})
		return
	}
	c.Set(gatewayContextKey, gateway)
	c.Next()
}

// authorizeOperator requires an operator JWT carrying the operator or admin
// role. Event streams may pass the token as access_token since browsers
// cannot set headers on them.
func (h *httpHandler) authorizeOperator(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.operators.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !claims.HasRole(auth.RoleOperator, auth.RoleAdmin) {
		h.logger.Warn("operator lacks role", zap.String("subject", claims.Subject))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(operatorContextKey, claims)
	c.Next()
}

func authenticatedGateway(c *gin.Context) (gateways.Gateway, bool) {
	value, ok := c.Get(gatewayContextKey)
	if !ok {
		return gateways.Gateway{}, false
	}
	gateway, ok := value.(gateways.Gateway)
	return gateway, ok
}

func operatorSubject(c *gin.Context) string {
	value, ok := c.Get(operatorContextKey)
	if !ok {
		return ""
	}
	claims, _ := value.(auth.OperatorClaims)
	return claims.Subject
}
