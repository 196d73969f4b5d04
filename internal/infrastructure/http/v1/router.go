// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"issuance/internal/domain/authority"
	"issuance/internal/domain/packs"
	"issuance/internal/domain/workflow"
	"issuance/internal/infrastructure/http/v1/handlers"
	"issuance/internal/infrastructure/http/v1/middleware"
	"issuance/pkg/logger"
)

// RouterConfig holds the services the API exposes.
type RouterConfig struct {
	Logger *logger.Logger

	Workflow     *workflow.Service
	Packs        *packs.Service
	Documents    *packs.DocumentService
	Authority    *authority.Service
	Audit        handlers.AuditReader
	HealthChecks map[string]handlers.Pinger

	// Idempotency is optional; nil disables X-Idempotency-Key handling.
	Idempotency middleware.IdempotencyStore

	// Callback verifies signed Authority callbacks.
	Callback middleware.SignatureConfig

	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string

	// ServiceName names the server spans.
	ServiceName string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	healthHandler := handlers.NewHealthHandler(cfg.HealthChecks)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	v1 := router.Group("/api/v1")
	authorityHandler := handlers.NewAuthorityHandler(cfg.Authority, cfg.Workflow)

	// The Authority authenticates with its signature, not as a case worker.
	v1.PUT("/authority/licence-data", middleware.Signature(cfg.Callback), authorityHandler.Callback)

	caseworker := v1.Group("")
	caseworker.Use(middleware.Caseworker())
	if cfg.Idempotency != nil {
		caseworker.Use(middleware.Idempotency(cfg.Idempotency))
	}

	registerCaseRoutes(caseworker, cfg)
	registerPackRoutes(caseworker, cfg)

	authorityGroup := caseworker.Group("/authority")
	{
		authorityGroup.GET("/requests", authorityHandler.Requests)
		authorityGroup.GET("/cases", authorityHandler.Cases)
	}

	return router
}

// registerCaseRoutes registers case-worker actions.
func registerCaseRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	h := handlers.NewCaseHandler(cfg.Workflow)

	cases := rg.Group("/cases")
	cases.POST("", h.Create)
	cases.GET("/:id", h.Get)
	cases.POST("/:id/submit", h.Submit)
	cases.POST("/:id/documents", h.AuthoriseDocuments)
	cases.POST("/:id/issue", h.Issue)
	cases.POST("/:id/variations", h.OpenVariation)
	cases.PATCH("/:id/draft", h.UpdateDraft)
	cases.POST("/:id/withdraw", h.Withdraw)
	cases.POST("/:id/revoke", h.Revoke)
	cases.POST("/:id/authority/retry", h.RetryAuthority)
}

// registerPackRoutes registers document pack reads and workbasket edits.
func registerPackRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	h := handlers.NewPackHandler(cfg.Packs, cfg.Documents, cfg.Audit)

	cases := rg.Group("/cases/:id")
	cases.GET("/packs/active", h.Active())
	cases.GET("/packs/latest", h.Latest())
	cases.GET("/packs/issued", h.Issued())
	cases.GET("/packs/revoked", h.Revoked())
	cases.GET("/packs/workbasket", h.Workbasket())
	cases.DELETE("/packs/:packId/workbasket", h.RemoveFromWorkbasket)
	cases.GET("/history/licences", h.LicenceHistory)
	cases.GET("/history/certificates", h.CertificateHistory)

	packGroup := rg.Group("/packs/:id")
	packGroup.GET("/documents", h.Documents)
	packGroup.GET("/audit", h.Audit)
}
