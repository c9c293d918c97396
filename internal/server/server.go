// Package server is the HTTP edge: it parses echo requests into
// dispatch contexts, routes them to the owning tenant's façade, and
// writes FHIR JSON responses.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/delivery"
	"github.com/ehr/fhirserver/internal/platform/auth"
	"github.com/ehr/fhirserver/internal/platform/middleware"
	"github.com/ehr/fhirserver/internal/tenant"
)

// Server hosts one or more tenants behind a shared echo instance.
type Server struct {
	cfg     config.Config
	log     zerolog.Logger
	echo    *echo.Echo
	tenants map[string]*tenant.Tenant
	sockets map[string]*delivery.SocketHandler
}

func New(cfg config.Config, log zerolog.Logger, tenants ...*tenant.Tenant) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		echo:    echo.New(),
		tenants: make(map[string]*tenant.Tenant),
		sockets: make(map[string]*delivery.SocketHandler),
	}
	for _, tn := range tenants {
		s.tenants[tn.Name] = tn
		s.sockets[tn.Name] = delivery.NewSocketHandler(tn.Hub(), log)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "If-Match", "If-None-Match", "If-None-Exist"},
	}))
	if cfg.SMARTAllowed {
		e.Use(auth.Middleware(auth.Config{
			Required:   cfg.SMARTRequired,
			SigningKey: []byte(cfg.SMARTSigningKey),
		}))
	}

	s.routes()
	return s
}

// Echo exposes the underlying instance for handler tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start blocks serving on the configured port.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.cfg.Port)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.GET("/:tenant/metadata", s.handleCapabilities)
	e.GET("/:tenant/.well-known/smart-configuration", s.handleSMARTConfiguration)
	e.GET("/:tenant/ws", s.handleSocket)

	e.POST("/:tenant", s.handleSystemPost)
	e.GET("/:tenant", s.handleSystemGet)
	e.DELETE("/:tenant", s.handleSystemDelete)
	e.GET("/:tenant/_search", s.handleSystemGet)

	e.POST("/:tenant/:kind", s.handleTypePost)
	e.GET("/:tenant/:kind", s.handleTypeGet)
	e.PUT("/:tenant/:kind", s.handleConditionalUpdate)
	e.DELETE("/:tenant/:kind", s.handleConditionalDelete)

	e.GET("/:tenant/:kind/:id", s.handleInstanceGet)
	e.POST("/:tenant/:kind/:id", s.handleInstancePost)
	e.PUT("/:tenant/:kind/:id", s.handleInstancePut)
	e.DELETE("/:tenant/:kind/:id", s.handleInstanceDelete)

	e.GET("/:tenant/:kind/:id/:rest", s.handleCompartmentOrOperation)
	e.POST("/:tenant/:kind/:id/:rest", s.handleCompartmentOrOperation)
}

// handleSocket upgrades the websocket subscription channel.
func (s *Server) handleSocket(c echo.Context) error {
	tn, ok := s.tenants[c.Param("tenant")]
	if !ok {
		return unknownTenant(c)
	}
	return s.sockets[tn.Name].Handle(c)
}

// handleSMARTConfiguration serves the OAuth discovery document when the
// tenant advertises SMART.
func (s *Server) handleSMARTConfiguration(c echo.Context) error {
	if _, ok := s.tenants[c.Param("tenant")]; !ok {
		return unknownTenant(c)
	}
	if !s.cfg.SMARTAllowed {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "smart is not enabled"})
	}
	base := s.cfg.BaseURL
	return c.JSON(http.StatusOK, map[string]interface{}{
		"authorization_endpoint": base + "/oauth2/authorize",
		"token_endpoint":         base + "/oauth2/token",
		"capabilities": []string{
			"launch-standalone", "client-public", "client-confidential-symmetric",
			"context-standalone-patient", "permission-patient", "permission-user",
		},
		"response_types_supported": []string{"code"},
		"scopes_supported": []string{
			"openid", "fhirUser", "launch/patient",
			"patient/*.read", "patient/*.write", "user/*.read", "user/*.write", "system/*.*",
		},
	})
}
