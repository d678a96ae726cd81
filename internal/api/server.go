// Package api is the hub's HTTP command surface: JSON endpoints for every
// orchestrator operation plus a WebSocket status stream, and the Go client
// the CLI uses to call them.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/citinet/hubtunnel/internal/auth"
	"github.com/citinet/hubtunnel/internal/domain"
)

const shutdownTimeout = 10 * time.Second

// Orchestrator is the subset of the tunnel orchestrator the surface calls.
type Orchestrator interface {
	Setup(ctx context.Context, p domain.Provider, params domain.SetupParams) (domain.SetupHandle, error)
	SwitchProvider(ctx context.Context, p domain.Provider, params domain.SetupParams) (domain.SetupHandle, error)
	Status() domain.TunnelStatusView
	PollLogin(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Teardown(ctx context.Context) error
	Providers(ctx context.Context) []domain.ProviderInventory
}

// Server serves the command surface.
type Server struct {
	orch     Orchestrator
	verifier *auth.Verifier
	events   *Broadcaster
	log      *slog.Logger
	handler  http.Handler
}

// Options configures a Server.
type Options struct {
	AdminToken string
	Events     *Broadcaster
	Logger     *slog.Logger
}

type setupRequest struct {
	Provider  string `json:"provider"`
	LocalPort int    `json:"local_port,omitempty"`
	APIToken  string `json:"api_token,omitempty"`
	Name      string `json:"name,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

// ProviderList is the body of GET /v1/providers.
type ProviderList struct {
	Providers []domain.ProviderInventory `json:"providers"`
}

// LoginStatus is the body of GET /v1/tunnel/login.
type LoginStatus struct {
	Authenticated bool   `json:"authenticated"`
	LoginURL      string `json:"login_url,omitempty"`
}

// New builds a Server for orch. Events may be nil, in which case the status
// stream only sends the current state.
func New(orch Orchestrator, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	events := opts.Events
	if events == nil {
		events = NewBroadcaster()
	}
	s := &Server{
		orch:     orch,
		verifier: auth.NewVerifier(opts.AdminToken),
		events:   events,
		log:      logger.With("component", "api"),
	}
	s.handler = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	v1 := r.Group("/v1/tunnel", s.guardBrowser, s.requireToken)
	v1.POST("/setup", requireJSON, s.handleSetup)
	v1.POST("/switch", requireJSON, s.handleSwitch)
	v1.GET("/status", s.handleStatus)
	v1.GET("/login", s.handleLogin)
	v1.POST("/start", s.command((Orchestrator).Start))
	v1.POST("/stop", s.command((Orchestrator).Stop))
	v1.POST("/restart", s.command((Orchestrator).Restart))
	v1.DELETE("", s.command((Orchestrator).Teardown))
	v1.GET("/events", s.handleEvents)

	r.GET("/v1/providers", s.guardBrowser, s.requireToken, s.handleProviders)
	return r
}

// Serve runs the surface on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked status streams are not closed by Shutdown; they watch ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("command surface listening", "addr", ln.Addr().String(), "auth", s.verifier.Enabled())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start).Round(time.Millisecond),
	)
}

func (s *Server) requireToken(c *gin.Context) {
	if !s.verifier.Verify(auth.BearerToken(c.GetHeader("Authorization"))) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized", ErrorCode: errCodeUnauthorized})
		return
	}
	c.Next()
}

func (s *Server) handleSetup(c *gin.Context) {
	s.setup(c, "setup", s.orch.Setup)
}

func (s *Server) handleSwitch(c *gin.Context) {
	s.setup(c, "switch", s.orch.SwitchProvider)
}

func (s *Server) setup(c *gin.Context, op string, fn func(context.Context, domain.Provider, domain.SetupParams) (domain.SetupHandle, error)) {
	var req setupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, domain.NewError(op, domain.KindBadRequest, "invalid json"))
		return
	}
	p, err := domain.ParseProvider(req.Provider)
	if err != nil {
		writeError(c, domain.NewError(op, domain.KindBadRequest, err.Error()))
		return
	}
	if req.LocalPort < 0 || req.LocalPort > 65535 {
		writeError(c, domain.NewError(op, domain.KindBadRequest, "local_port must be between 1 and 65535"))
		return
	}
	handle, err := fn(c.Request.Context(), p, domain.SetupParams{
		LocalPort: req.LocalPort,
		APIToken:  domain.NewSecret(strings.TrimSpace(req.APIToken)),
		Name:      strings.TrimSpace(req.Name),
		Hostname:  strings.TrimSpace(req.Hostname),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, handle)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Status())
}

func (s *Server) handleLogin(c *gin.Context) {
	ok, err := s.orch.PollLogin(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LoginStatus{Authenticated: ok, LoginURL: s.orch.Status().LoginURL})
}

func (s *Server) handleProviders(c *gin.Context) {
	c.JSON(http.StatusOK, ProviderList{Providers: s.orch.Providers(c.Request.Context())})
}

// command adapts a blocking lifecycle operation. The response carries the
// status after the operation.
func (s *Server) command(fn func(Orchestrator, context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(s.orch, c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, s.orch.Status())
	}
}
