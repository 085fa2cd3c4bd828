// Package server provides the HTTP server for the tcloud API: account
// lifecycle, token administration, plugin dispatch and the admin event
// stream, all mounted under the configured URL prefix.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/routegroup"

	"github.com/personal-tiny-cloud/tcloud/app/auth"
	"github.com/personal-tiny-cloud/tcloud/app/events"
	"github.com/personal-tiny-cloud/tcloud/app/plugins"
	"github.com/personal-tiny-cloud/tcloud/app/server/session"
	"github.com/personal-tiny-cloud/tcloud/app/server/sse"
	"github.com/personal-tiny-cloud/tcloud/app/token"
)

// sourceURL is reported by /api/info next to the server's own description.
const sourceURL = "https://github.com/personal-tiny-cloud/tcloud"

// Server represents the HTTP server.
type Server struct {
	Deps
	Config
}

// Config holds server configuration.
type Config struct {
	Address         string
	ServerName      string
	Description     string
	Version         string
	BaseURL         string // base URL path for reverse proxy setups (e.g. /tcloud)
	ShutdownTimeout time.Duration

	PayloadSize    int64 // max JSON body size in bytes
	FileUploadSize int64 // max uploaded file size in bytes

	RequestsPerSec   float64 // max requests per second per client (rate limit)
	MaxConcurrent    int64   // max concurrent in-flight requests
	LoginConcurrency int64   // max concurrent credential checks

	IsBehindProxy  bool // trust forwarded headers for the client IP
	RegistrationOn bool // serve the register, resetpwd and token routes
	Debug          bool // add request tracing headers

	TLSCert string // certificate file; HTTPS is served when both TLS paths are set
	TLSKey  string // private key file
}

// Deps holds server dependencies.
type Deps struct {
	Auth     *auth.Service
	Tokens   *token.Service
	Sessions *session.Service
	Plugins  *plugins.Registry
	SSE      *sse.Service // optional, nil disables the admin event stream
	Events   *events.Bus  // optional, nil disables event publishing
}

// New creates a new Server instance.
func New(deps Deps, cfg Config) (*Server, error) {
	if deps.Auth == nil || deps.Sessions == nil || deps.Plugins == nil {
		return nil, fmt.Errorf("auth, sessions and plugins dependencies are required")
	}
	if cfg.RegistrationOn && deps.Tokens == nil {
		return nil, fmt.Errorf("registration requires the token service")
	}
	return &Server{Deps: deps, Config: cfg}, nil
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.Address,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no global read/write timeouts: uploads may run for minutes and the
		// event stream keeps its connection open indefinitely
	}

	// graceful shutdown
	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")

		// shutdown SSE first to close active connections (half the timeout budget)
		if s.SSE != nil {
			sseCtx, sseCancel := context.WithTimeout(context.Background(), s.shutdownTimeout()/2)
			if err := s.SSE.Shutdown(sseCtx); err != nil {
				log.Printf("[WARN] SSE shutdown error: %v", err)
			}
			sseCancel()
		}

		// shutdown HTTP server with remaining timeout budget
		httpCtx, httpCancel := context.WithTimeout(context.Background(), s.shutdownTimeout()/2)
		defer httpCancel()
		if err := httpServer.Shutdown(httpCtx); err != nil {
			log.Printf("[WARN] shutdown error: %v", err)
		}
	}()

	if s.TLSCert != "" && s.TLSKey != "" {
		reloader, err := newCertReloader(ctx, s.TLSCert, s.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to set up TLS: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{GetCertificate: reloader.GetCertificate, MinVersion: tls.VersionTLS12}
		log.Printf("[INFO] started https server on %s", s.Address)
		if err := httpServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	log.Printf("[INFO] started http server on %s", s.Address)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// handler returns the HTTP handler, wrapping routes with base URL support if configured.
func (s *Server) handler() http.Handler {
	routes := s.routes()
	if s.BaseURL == "" {
		return routes
	}
	mux := http.NewServeMux()
	// redirect /base to /base/
	mux.HandleFunc(s.BaseURL, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.BaseURL+"/", http.StatusMovedPermanently)
	})
	// strip prefix for all routes under base URL
	mux.Handle(s.BaseURL+"/", http.StripPrefix(s.BaseURL, routes))
	return mux
}

// routes configures and returns the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware (applies to all routes)
	router.Use(rest.Recoverer(log.Default()))
	if s.IsBehindProxy {
		// must be before rate limiting to limit by real client IP
		router.Use(rest.RealIP)
	}
	router.Use(
		s.rateLimiter(),
		rest.Throttle(s.maxConcurrent()),
	)
	if s.Debug {
		router.Use(rest.Trace)
	}
	router.Use(
		rest.AppInfo("tcloud", "personal-tiny-cloud", s.Version),
		rest.Ping,
	)

	router.HandleFunc("GET /api/info", s.handleInfo)

	// credential routes get a stricter throttle to slow down brute-force
	router.Group().Route(func(open *routegroup.Bundle) {
		open.Use(rest.Throttle(s.loginConcurrency()))
		open.HandleFunc("POST /api/auth/login", s.handleLogin)
		if s.RegistrationOn {
			open.HandleFunc("POST /api/auth/register", s.handleRegister)
			open.HandleFunc("POST /api/auth/resetpwd", s.handleResetPwd)
		}
	})

	// everything below resolves the caller's identity first
	router.Group().Route(func(known *routegroup.Bundle) {
		known.Use(s.Sessions.Middleware, s.validate)

		known.Group().Route(func(priv *routegroup.Bundle) {
			priv.Use(s.requireSession)
			priv.HandleFunc("GET /api/auth/logout", s.handleLogout)
			priv.HandleFunc("GET /api/auth/logoutall", s.handleLogoutAll)
			priv.HandleFunc("GET /api/auth/delete", s.handleDeleteAccount)
			priv.HandleFunc("POST /api/auth/changepwd", s.handleChangePwd)
			priv.HandleFunc("POST /api/auth/changetotp", s.handleChangeTotp)
		})

		if s.RegistrationOn {
			known.Mount("/api/token").Route(func(tok *routegroup.Bundle) {
				tok.Use(s.tokenGate)
				tok.HandleFunc("POST /new", s.handleTokenNew)
				tok.HandleFunc("GET /list", s.handleTokenList)
				tok.HandleFunc("POST /delete", s.handleTokenDelete)
			})
		}

		known.HandleFunc("POST /api/p/{plugin}", s.handlePluginCall)
		known.HandleFunc("POST /api/up/{plugin}", s.handlePluginUpload)

		// admin event stream, looks unmounted to everyone else
		if s.SSE != nil {
			known.Handle("GET /api/events", s.eventsGate(s.SSE))
		}
	})

	return router
}

// publish hands an event to the bus when one is wired.
func (s *Server) publish(action events.Action, user, detail string) {
	if s.Events != nil {
		s.Events.Publish(action, user, detail)
	}
}

// payloadSize returns the configured JSON body limit, or default 4KB if not set.
func (s *Server) payloadSize() int64 {
	if s.PayloadSize > 0 {
		return s.PayloadSize
	}
	return 4 * 1024
}

// fileUploadSize returns the configured upload limit, or default 5GB if not set.
func (s *Server) fileUploadSize() int64 {
	if s.FileUploadSize > 0 {
		return s.FileUploadSize
	}
	return 5_000_000_000
}

// requestsPerSec returns the configured rate limit (requests per second), or default 100 if not set.
func (s *Server) requestsPerSec() float64 {
	if s.RequestsPerSec > 0 {
		return s.RequestsPerSec
	}
	return 100
}

// maxConcurrent returns the configured max concurrent in-flight requests, or default 1000 if not set.
func (s *Server) maxConcurrent() int64 {
	if s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 1000
}

// loginConcurrency returns the configured login concurrency limit, or default 5 if not set.
func (s *Server) loginConcurrency() int64 {
	if s.LoginConcurrency > 0 {
		return s.LoginConcurrency
	}
	return 5
}

// shutdownTimeout returns the configured shutdown budget, or default 5s if not set.
func (s *Server) shutdownTimeout() time.Duration {
	if s.ShutdownTimeout > 0 {
		return s.ShutdownTimeout
	}
	return 5 * time.Second
}

// rateLimiter returns middleware that limits requests per second using tollbooth.
func (s *Server) rateLimiter() func(http.Handler) http.Handler {
	lmt := tollbooth.NewLimiter(s.requestsPerSec(), &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr", IndexFromRight: 0}) // use RemoteAddr (RealIP middleware sets it)
	lmt.SetBurst(int(s.requestsPerSec()))                                    // burst equals rate limit
	return func(next http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, next)
	}
}
