package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tempochess/tempo/config"
	"github.com/tempochess/tempo/gateway"
	"github.com/tempochess/tempo/identity"
	"github.com/tempochess/tempo/log"
	"github.com/tempochess/tempo/registry"
	"github.com/tempochess/tempo/rules"
	"github.com/tempochess/tempo/store"
)

// Server is the assembled service: durable store, session registry,
// persistence projector, and the client-facing gateway, managed as one
// lifecycle.
type Server struct {
	cfg    *config.Config
	lg     *log.Logger
	db     store.DB
	reg    *registry.Registry
	proj   *store.Projector
	mm     *registry.Matchmaker
	gw     *gateway.Gateway
	health *HealthChecker
	lm     *LifecycleManager

	httpSrv  *http.Server
	listener net.Listener
}

// New wires a server from configuration. The store is opened (and its
// schema ensured) here; everything else starts in Start.
func New(cfg *config.Config, lg *log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lg == nil {
		lg = log.Default()
	}

	var db store.DB
	if cfg.Store.DSN != "" {
		pg, err := store.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("server: open store: %w", err)
		}
		db = pg
	} else {
		lg.Warn("no store.dsn configured, using in-memory store")
		db = store.NewMemory()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("server: ensure schema: %w", err)
	}

	proj := store.NewProjector(store.ProjectorOptions{
		DB:      db,
		KFactor: cfg.Elo.KFactor,
		Logger:  lg,
	})
	reg := registry.New(registry.Options{
		RetireAfter:      cfg.Session.RetireAfter(),
		MaxActivePerUser: cfg.User.MaxActiveGames,
		Divergent:        proj.DivergentCount,
		Logger:           lg,
	})
	cache := registry.NewLobbyCache(cfg.Cache.LobbyTTL())
	mm := registry.NewMatchmaker(registry.MatchmakerOptions{
		Registry:        reg,
		Engine:          rules.NewEngine(),
		DisconnectGrace: cfg.Session.DisconnectGrace(),
		TickInterval:    cfg.Session.TickInterval(),
		Tolerance:       cfg.Clock.Tolerance(),
		Watcher:         proj,
		Cache:           cache,
		Logger:          lg,
	})

	var idp identity.Provider
	if cfg.Identity.JWTSecret != "" {
		idp = identity.NewJWT(cfg.Identity.JWTSecret)
	} else {
		lg.Warn("no identity.jwt.secret configured, rejecting all credentials")
		idp = identity.Static{}
	}

	gw := gateway.New(gateway.Options{
		Registry:    reg,
		Matchmaker:  mm,
		Identity:    idp,
		Moves:       db,
		Cache:       cache,
		MovesPerMin: cfg.RateLimit.MovesPerMin,
		Logger:      lg,
	})

	s := &Server{
		cfg:    cfg,
		lg:     lg.Module("server"),
		db:     db,
		reg:    reg,
		proj:   proj,
		mm:     mm,
		gw:     gw,
		health: NewHealthChecker(),
		lm:     NewLifecycleManager(DefaultLifecycleConfig()),
	}
	s.registerHealthChecks()

	// Start order: projector before registry so no session is created
	// unwatched; gateway last so no traffic lands on a half-built core.
	if err := s.lm.Register(proj, 10); err != nil {
		return nil, err
	}
	if err := s.lm.Register(reg, 20); err != nil {
		return nil, err
	}
	if err := s.lm.Register(gw, 30); err != nil {
		return nil, err
	}

	s.httpSrv = &http.Server{
		Handler:           gw.Handler(s.health),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr reports the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start brings every subsystem up and begins serving.
func (s *Server) Start() error {
	if errs := s.lm.StartAll(); len(errs) > 0 {
		s.lm.StopAll()
		return errors.Join(errs...)
	}

	ln, err := net.Listen("tcp", s.cfg.Listen.Addr())
	if err != nil {
		s.lm.StopAll()
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.lg.Info("listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.lg.Error("http server failed", "err", err)
		}
	}()
	return nil
}

// Stop drains the HTTP server, stops the subsystems in reverse order, and
// closes the store.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.lm.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.lg.Warn("http shutdown incomplete", "err", err)
	}

	var errs []error
	errs = append(errs, s.lm.StopAll()...)
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// registerHealthChecks wires the subsystem probes the /healthz report
// aggregates.
func (s *Server) registerHealthChecks() {
	s.health.RegisterSubsystem("store", CheckerFunc(func() *SubsystemHealth {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			return &SubsystemHealth{Status: StatusUnhealthy, Message: "ping failed"}
		}
		return &SubsystemHealth{Status: StatusHealthy}
	}))
	s.health.RegisterSubsystem("projector", CheckerFunc(func() *SubsystemHealth {
		if n := s.proj.DivergentCount(); n > 0 {
			return &SubsystemHealth{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d divergent sessions", n),
			}
		}
		return &SubsystemHealth{Status: StatusHealthy}
	}))
	s.health.RegisterSubsystem("registry", CheckerFunc(func() *SubsystemHealth {
		return &SubsystemHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d sessions resident", s.reg.SessionCount()),
		}
	}))
	s.health.RegisterSubsystem("gateway", CheckerFunc(func() *SubsystemHealth {
		return &SubsystemHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("%d sockets open", s.gw.ConnectionCount()),
		}
	}))
}
