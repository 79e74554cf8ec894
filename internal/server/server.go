package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/auth"
	"github.com/Tyrowin/gochat-presence/internal/config"
	"github.com/Tyrowin/gochat-presence/internal/dispatch"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options wires a Server to its collaborators.
type Options struct {
	Config   config.ServerConfig
	Dispatch *dispatch.Service
	// Auth may be nil or disabled; user ids are then taken from the user_id
	// query parameter.
	Auth *auth.Verifier
	// Gatherer backs /metrics. Nil uses the default Prometheus gatherer.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Server accepts WebSocket connections and hands them to the dispatch
// service. It owns the per-connection read and keepalive goroutines.
type Server struct {
	cfg      config.ServerConfig
	dispatch *dispatch.Service
	auth     *auth.Verifier
	gatherer prometheus.Gatherer
	log      *zap.Logger
	now      func() time.Time

	origins  originPolicy
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server. The configuration is sanitized first.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	cfg := config.Sanitize(config.Config{Server: opts.Config}).Server

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		dispatch: opts.Dispatch,
		auth:     opts.Auth,
		gatherer: opts.Gatherer,
		log:      opts.Logger,
		now:      opts.Now,
		origins:  newOriginPolicy(cfg.AllowedOrigins, opts.Logger),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Close cancels in-flight inbound handling and waits for every client
// goroutine to finish, or for ctx to end. Connections themselves are closed
// by dispatch.Service.Shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all client goroutines finished")
		return nil
	case <-ctx.Done():
		s.log.Warn("client goroutines still running at shutdown deadline")
		return ctx.Err()
	}
}
