package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/adred-codev/parkdog_dm/internal/auth"
	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/queue"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second

	// Time allowed between frames (data or pong) from the peer.
	pongWait = 30 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Largest inbound frame accepted; messages are capped far below this.
	maxFrameBytes = 64 << 10
)

type ServerConfig struct {
	Addr           string
	MaxConnections int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownGrace    time.Duration

	CORSAllowedOrigins []string

	ConnectionRateLimitEnabled bool
	ConnRateLimitIPBurst       int
	ConnRateLimitIPRate        float64
	ConnRateLimitGlobalBurst   int
	ConnRateLimitGlobalRate    float64
}

// ServerDeps are the collaborators the HTTP surface needs beyond the
// protocol Service.
type ServerDeps struct {
	Service  *Service
	Verifier auth.Verifier
	Limiter  limits.Limiter
	Queues   []queue.Queue
	Health   []HealthCheck
	System   *monitoring.SystemMonitor
	Logger   zerolog.Logger
}

// Server owns the listener, the WebSocket connections and their pumps.
type Server struct {
	config   ServerConfig
	service  *Service
	verifier auth.Verifier
	limiter  limits.Limiter
	queues   map[string]queue.Queue
	health   []HealthCheck
	system   *monitoring.SystemMonitor
	logger   zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	clients        sync.Map // *Client → struct{}
	currentConns   int64
	connectionsSem chan struct{}

	connectionRateLimiter *limits.ConnectionRateLimiter

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
	startedAt    time.Time
}

func NewServer(config ServerConfig, d ServerDeps) *Server {
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10000
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:         config,
		service:        d.Service,
		verifier:       d.Verifier,
		limiter:        d.Limiter,
		queues:         make(map[string]queue.Queue),
		health:         d.Health,
		system:         d.System,
		logger:         d.Logger.With().Str("component", "server").Logger(),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
		startedAt:      time.Now(),
	}
	for _, q := range d.Queues {
		s.queues[q.Name()] = q
	}

	if config.ConnectionRateLimitEnabled {
		s.connectionRateLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     config.ConnRateLimitIPBurst,
			IPRate:      config.ConnRateLimitIPRate,
			IPTTL:       5 * time.Minute,
			GlobalBurst: config.ConnRateLimitGlobalBurst,
			GlobalRate:  config.ConnRateLimitGlobalRate,
			Logger:      d.Logger,
		})
		s.logger.Info().Msg("Connection rate limiting enabled")
	}

	return s
}

// Handler returns the full HTTP surface: WebSocket upgrade, health,
// metrics and the REST API, behind CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", monitoring.HandleMetrics).Methods(http.MethodGet)
	s.registerAPI(r.PathPrefix("/api").Subrouter())

	origins := s.config.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.config.HTTPReadTimeout,
		WriteTimeout:   s.config.HTTPWriteTimeout,
		IdleTimeout:    s.config.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "http_serve", nil)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Int("max_connections", s.config.MaxConnections).
		Msg("Server listening")
	return nil
}

// Addr is the bound listener address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections, tells every client the server is
// going away, waits up to the grace period for their disconnect paths to
// run, then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP server shutdown returned error")
		}
	}

	remaining := atomic.LoadInt64(&s.currentConns)
	s.logger.Info().
		Int64("active_connections", remaining).
		Dur("grace_period", s.config.ShutdownGrace).
		Msg("Draining active connections")

	s.clients.Range(func(key, _ any) bool {
		c := key.(*Client)
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
		}
		c.closeWith(monitoring.DisconnectReasonServerShutdown)
		return true
	})

	deadline := time.NewTimer(s.config.ShutdownGrace)
	defer deadline.Stop()
	check := time.NewTicker(100 * time.Millisecond)
	defer check.Stop()

drain:
	for atomic.LoadInt64(&s.currentConns) > 0 {
		select {
		case <-deadline.C:
			s.logger.Warn().
				Int64("remaining_connections", atomic.LoadInt64(&s.currentConns)).
				Msg("Grace period expired with connections still open")
			break drain
		case <-ctx.Done():
			break drain
		case <-check.C:
		}
	}

	s.cancel()
	if s.connectionRateLimiter != nil {
		s.connectionRateLimiter.Stop()
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// ActiveConnections is the number of open WebSocket connections.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.currentConns)
}
