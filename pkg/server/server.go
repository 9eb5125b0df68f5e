package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/metrics"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const UserIDHeader = "X-User-ID"

// Server is the HTTP surface of the tree store: read queries, branch
// mutations and the per-conversation push stream.
type Server struct {
	echo    *echo.Echo
	addr    string
	engine  *query.Engine
	service *branch.Service
	reader  store.Reader
	bus     *events.Bus
	metrics *metrics.Metrics

	rateLimit float64
	heartbeat time.Duration

	closeOnce sync.Once
	closing   chan struct{}
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRateLimit limits mutation routes to rps requests per second per user.
// Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(s *Server) {
		s.rateLimit = rps
	}
}

// WithHeartbeat sets the interval of keep-alive comments on event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

func NewServer(addr string, engine *query.Engine, service *branch.Service, reader store.Reader, bus *events.Bus, options ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		addr:      addr,
		engine:    engine,
		service:   service,
		reader:    reader,
		bus:       bus,
		heartbeat: 15 * time.Second,
		closing:   make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}

	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(events.ContextWithCorrelationID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger())
	e.Use(userIdentity())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ok",
		})
	})
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	limit := s.rateLimiter()

	v1.GET("/conversations", s.listConversations)
	v1.GET("/conversations/:conversationID/messages", s.listMessages)
	v1.GET("/conversations/:conversationID/roots", s.listRoots)
	v1.GET("/conversations/:conversationID/events", s.streamEvents)
	v1.GET("/messages/:messageID/children", s.listChildren)

	v1.POST("/conversations/:conversationID/messages", s.send, limit...)
	v1.POST("/conversations/:conversationID/stop", s.stop, limit...)
	v1.POST("/messages/:messageID/resend", s.resend, limit...)
	v1.POST("/messages/:messageID/regenerate", s.regenerate, limit...)
	v1.DELETE("/messages/:messageID", s.deleteMessage, limit...)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open event
// streams are closed first so that shutdown does not wait on them.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("HTTP server listening")
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, "http server")
		}
		return nil
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("Shutting down HTTP server")
	return s.echo.Shutdown(shutdownCtx)
}

// Close ends all open event streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}
