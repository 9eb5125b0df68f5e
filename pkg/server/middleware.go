package server

import (
	"net/http"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// userIdentity moves the caller's id from the X-User-ID header into the
// request context. Authentication happens in front of this server.
func userIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
			if userID == "" {
				userID = access.AnonymousUser
			}
			req := c.Request()
			c.SetRequest(req.WithContext(access.WithUserID(req.Context(), userID)))
			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := zerolog.DebugLevel
			if v.Status >= http.StatusInternalServerError {
				level = zerolog.WarnLevel
			}
			ev := log.WithLevel(level).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Str("user_id", access.UserIDFromContext(c.Request().Context()))
			if v.Error != nil {
				ev = ev.Err(v.Error)
			}
			ev.Msg("request")
			return nil
		},
	})
}

// rateLimiter returns the middleware chain guarding mutation routes. Limits
// are kept per user id, falling back to the client address.
func (s *Server) rateLimiter() []echo.MiddlewareFunc {
	if s.rateLimit <= 0 {
		return nil
	}
	return []echo.MiddlewareFunc{
		middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStore(rate.Limit(s.rateLimit)),
			IdentifierExtractor: func(c echo.Context) (string, error) {
				if id := strings.TrimSpace(c.Request().Header.Get(UserIDHeader)); id != "" {
					return "user:" + id, nil
				}
				return "ip:" + c.RealIP(), nil
			},
			ErrorHandler: func(c echo.Context, err error) error {
				return writeError(c, http.StatusForbidden, "forbidden", err.Error())
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				log.Debug().Str("identifier", identifier).Msg("rate limit exceeded")
				return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			},
		}),
	}
}
