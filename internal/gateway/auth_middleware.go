package gateway

import (
	"errors"
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

const authContextKey = "gateway.auth"

// AuthMiddleware authenticates HTTP API requests the same way WebSocket
// upgrades are authenticated and stores the result on the echo context.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth, err := s.auth.Authenticate(c.Request())
		if err != nil {
			var gwErr *protocol.Error
			if errors.As(err, &gwErr) {
				return echo.NewHTTPError(http.StatusUnauthorized, gwErr.Message)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
		}
		c.Set(authContextKey, auth)
		return next(c)
	}
}

// RequireScope rejects requests whose identity lacks scope.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth, _ := c.Get(authContextKey).(*AuthContext)
			if auth == nil || !hasScope(auth.Scopes, scope) {
				return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+scope)
			}
			return next(c)
		}
	}
}

// RateLimitMiddleware returns a middleware that limits HTTP requests per IP.
func (s *Server) RateLimitMiddleware() echo.MiddlewareFunc {
	rl := s.cfg.Gateway.RateLimit
	if !rl.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	rps := rl.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}

	cfg := middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(rps),
				Burst: burst,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(context echo.Context, err error) error {
			return context.JSON(http.StatusForbidden, map[string]string{
				"error": "unable to identify client",
			})
		},
		DenyHandler: func(context echo.Context, identifier string, err error) error {
			return context.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
		},
	}

	return middleware.RateLimiterWithConfig(cfg)
}
