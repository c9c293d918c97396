package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// descriptorKey is the echo context key the middleware stores the parsed
// descriptor under.
const descriptorKey = "auth_descriptor"

// Config controls bearer handling at the transport edge.
type Config struct {
	// Required rejects requests without a valid bearer token.
	Required bool

	// SigningKey enables HS256 verification. Empty means tokens are
	// accepted as presented.
	SigningKey []byte
}

// Middleware extracts a bearer token, parses it into a Descriptor, and
// stores it on the echo context for DescriptorFrom.
func Middleware(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				if cfg.Required {
					return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
				}
				return next(c)
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			desc, err := ParseBearer(parts[1], cfg.SigningKey)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(descriptorKey, desc)
			return next(c)
		}
	}
}

// DescriptorFrom returns the descriptor set by Middleware, or nil when
// the request was unauthenticated.
func DescriptorFrom(c echo.Context) *Descriptor {
	d, _ := c.Get(descriptorKey).(*Descriptor)
	return d
}
