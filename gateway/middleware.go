package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorKey = "storefront.actor"

func loggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// identityMiddleware resolves the caller once per request. Visitors without a
// session or a usable guest cookie get a fresh guest token in a new cookie.
func (g *Gateway) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cookie, _ := c.Cookie(g.config.Guest.CookieName)

		res, err := g.services.Identity.Resolve(c.Request.Context(), identity.Credentials{
			BearerToken: bearerToken(c),
			GuestCookie: cookie,
		})
		if err != nil {
			g.fail(c, err)
			return
		}
		if res.NewGuest {
			g.setGuestCookie(c, res.Actor.GuestToken)
		}

		c.Set(actorKey, res.Actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) identity.Actor {
	if v, ok := c.Get(actorKey); ok {
		if a, ok := v.(identity.Actor); ok {
			return a
		}
	}
	return identity.Actor{}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (g *Gateway) setGuestCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(g.config.Guest.CookieName, token, int(g.config.Guest.MaxAge.Seconds()), "/",
		g.config.Guest.Domain, g.config.Guest.Secure, true)
}

func (g *Gateway) clearGuestCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(g.config.Guest.CookieName, "", -1, "/", g.config.Guest.Domain, g.config.Guest.Secure, true)
}

func requireUser(c *gin.Context) (string, error) {
	token := bearerToken(c)
	if token == "" {
		return "", apperr.Unauthorized("authentication required")
	}
	return token, nil
}
