// Package middleware holds the gin middleware of the hoarder HTTP API.
package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/hooks"
	"github.com/rs/zerolog"
)

// secretMarkers are substrings of query keys whose values are never logged,
// e.g. password_file, api_key, or RESTIC_PASSWORD style names.
var secretMarkers = []string{"password", "secret", "token", "key", "auth", "credential"}

func secretKey(name string) bool {
	name = strings.ToLower(name)
	for _, m := range secretMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// scrubQuery masks secret query values. Values that are URLs, such as a
// hook endpoint passed for testing, lose their credentials and query string.
func scrubQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "<unparseable>"
	}

	changed := false
	for name, vals := range values {
		for i, v := range vals {
			switch {
			case secretKey(name):
				vals[i] = "***"
			case strings.Contains(v, "://"):
				vals[i] = hooks.Redact(v)
			default:
				continue
			}
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return values.Encode()
}

// quietRoutes are polled by probes and scrapers and logged at debug level
// when they succeed.
var quietRoutes = map[string]bool{"/health": true, "/metrics": true, "/version": true}

// RequestLogger logs one line per API request. Control requests that change
// daemon state (POST /backup, DELETE /locks) are always logged at info or
// above.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "api").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		case quietRoutes[c.Request.URL.Path]:
			level = zerolog.DebugLevel
		}

		event := log.WithLevel(level).
			Str("method", c.Request.Method).
			Str("route", route).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("remote", c.ClientIP())
		if q := scrubQuery(c.Request.URL.RawQuery); q != "" {
			event = event.Str("query", q)
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny); len(errs) > 0 {
			event = event.Str("errors", errs.String())
		}
		event.Msg("api request")
	}
}
