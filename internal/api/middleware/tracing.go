package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
)

// NewRelicMiddleware returns a gin middleware for New Relic tracing,
// or nil when the agent is disabled
func NewRelicMiddleware(app *newrelic.Application) gin.HandlerFunc {
	if app == nil {
		return nil
	}
	return nrgin.Middleware(app)
}
