package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// untracedPaths are probe and scrape endpoints that would only add noise.
var untracedPaths = []string{"/health", "/metrics", "/swagger/"}

func GinMiddleware(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName, otelgin.WithFilter(traced))
}

func traced(r *http.Request) bool {
	for _, p := range untracedPaths {
		if strings.HasPrefix(r.URL.Path, p) {
			return false
		}
	}
	return true
}
