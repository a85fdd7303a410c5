// Package exporters exposes pipeline metrics over HTTP and as SSE events.
package exporters

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler returns the Prometheus handler for every promauto-registered
// metric.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}
