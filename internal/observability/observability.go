package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/guardian/internal/observability/metrics"
)

// Observability bundles the digest registry with its Prometheus mirror.
type Observability struct {
	Registry *Registry
	Guardian *metrics.Guardian

	promRegistry *prometheus.Registry
}

// New creates the full observability stack on a private Prometheus
// registry.
func New() (*Observability, error) {
	promRegistry := prometheus.NewRegistry()
	guardian, err := metrics.NewGuardian(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardian metrics: %w", err)
	}
	return &Observability{
		Registry:     NewRegistry(guardian),
		Guardian:     guardian,
		promRegistry: promRegistry,
	}, nil
}

// Handler returns the Prometheus exposition handler for the /metrics route.
func (o *Observability) Handler() http.Handler {
	return promhttp.HandlerFor(o.promRegistry, promhttp.HandlerOpts{})
}
