package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/strom-network/strom/lib"
)

// shutdownTimeout bounds how long a draining scrape may hold up node shutdown
const shutdownTimeout = 5 * time.Second

// MetricsServer serves the prometheus scrape endpoint for the families in this package
type MetricsServer struct {
	server *http.Server
	log    lib.LoggerI
}

// NewMetricsServer() builds the scrape endpoint from the node configuration
// A disabled configuration yields a nil server whose methods are all no-ops
func NewMetricsServer(config lib.Config, log lib.LoggerI) *MetricsServer {
	if !config.MetricsEnabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &MetricsServer{
		server: &http.Server{Addr: config.MetricsAddress, Handler: mux},
		log:    log,
	}
}

// Start() serves the scrape endpoint until Stop()
func (s *MetricsServer) Start() error {
	if s == nil {
		return nil
	}
	s.log.Infof("Prometheus metrics served at http://%s/metrics", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop() drains in-flight scrapes and closes the listener
func (s *MetricsServer) Stop() error {
	if s == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
