package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"termbus/internal/logging"
)

// metrics are registered per server so several relays can live in one
// process, as they do in tests.
type metrics struct {
	registry      *prometheus.Registry
	clients       prometheus.Gauge
	relayed       prometheus.Counter
	delivered     prometheus.Counter
	malformed     prometheus.Counter
	slowConsumers prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "termbus",
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Number of connected relay clients.",
		}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Valid frames received for fan-out.",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "relay",
			Name:      "frames_delivered_total",
			Help:      "Frames written to receiving clients.",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "relay",
			Name:      "malformed_lines_total",
			Help:      "Lines dropped because they were not valid frames.",
		}),
		slowConsumers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "relay",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Clients disconnected because their outbound queue overflowed.",
		}),
	}
}

// MetricsHandler exposes the relay's metrics registry over HTTP.
func (s *Server) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
}

func (s *Server) serveMetrics(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	srv := &http.Server{
		Addr:              s.opts.MetricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		ln, err := net.Listen("tcp", s.opts.MetricsBind)
		if err != nil {
			// Metrics are optional; a busy port must not take the relay down.
			logging.WarnWithContext(s.logger, "metrics listener unavailable", "relay_metrics_bind_failed",
				logging.String("bind", s.opts.MetricsBind),
				logging.Error(err),
				logging.String(logging.FieldImpact, "relay runs without /metrics"),
				logging.String(logging.FieldErrorHint, "choose a free relay.metrics_bind"),
			)
			return nil
		}
		s.logger.Info("serving relay metrics", logging.String("bind", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	})
}
