package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nao1215/torpool/internal/circuit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// PrometheusCollector records circuit events as Prometheus metrics. It
// implements circuit.Observer.
type PrometheusCollector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rotations  *prometheus.CounterVec
}

var _ circuit.Observer = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the torpool metrics with reg. Metrics
// already registered by an earlier collector on the same registry are
// reused.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	operations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "torpool_operations_total",
		Help: "Number of operations run through a circuit, by outcome.",
	}, []string{"circuit", "outcome"}))
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "torpool_operation_duration_seconds",
		Help:    "Time spent inside caller operations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"circuit"}))
	if err != nil {
		return nil, err
	}

	rotations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "torpool_identity_rotations_total",
		Help: "Number of NEWNYM rotations attempted, by reason and outcome.",
	}, []string{"circuit", "reason", "outcome"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		operations: operations,
		duration:   duration,
		rotations:  rotations,
	}, nil
}

// register adds c to reg, or returns the collector already registered
// under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// OperationDone implements circuit.Observer.
func (p *PrometheusCollector) OperationDone(identity string, elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	p.operations.WithLabelValues(identity, outcome(err)).Inc()
	p.duration.WithLabelValues(identity).Observe(elapsed.Seconds())
}

// IdentityRotated implements circuit.Observer.
func (p *PrometheusCollector) IdentityRotated(identity string, reason circuit.RotationReason, err error) {
	if p == nil {
		return
	}
	p.rotations.WithLabelValues(identity, string(reason), outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// Server serves /metrics over HTTP.
type Server struct {
	server *http.Server
	ln     net.Listener
	logger *slog.Logger
	done   chan struct{}
}

// Listen starts serving the metrics gathered by g on addr.
func Listen(addr string, g prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	s := &Server{
		server: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
