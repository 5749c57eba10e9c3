package metrics

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Loop metrics
	LoopTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_loop_ticks_total",
			Help: "Total scheduling loop ticks by outcome",
		},
		[]string{"outcome"},
	)

	LoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktime_loop_tick_duration_seconds",
			Help:    "Execution time of one loop tick",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	LoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_loop_errors_total",
			Help: "Errors caught at the loop boundary",
		},
		[]string{"kind"},
	)

	// Decision metrics
	BlockingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_blocking_decisions_total",
			Help: "Ticks that blocked an app, by blocking reason",
		},
		[]string{"category", "reason"},
	)

	CategoryRemainingSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ktime_category_remaining_seconds",
			Help: "Remaining time including extra time for counted categories",
		},
		[]string{"category"},
	)

	HandlingCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_handling_cache_hits_total",
			Help: "Category verdicts served from the snapshot cache",
		},
	)

	HandlingCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_handling_cache_misses_total",
			Help: "Category verdicts computed for a snapshot",
		},
	)

	AppDecisionCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_app_decision_cache_hits_total",
			Help: "App policy decisions served from the LRU cache",
		},
	)

	AppDecisionCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_app_decision_cache_misses_total",
			Help: "App policy decisions evaluated by OPA",
		},
	)

	// Usage metrics
	UsageSecondsCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_usage_seconds_committed_total",
			Help: "Total usage committed to storage",
		},
		[]string{"category"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_commits_total",
			Help: "Used time commits by result",
		},
		[]string{"result"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ktime_commit_duration_seconds",
			Help:    "Time spent applying a used time commit",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
	)

	RetentionRowsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_retention_rows_deleted_total",
			Help: "Rows removed by the retention sweep",
		},
		[]string{"kind"},
	)

	// Presentation metrics
	BlockingOverlayShown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ktime_blocking_overlay_shown",
			Help: "1 while the blocking overlay is shown",
		},
	)

	TimeWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ktime_time_warnings_total",
			Help: "Time warning notifications sent",
		},
	)

	RulesImportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ktime_rules_imports_total",
			Help: "Rules document imports by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		LoopTicksTotal,
		LoopTickDuration,
		LoopErrorsTotal,
		BlockingDecisionsTotal,
		CategoryRemainingSeconds,
		HandlingCacheHits,
		HandlingCacheMisses,
		AppDecisionCacheHits,
		AppDecisionCacheMisses,
		UsageSecondsCommitted,
		CommitsTotal,
		CommitDuration,
		RetentionRowsDeleted,
		BlockingOverlayShown,
		TimeWarningsTotal,
		RulesImportsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	healthy  func() bool
}

// NewServer creates a new metrics server. healthy may be nil; otherwise
// /health reports 503 while it returns false.
func NewServer(addr string, healthy func() bool, logger zerolog.Logger) *Server {
	s := &Server{
		logger:  logger.With().Str("component", "metrics").Logger(),
		healthy: healthy,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthy != nil && !s.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("STALLED"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the metrics listener and serves in the background
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")

	ln := s.listener
	if ln != nil {
		s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
	} else {
		var err error
		ln, err = net.Listen("tcp", s.server.Addr)
		if err != nil {
			return fmt.Errorf("metrics server listen on %s: %w", s.server.Addr, err)
		}
		s.listener = ln
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	err := s.server.Close()
	// Serve may not have picked up the listener yet.
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return err
}
