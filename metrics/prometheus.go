// Package metrics provides Prometheus metrics for the consensus core and
// the HTTP server that exposes them.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all consensus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	mu sync.RWMutex

	// Import metrics
	blocksImportedTotal prometheus.Counter     // 임포트된 블록 수
	blocksRejectedTotal *prometheus.CounterVec // 종류별 거부 블록 수
	importDuration      prometheus.Histogram   // 블록 임포트 소요 시간
	headHeight          prometheus.Gauge       // 현재 헤드 높이

	// Production metrics
	blocksProducedTotal prometheus.Counter
	productionDuration  prometheus.Histogram

	// Fork choice metrics
	forkChoiceDuration prometheus.Histogram
	prunedBlocksTotal  prometheus.Counter

	// Finality metrics
	justifiedEpoch prometheus.Gauge
	finalizedEpoch prometheus.Gauge

	// Validator metrics
	validators          prometheus.Gauge
	attestationsTotal   *prometheus.CounterVec // result별 어테스테이션 수
	slashingsTotal      prometheus.Counter
	attestationPoolSize prometheus.Gauge

	// Internal tracking
	productionStart map[uint64]time.Time
	snapshot        Snapshot
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// registers on the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		productionStart: make(map[uint64]time.Time),
	}

	// Import metrics
	m.blocksImportedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_imported_total",
		Help:      "Total number of blocks imported",
	})

	m.blocksRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_rejected_total",
		Help:      "Total number of blocks rejected by error kind",
	}, []string{"kind"})

	m.importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_import_seconds",
		Help:      "Time to validate and import a block",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})

	m.headHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "head_height",
		Help:      "Number of the highest known block",
	})

	// Production metrics
	m.blocksProducedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_produced_total",
		Help:      "Total number of blocks produced and sealed locally",
	})

	m.productionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_production_seconds",
		Help:      "Time from slot start to a sealed local block",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// Fork choice metrics
	m.forkChoiceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "fork_choice_seconds",
		Help:      "Time to select a head among candidates",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
	})

	m.prunedBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fork_choice_pruned_total",
		Help:      "Total number of finalizations that pruned the block tree",
	})

	// Finality metrics
	m.justifiedEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "justified_epoch",
		Help:      "Epoch of the latest justified checkpoint",
	})

	m.finalizedEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "finalized_epoch",
		Help:      "Epoch of the latest finalized checkpoint",
	})

	// Validator metrics
	m.validators = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "validators",
		Help:      "Number of active signers or validators",
	})

	m.attestationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attestations_total",
		Help:      "Total number of attestations by result",
	}, []string{"result"})

	m.slashingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "slashings_total",
		Help:      "Total number of slashing penalties applied",
	})

	m.attestationPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attestation_pool_size",
		Help:      "Number of attestations waiting in the pool",
	})

	// Register all metrics
	reg.MustRegister(
		m.blocksImportedTotal,
		m.blocksRejectedTotal,
		m.importDuration,
		m.headHeight,
		m.blocksProducedTotal,
		m.productionDuration,
		m.forkChoiceDuration,
		m.prunedBlocksTotal,
		m.justifiedEpoch,
		m.finalizedEpoch,
		m.validators,
		m.attestationsTotal,
		m.slashingsTotal,
		m.attestationPoolSize,
	)

	return m
}

// BlockImported records a successful import of block number.
func (m *Metrics) BlockImported(number uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.blocksImportedTotal.Inc()
	m.importDuration.Observe(took.Seconds())

	m.mu.Lock()
	m.snapshot.BlocksImported++
	if number > m.snapshot.HeadHeight {
		m.snapshot.HeadHeight = number
		m.headHeight.Set(float64(number))
	}
	m.mu.Unlock()
}

// BlockRejected counts a rejected block under kind.
func (m *Metrics) BlockRejected(kind string) {
	if m == nil {
		return
	}
	m.blocksRejectedTotal.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.BlocksRejected++
	m.mu.Unlock()
}

// StartProduction records the start of local block production for slot.
func (m *Metrics) StartProduction(slot uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productionStart[slot] = time.Now()
}

// EndProduction records a sealed local block for slot.
func (m *Metrics) EndProduction(slot uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	start, exists := m.productionStart[slot]
	if exists {
		delete(m.productionStart, slot)
	}
	m.mu.Unlock()

	if exists {
		m.productionDuration.Observe(time.Since(start).Seconds())
		m.blocksProducedTotal.Inc()
	}
}

// ObserveForkChoice records the duration of one head selection.
func (m *Metrics) ObserveForkChoice(took time.Duration) {
	if m == nil {
		return
	}
	m.forkChoiceDuration.Observe(took.Seconds())
}

// Pruned counts a prune of the block tree.
func (m *Metrics) Pruned() {
	if m == nil {
		return
	}
	m.prunedBlocksTotal.Inc()
}

// SetJustified sets the justified epoch.
func (m *Metrics) SetJustified(epoch uint64) {
	if m == nil {
		return
	}
	m.justifiedEpoch.Set(float64(epoch))
	m.mu.Lock()
	m.snapshot.JustifiedEpoch = epoch
	m.mu.Unlock()
}

// SetFinalized sets the finalized epoch.
func (m *Metrics) SetFinalized(epoch uint64) {
	if m == nil {
		return
	}
	m.finalizedEpoch.Set(float64(epoch))
	m.mu.Lock()
	m.snapshot.FinalizedEpoch = epoch
	m.mu.Unlock()
}

// SetValidators sets the size of the active set.
func (m *Metrics) SetValidators(n int) {
	if m == nil {
		return
	}
	m.validators.Set(float64(n))
	m.mu.Lock()
	m.snapshot.Validators = n
	m.mu.Unlock()
}

// Attestations counts attestations under result ("accepted", "rejected",
// "expired", "evicted").
func (m *Metrics) Attestations(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.attestationsTotal.WithLabelValues(result).Add(float64(n))
}

// Slashed counts slashing penalties.
func (m *Metrics) Slashed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.slashingsTotal.Add(float64(n))
}

// SetPoolSize sets the attestation pool size.
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.attestationPoolSize.Set(float64(n))
}

// Snapshot is a point-in-time view of the main metrics values.
type Snapshot struct {
	HeadHeight     uint64 `json:"head_height"`
	BlocksImported uint64 `json:"blocks_imported"`
	BlocksRejected uint64 `json:"blocks_rejected"`
	JustifiedEpoch uint64 `json:"justified_epoch"`
	FinalizedEpoch uint64 `json:"finalized_epoch"`
	Validators     int    `json:"validators"`
}

// Snapshot returns the current values. A nil *Metrics returns zeros.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// ================================================================================
//                          HTTP server
// ================================================================================

// Server 는 프로메테우스 매트릭 / 헬스 / 상태 엔드포인트를 위한 HTTP 서버를 제공
type Server struct {
	addr   string
	server *http.Server
	ln     net.Listener
}

// NewServer creates a server for /metrics, /health and /status. gatherer
// defaults to the default registry; status may be nil.
func NewServer(addr string, gatherer prometheus.Gatherer, status func() interface{}) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		var body interface{} = struct{}{}
		if status != nil {
			body = status()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the bound address once started, or the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		_ = s.server.Serve(ln)
	}()
	return nil
}

// Serve binds and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
