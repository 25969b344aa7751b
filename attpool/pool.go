// Package attpool holds verified attestations waiting to be tallied by the
// proof-of-stake engine.
package attpool

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/metrics"
	"github.com/ahwlsqja/eth-consensus/types"
)

/*
================================================================================
                           ATTESTATION POOL
================================================================================

  Add(att) ─► verify ─► latest per validator ─► capacity (oldest slot evicted)
                                  │
                                  ▼
               byValidator [validator] -> entry{att, added}
                                  │
  Reap(max) ◄─ slot order ────────┘      expireLoop: TTL 지난 항목 제거
                                         PruneBefore(epoch): 오래된 타깃 제거

================================================================================
*/

var (
	ErrNilAttestation = errors.New("attestation is nil")
	ErrAlreadyKnown   = errors.New("validator already has a newer or equal attestation")
	ErrPoolFull       = errors.New("attestation pool is full")
)

// Config holds pool limits.
type Config struct {
	MaxAttestations int           // 최대 보관 수
	TTL             time.Duration // 보관 시간
}

// DefaultConfig returns a pool sized for a few epochs of a large set.
func DefaultConfig() *Config {
	return &Config{
		MaxAttestations: 8192,
		TTL:             10 * time.Minute,
	}
}

// VerifyFunc rejects attestations that must not enter the pool.
type VerifyFunc func(att *types.Attestation) error

// Option configures a Pool.
type Option func(*Pool)

func WithVerifier(verify VerifyFunc) Option {
	return func(p *Pool) { p.verify = verify }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

type entry struct {
	att   *types.Attestation
	added time.Time
}

// Pool keeps the latest attestation of each validator.
type Pool struct {
	mu sync.RWMutex

	config      *Config
	byValidator map[common.Address]*entry

	verify  VerifyFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty pool.
func New(config *Config, opts ...Option) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Pool{
		config:      config,
		byValidator: make(map[common.Address]*entry),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("attpool")
	return p
}

// Start launches the expiry loop.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel

	p.wg.Add(1)
	go p.expireLoop(ctx)
	return nil
}

// Stop stops the expiry loop and waits for it to exit.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

// Add verifies att and stores it as its validator's latest attestation. An
// attestation no newer than the stored one (by target epoch, then slot) is
// rejected with ErrAlreadyKnown. When the pool is full the entry with the
// oldest slot is evicted if att is newer than it.
func (p *Pool) Add(att *types.Attestation) error {
	if att == nil {
		return ErrNilAttestation
	}
	if p.verify != nil {
		if err := p.verify(att); err != nil {
			p.metrics.Attestations("rejected", 1)
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.byValidator[att.Validator]; ok {
		if !newer(att, cur.att) {
			return ErrAlreadyKnown
		}
	} else if len(p.byValidator) >= p.config.MaxAttestations {
		if err := p.evictOldestLocked(att); err != nil {
			return err
		}
	}

	p.byValidator[att.Validator] = &entry{att: att, added: p.now()}
	p.metrics.SetPoolSize(len(p.byValidator))
	return nil
}

func newer(a, b *types.Attestation) bool {
	if a.Target.Epoch != b.Target.Epoch {
		return a.Target.Epoch > b.Target.Epoch
	}
	return a.Slot > b.Slot
}

// evictOldestLocked drops the oldest-slot entry, the earliest added first,
// to make room for att.
func (p *Pool) evictOldestLocked(att *types.Attestation) error {
	var (
		victim common.Address
		oldest *entry
	)
	for addr, e := range p.byValidator {
		if oldest == nil || e.att.Slot < oldest.att.Slot ||
			(e.att.Slot == oldest.att.Slot && e.added.Before(oldest.added)) {
			victim, oldest = addr, e
		}
	}
	if oldest == nil || att.Slot <= oldest.att.Slot {
		return ErrPoolFull
	}
	delete(p.byValidator, victim)
	p.metrics.Attestations("evicted", 1)
	return nil
}

// Reap removes and returns up to max attestations in slot order, ties broken
// by validator address. max <= 0 returns everything.
func (p *Pool) Reap(max int) []*types.Attestation {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.sortedLocked()
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	for _, att := range out {
		delete(p.byValidator, att.Validator)
	}
	p.metrics.SetPoolSize(len(p.byValidator))
	return out
}

// Pending returns every pooled attestation in slot order without removing
// them.
func (p *Pool) Pending() []*types.Attestation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedLocked()
}

func (p *Pool) sortedLocked() []*types.Attestation {
	out := make([]*types.Attestation, 0, len(p.byValidator))
	for _, e := range p.byValidator {
		out = append(out, e.att)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return bytes.Compare(out[i].Validator[:], out[j].Validator[:]) < 0
	})
	return out
}

// Get returns the pooled attestation of validator.
func (p *Pool) Get(validator common.Address) (*types.Attestation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byValidator[validator]
	if !ok {
		return nil, false
	}
	return e.att, true
}

// Size returns the number of pooled attestations.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byValidator)
}

// PruneBefore drops attestations whose target epoch is below epoch and
// returns how many were removed.
func (p *Pool) PruneBefore(epoch uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for addr, e := range p.byValidator {
		if e.att.Target.Epoch < epoch {
			delete(p.byValidator, addr)
			removed++
		}
	}
	p.metrics.Attestations("expired", removed)
	p.metrics.SetPoolSize(len(p.byValidator))
	return removed
}

// Flush removes every attestation.
func (p *Pool) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byValidator = make(map[common.Address]*entry)
	p.metrics.SetPoolSize(0)
}

// ================================================================================
//                          Expiry
// ================================================================================

func (p *Pool) expireLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.config.TTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expire()
		}
	}
}

// expire removes entries older than the TTL.
func (p *Pool) expire() int {
	if p.config.TTL <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.config.TTL)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for addr, e := range p.byValidator {
		if e.added.Before(cutoff) {
			delete(p.byValidator, addr)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("expired attestations", zap.Int("count", removed))
		p.metrics.Attestations("expired", removed)
		p.metrics.SetPoolSize(len(p.byValidator))
	}
	return removed
}
