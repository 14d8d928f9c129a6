// Package lb picks a worker for each request using one of several
// strategies, tracks per-worker stats, and excludes workers whose
// circuit breaker is open.
package lb

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/circuitbreaker"
	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// Strategy selects which worker serves the next request.
type Strategy string

const (
	RoundRobin        Strategy = "round-robin"
	LeastConnections  Strategy = "least-connections"
	IPHash            Strategy = "ip-hash"
	Weighted          Strategy = "weighted"
	LeastResponseTime Strategy = "least-response-time"
	Adaptive          Strategy = "adaptive"
	ResourceBased     Strategy = "resource-based"
)

// ErrNoHealthyWorkers is returned when every worker is excluded by an
// open circuit (and no half-open trial is available either).
var ErrNoHealthyWorkers = errors.New("lb: no healthy workers available")

// Balancer routes requests across a pool of workers.
type Balancer struct {
	mu sync.Mutex

	strategy         Strategy
	lastStrategyChange time.Time
	cooldown         time.Duration

	workers   map[string]*WorkerStats
	order     []string // registration order, for round-robin
	rrCursor  int
	ring      *ring
	affinity  map[string]string // session key -> worker id

	breakers *circuitbreaker.Manager
	logger   *slog.Logger

	rng *rand.Rand
}

// New builds a Balancer from load-balancer configuration.
func New(cfg config.LBConfig, logger *slog.Logger) *Balancer {
	if logger == nil {
		logger = logging.Noop()
	}
	threshold := cfg.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := time.Duration(cfg.CircuitBreakerTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cooldown := time.Duration(cfg.StrategyCooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	strategy := Strategy(cfg.Strategy)
	if strategy == "" {
		strategy = RoundRobin
	}

	return &Balancer{
		strategy: strategy,
		cooldown: cooldown,
		workers:  make(map[string]*WorkerStats),
		ring:     newRing(),
		affinity: make(map[string]string),
		breakers: circuitbreaker.NewManager(threshold, timeout, logging.Component(logger, "lb.circuitbreaker")),
		logger:   logging.Component(logger, "lb"),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// AddWorker registers a worker in the pool with default weight 1.
func (b *Balancer) AddWorker(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.workers[id]; ok {
		return
	}
	b.workers[id] = NewWorkerStats()
	b.order = append(b.order, id)
	b.ring.Add(id)
}

// RemoveWorker evicts a worker from the pool and the hash ring; any
// session keys pinned to it remap to the next ring node.
func (b *Balancer) RemoveWorker(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.workers, id)
	for i, o := range b.order {
		if o == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.ring.Remove(id)
	for k, v := range b.affinity {
		if v == id {
			delete(b.affinity, k)
		}
	}
	b.breakers.Remove(id)
}

// SetWeight sets a worker's weight, used by the weighted strategy.
func (b *Balancer) SetWeight(id string, weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.workers[id]; ok {
		s.mu.Lock()
		s.Weight = weight
		s.mu.Unlock()
	}
}

// SetStrategy changes the active strategy, throttled by the 30s cooldown.
func (b *Balancer) SetStrategy(s Strategy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.lastStrategyChange) < b.cooldown {
		return errors.New("lb: strategy change is in cooldown")
	}
	b.strategy = s
	b.lastStrategyChange = time.Now()
	return nil
}

// CircuitBreaker exposes the per-worker breaker (for recordSuccess/
// recordError/Allow wiring by the transport layer).
func (b *Balancer) CircuitBreaker(id string) *circuitbreaker.CircuitBreaker {
	return b.breakers.Get(id)
}

// ResetCircuitBreaker discards a worker's breaker state, returning it
// to closed on the next request.
func (b *Balancer) ResetCircuitBreaker(id string) {
	b.breakers.Remove(id)
}

// Stats returns a worker's stats tracker, for direct recordResponseTime
// calls from the transport.
func (b *Balancer) Stats(id string) (*WorkerStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.workers[id]
	return s, ok
}

// healthyWorkers returns ids whose circuit is not open, or — if every
// worker is open — exactly one half-open-admitted id.
func (b *Balancer) healthyWorkers() []string {
	b.mu.Lock()
	ids := append([]string(nil), b.order...)
	b.mu.Unlock()

	var healthy []string
	for _, id := range ids {
		if b.breakers.Get(id).State() != circuitbreaker.StateOpen {
			healthy = append(healthy, id)
		}
	}
	if len(healthy) > 0 {
		return healthy
	}

	// All open: admit exactly one half-open trial, the first breaker
	// whose timeout has elapsed (Allow() flips it to half-open).
	for _, id := range ids {
		if b.breakers.Get(id).Allow() == nil {
			return []string{id}
		}
	}
	return nil
}

// Pick selects a worker for a request. affinityKey is the session-
// affinity key (if session affinity is enabled) or the client IP,
// used by ip-hash.
func (b *Balancer) Pick(affinityKey string) (string, error) {
	candidates := b.healthyWorkers()
	if len(candidates) == 0 {
		return "", ErrNoHealthyWorkers
	}

	b.mu.Lock()
	strategy := b.strategy
	b.mu.Unlock()

	switch strategy {
	case RoundRobin:
		return b.pickRoundRobin(candidates)
	case LeastConnections:
		return b.pickLeastConnections(candidates)
	case IPHash:
		return b.pickIPHash(candidates, affinityKey)
	case Weighted:
		return b.pickWeighted(candidates)
	case LeastResponseTime:
		return b.pickLeastResponseTime(candidates)
	case ResourceBased:
		return b.pickResourceBased(candidates)
	case Adaptive:
		return b.pickAdaptive(candidates)
	default:
		return b.pickRoundRobin(candidates)
	}
}

func (b *Balancer) pickRoundRobin(candidates []string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := toSet(candidates)
	for i := 0; i < len(b.order); i++ {
		idx := (b.rrCursor + i) % len(b.order)
		id := b.order[idx]
		if set[id] {
			b.rrCursor = (idx + 1) % len(b.order)
			return id, nil
		}
	}
	return "", ErrNoHealthyWorkers
}

func (b *Balancer) pickLeastConnections(candidates []string) (string, error) {
	return b.argmin(candidates, func(s Snapshot) float64 {
		return float64(s.ActiveConnections+s.ActiveRequests) + float64(s.AvgResponseTime.Milliseconds())/100
	})
}

func (b *Balancer) pickIPHash(candidates []string, key string) (string, error) {
	b.mu.Lock()
	if pinned, ok := b.affinity[key]; ok {
		b.mu.Unlock()
		if containsID(candidates, pinned) {
			return pinned, nil
		}
	} else {
		b.mu.Unlock()
	}

	id, ok := b.ring.Get(key)
	if !ok || !containsID(candidates, id) {
		// worker lost: remap to the next live candidate on the ring order
		return b.pickRoundRobin(candidates)
	}

	b.mu.Lock()
	b.affinity[key] = id
	b.mu.Unlock()
	return id, nil
}

func (b *Balancer) pickWeighted(candidates []string) (string, error) {
	b.mu.Lock()
	weights := make([]float64, len(candidates))
	var total float64
	for i, id := range candidates {
		w := 0.1
		if s, ok := b.workers[id]; ok {
			s.mu.Lock()
			if s.Weight > 0.1 {
				w = s.Weight
			}
			s.mu.Unlock()
		}
		weights[i] = w
		total += w
	}
	r := b.rng.Float64() * total
	b.mu.Unlock()

	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

func (b *Balancer) pickLeastResponseTime(candidates []string) (string, error) {
	return b.argmin(candidates, func(s Snapshot) float64 {
		return float64(s.AvgResponseTime.Milliseconds()) * (1 + float64(s.ActiveRequests)*0.1)
	})
}

func (b *Balancer) pickResourceBased(candidates []string) (string, error) {
	return b.argmin(candidates, func(s Snapshot) float64 {
		return (s.CPUPercent+s.MemPercent)/2 + float64(s.ActiveRequests)*10
	})
}

// pickAdaptive implements the composite score health·0.4 + performance·0.4
// + loadFactor·0.2 with ±2 jitter, falling back to round-robin when no
// worker has recorded any samples yet.
func (b *Balancer) pickAdaptive(candidates []string) (string, error) {
	type scored struct {
		id    string
		score float64
	}
	var scores []scored
	haveMetrics := false

	for _, id := range candidates {
		snap, ok := b.Stats(id)
		if !ok {
			continue
		}
		s := snap.Snapshot()
		if s.TotalRequests > 0 {
			haveMetrics = true
		}

		health := 100.0
		if b.breakers.Get(id).State() == circuitbreaker.StateHalfOpen {
			health = 50.0
		}

		responseTimeFactor := 100.0
		if s.AvgResponseTime > 0 {
			responseTimeFactor = clamp(100-float64(s.AvgResponseTime.Milliseconds())/10, 0, 100)
		}
		errorRateFactor := clamp(100*(1-s.ErrorRate), 0, 100)
		throughputFactor := clamp(float64(s.TotalRequests)/10, 0, 100)
		performance := (responseTimeFactor + errorRateFactor + throughputFactor) / 3

		loadFactor := clamp(100-float64(s.ActiveRequests)*5, 0, 100)

		composite := health*0.4 + performance*0.4 + loadFactor*0.2
		jitter := (b.rng.Float64()*4 - 2) // ±2
		scores = append(scores, scored{id, composite + jitter})
	}

	if !haveMetrics || len(scores) == 0 {
		return b.pickRoundRobin(candidates)
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	return scores[0].id, nil
}

func (b *Balancer) argmin(candidates []string, score func(Snapshot) float64) (string, error) {
	var best string
	bestScore := 0.0
	found := false
	for _, id := range candidates {
		s, ok := b.Stats(id)
		if !ok {
			continue
		}
		sc := score(s.Snapshot())
		if !found || sc < bestScore {
			best, bestScore, found = id, sc, true
		}
	}
	if !found {
		return "", ErrNoHealthyWorkers
	}
	return best, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// DistributionGini reports the Gini-based efficiency score across all
// registered workers' total request counts.
func (b *Balancer) DistributionGini() float64 {
	b.mu.Lock()
	totals := make([]int64, 0, len(b.workers))
	for _, s := range b.workers {
		totals = append(totals, s.Snapshot().TotalRequests)
	}
	b.mu.Unlock()
	return EfficiencyScore(totals)
}
