package lb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/config"
)

func newTestBalancer(t *testing.T, strategy Strategy) *Balancer {
	t.Helper()
	cfg := config.LBConfig{Strategy: string(strategy), CircuitBreakerThreshold: 3, CircuitBreakerTimeoutSec: 1, StrategyCooldownSec: 0}
	b := New(cfg, nil)
	b.AddWorker("w1")
	b.AddWorker("w2")
	b.AddWorker("w3")
	return b
}

func TestPick_RoundRobinCyclesThroughWorkers(t *testing.T) {
	b := newTestBalancer(t, RoundRobin)
	seen := map[string]int{}
	for i := 0; i < 9; i++ {
		id, err := b.Pick("")
		require.NoError(t, err)
		seen[id]++
	}
	assert.Equal(t, 3, seen["w1"])
	assert.Equal(t, 3, seen["w2"])
	assert.Equal(t, 3, seen["w3"])
}

func TestPick_ExcludesOpenCircuit(t *testing.T) {
	b := newTestBalancer(t, RoundRobin)
	cb := b.CircuitBreaker("w1")
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, assertErr })
	}
	require.Equal(t, "OPEN", cb.State().String())

	for i := 0; i < 6; i++ {
		id, err := b.Pick("")
		require.NoError(t, err)
		assert.NotEqual(t, "w1", id)
	}
}

func TestPick_IPHashIsSticky(t *testing.T) {
	b := newTestBalancer(t, IPHash)
	first, err := b.Pick("203.0.113.7")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := b.Pick("203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPick_WeightedFavorsHeavierWorker(t *testing.T) {
	b := newTestBalancer(t, Weighted)
	b.SetWeight("w1", 100)
	b.SetWeight("w2", 0.1)
	b.SetWeight("w3", 0.1)

	counts := map[string]int{}
	for i := 0; i < 200; i++ {
		id, err := b.Pick("")
		require.NoError(t, err)
		counts[id]++
	}
	assert.Greater(t, counts["w1"], counts["w2"]+counts["w3"])
}

func TestSetStrategy_ThrottledByCooldown(t *testing.T) {
	cfg := config.LBConfig{Strategy: "round-robin", StrategyCooldownSec: 30}
	b := New(cfg, nil)
	require.NoError(t, b.SetStrategy(Weighted))
	assert.Error(t, b.SetStrategy(RoundRobin))
}

func TestGiniCoefficient_EvenDistributionIsZero(t *testing.T) {
	g := GiniCoefficient([]int64{10, 10, 10, 10})
	assert.InDelta(t, 0, g, 0.001)
}

func TestGiniCoefficient_SkewedDistributionIsHigh(t *testing.T) {
	g := GiniCoefficient([]int64{1, 1, 1, 100})
	assert.Greater(t, g, 0.5)
}

func TestWorkerStats_PercentileAndAverage(t *testing.T) {
	s := NewWorkerStats()
	for _, ms := range []int{10, 20, 30, 40, 50} {
		s.RecordResponseTime(time.Duration(ms) * time.Millisecond)
	}
	assert.Equal(t, 30*time.Millisecond, s.AverageResponseTime())
	assert.GreaterOrEqual(t, s.Percentile(95), 40*time.Millisecond)
}

var assertErr = errAssertFailure{}

type errAssertFailure struct{}

func (errAssertFailure) Error() string { return "forced failure" }
