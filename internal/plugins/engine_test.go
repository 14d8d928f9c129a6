package plugins

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	meta    Meta
	result  Result
	delay   time.Duration
	calls   int
}

func (f *fakePlugin) Meta() Meta { return f.meta }
func (f *fakePlugin) Execute(ctx *RequestContext) Result {
	f.calls++
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.result
}

func newTestCtx() *RequestContext {
	return &RequestContext{Method: "GET", Path: "/x", Query: map[string][]string{}, StartedAt: time.Now()}
}

func TestRegistry_RejectsDuplicateID(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &fakePlugin{meta: Meta{ID: "a", Name: "A", Version: "1.0.0"}}
	require.NoError(t, r.Register(p))
	err := r.Register(p)
	assert.Error(t, err)
}

func TestRegistry_DefaultsAppliedOnRegister(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &fakePlugin{meta: Meta{ID: "b", Name: "B", Version: "1.0.0"}}
	require.NoError(t, r.Register(p))

	meta, state, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, meta.Priority)
	assert.Equal(t, 1000*time.Millisecond, meta.MaxExecutionTime)
	assert.Equal(t, StateRegistered, state)
}

func TestEngine_ExecutesInPriorityOrder(t *testing.T) {
	r := NewRegistry(nil, nil)

	mk := func(id string, pr Priority) *fakePlugin {
		return &fakePlugin{
			meta:   Meta{ID: id, Name: id, Version: "1.0.0", Priority: pr},
			result: Result{Success: true, ShouldContinue: true, Data: id},
		}
	}
	low := mk("low", PriorityLow)
	high := mk("high", PriorityHigh)
	normal := mk("normal", PriorityNormal)

	for _, p := range []*fakePlugin{low, high, normal} {
		require.NoError(t, r.Register(p))
	}
	r.Initialize()
	r.Activate()

	engine := NewEngine(r, &Hooks{}, nil)
	res, err := engine.ExecuteChain(newTestCtx(), nil, time.Second)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, "high", res.Results[0].Data)
	assert.Equal(t, "normal", res.Results[1].Data)
	assert.Equal(t, "low", res.Results[2].Data)

	stats := r.GetRegistryStats()
	assert.Equal(t, 3, stats.TotalPlugins)
	assert.Equal(t, 3, stats.ActivePlugins)
}

func TestEngine_AbortsChainOnCriticalFailure(t *testing.T) {
	r := NewRegistry(nil, nil)
	critical := &fakePlugin{
		meta:   Meta{ID: "critical", Name: "critical", Version: "1.0.0", Priority: PriorityCritical},
		result: Result{Success: false, Err: fmt.Errorf("boom")},
	}
	follower := &fakePlugin{
		meta:   Meta{ID: "follower", Name: "follower", Version: "1.0.0", Priority: PriorityNormal},
		result: Result{Success: true, ShouldContinue: true},
	}
	require.NoError(t, r.Register(critical))
	require.NoError(t, r.Register(follower))
	r.Initialize()
	r.Activate()

	engine := NewEngine(r, &Hooks{}, nil)
	res, err := engine.ExecuteChain(newTestCtx(), nil, time.Second)
	assert.Error(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, 0, follower.calls, "chain must not run plugins after a critical abort")
}

func TestEngine_AbortFlagStopsChainWithoutCriticalPriority(t *testing.T) {
	r := NewRegistry(nil, nil)
	limiter := &fakePlugin{
		meta:   Meta{ID: "limiter", Name: "limiter", Version: "1.0.0", Type: TypeMiddleware, Priority: PriorityHigh},
		result: Result{Success: false, Err: fmt.Errorf("rate limit exceeded"), Abort: true, StatusCode: 429},
	}
	follower := &fakePlugin{
		meta:   Meta{ID: "follower", Name: "follower", Version: "1.0.0", Priority: PriorityNormal},
		result: Result{Success: true, ShouldContinue: true},
	}
	require.NoError(t, r.Register(limiter))
	require.NoError(t, r.Register(follower))
	r.Initialize()
	r.Activate()

	engine := NewEngine(r, &Hooks{}, nil)
	res, err := engine.ExecuteChain(newTestCtx(), nil, time.Second)
	require.NoError(t, err, "a controlled abort (e.g. rate limiting) is not a chain execution error")
	assert.True(t, res.Aborted)
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, 0, follower.calls, "chain must not run plugins after an abort")
}

func TestEngine_ShouldContinueFalseStopsChainWithoutError(t *testing.T) {
	r := NewRegistry(nil, nil)
	stopper := &fakePlugin{
		meta:   Meta{ID: "stopper", Name: "stopper", Version: "1.0.0", Priority: PriorityHigh},
		result: Result{Success: true, ShouldContinue: false},
	}
	follower := &fakePlugin{
		meta:   Meta{ID: "follower", Name: "follower", Version: "1.0.0", Priority: PriorityNormal},
		result: Result{Success: true, ShouldContinue: true},
	}
	require.NoError(t, r.Register(stopper))
	require.NoError(t, r.Register(follower))
	r.Initialize()
	r.Activate()

	engine := NewEngine(r, &Hooks{}, nil)
	res, err := engine.ExecuteChain(newTestCtx(), nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, follower.calls)
	assert.Len(t, res.Results, 1)
}

func TestEngine_CacheableResultsAreMemoized(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &fakePlugin{
		meta:   Meta{ID: "cacheable", Name: "cacheable", Version: "1.0.0", IsCacheable: true},
		result: Result{Success: true, ShouldContinue: true},
	}
	require.NoError(t, r.Register(p))
	r.Initialize()
	r.Activate()

	engine := NewEngine(r, &Hooks{}, nil)
	ctx := newTestCtx()
	_, err := engine.ExecuteChain(ctx, nil, time.Second)
	require.NoError(t, err)
	_, err = engine.ExecuteChain(ctx, nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1, p.calls, "second identical request must hit the fingerprint cache, not re-execute")
}

func TestHook_PublishInvokesAllSubscribers(t *testing.T) {
	var hook Hook[int]
	got := make([]int, 0, 2)
	hook.Subscribe(func(v int) { got = append(got, v*2) })
	hook.Subscribe(func(v int) { got = append(got, v*3) })

	hook.Publish(5)
	assert.ElementsMatch(t, []int{10, 15}, got)
}
