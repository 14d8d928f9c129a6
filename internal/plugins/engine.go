package plugins

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/clusterkit/clusterkit/internal/cache"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// ErrChainAborted is returned when a critical plugin fails and the chain
// is aborted; the caller surfaces this as a 5xx.
var ErrChainAborted = errors.New("plugins: chain aborted by critical plugin failure")

// ChainResult is what executeChain returns.
type ChainResult struct {
	Results []Result
	Aborted bool

	// StatusCode is the aborting plugin's requested HTTP status, set
	// whenever Aborted is true from a Result.Abort (not a critical
	// execution failure, which the caller maps to a 5xx from the
	// returned error instead).
	StatusCode int
}

// Engine runs plugin chains against the Registry, honoring priority
// ordering, per-plugin execution budgets, and cacheable-plugin fingerprint
// lookups.
type Engine struct {
	registry *Registry
	hooks    *Hooks
	logger   *slog.Logger

	// execCache memoizes cacheable plugins' results by fingerprint. Keyed
	// "pluginID:fingerprint".
	execCache *cache.Cache[Result]
}

// NewEngine builds an Engine bound to a Registry and its typed Hooks.
func NewEngine(registry *Registry, hooks *Hooks, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.Noop()
	}
	if hooks == nil {
		hooks = &Hooks{}
	}
	return &Engine{
		registry:  registry,
		hooks:     hooks,
		logger:    logger,
		execCache: cache.New(cache.Options[Result]{MaxSize: 2000}),
	}
}

// ExecuteChain runs every active plugin (optionally filtered by type)
// against ctx, in priority-desc/registration-order-asc order, sequentially,
// each bounded by min(plugin.MaxExecutionTime, remaining chain budget).
func (e *Engine) ExecuteChain(ctx *RequestContext, typeFilter *Type, budget time.Duration) (ChainResult, error) {
	chain := e.registry.orderedActive(typeFilter)
	remaining := budget

	out := ChainResult{Results: make([]Result, 0, len(chain))}

	for _, reg := range chain {
		if remaining <= 0 {
			break
		}
		timeout := reg.meta.MaxExecutionTime
		if remaining < timeout {
			timeout = remaining
		}

		result, elapsed := e.runOne(reg, ctx, timeout)
		remaining -= elapsed
		reg.recordExecution(elapsed, result.Success, result.Err)
		out.Results = append(out.Results, result)

		if result.Err != nil && !result.Success {
			critical := reg.meta.Priority == PriorityCritical || reg.meta.Type == TypeSecurity
			if critical {
				out.Aborted = true
				out.StatusCode = result.StatusCode
				return out, fmt.Errorf("%w: plugin %q: %v", ErrChainAborted, reg.meta.ID, result.Err)
			}
			if result.Abort {
				out.Aborted = true
				out.StatusCode = result.StatusCode
				return out, nil
			}
			continue
		}

		if !result.ShouldContinue {
			break
		}
	}

	return out, nil
}

// runOne executes a single plugin, consulting the fingerprint cache first
// when it is cacheable. It never panics the caller: a plugin panic is
// recovered and turned into a failed Result.
func (e *Engine) runOne(reg *registration, ctx *RequestContext, timeout time.Duration) (Result, time.Duration) {
	start := time.Now()

	var fingerprint string
	if reg.meta.IsCacheable {
		fingerprint = reg.meta.ID + ":" + computeFingerprint(ctx)
		if cached, ok := e.execCache.Get(fingerprint); ok {
			return cached, time.Since(start)
		}
	}

	result := e.executeWithTimeout(reg, ctx, timeout)

	if reg.meta.IsCacheable && result.Success {
		e.execCache.Set(fingerprint, result, 60*time.Second)
	}
	return result, time.Since(start)
}

func (e *Engine) executeWithTimeout(reg *registration, ctx *RequestContext, timeout time.Duration) Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Success: false, Err: fmt.Errorf("plugins: %q panicked: %v", reg.meta.ID, r)}
			}
		}()
		done <- reg.plugin.Execute(ctx)
	}()

	if timeout <= 0 {
		timeout = defaultMaxExecutionTime
	}

	select {
	case result := <-done:
		return result
	case <-time.After(timeout):
		e.logger.Warn("plugin execution timed out", "id", reg.meta.ID, "timeout_ms", timeout.Milliseconds())
		// The callee is not forcibly cancelled; it observes no deadline
		// itself and its eventual result (if any) is simply discarded.
		return Result{Success: false, Err: fmt.Errorf("plugins: %q exceeded %s budget", reg.meta.ID, timeout)}
	}
}

// computeFingerprint hashes method+path+sorted-query+body for a cacheable
// plugin's memoization key.
func computeFingerprint(ctx *RequestContext) string {
	h := sha256.New()
	h.Write([]byte(ctx.Method))
	h.Write([]byte("\x00"))
	h.Write([]byte(ctx.Path))
	h.Write([]byte("\x00"))

	keys := make([]string, 0, len(ctx.Query))
	for k := range ctx.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte("="))
		h.Write([]byte(strings.Join(ctx.Query[k], ",")))
		h.Write([]byte("&"))
	}
	h.Write(ctx.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// Hooks returns the engine's typed hook bus for plugins and the owning
// orchestrator to subscribe against.
func (e *Engine) Hooks() *Hooks { return e.hooks }

// Registry returns the engine's backing registry.
func (e *Engine) Registry() *Registry { return e.registry }
