package plugins

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/logging"
)

const defaultMaxExecutionTime = 1000 * time.Millisecond

// ErrAlreadyRegistered is returned by Register/RegisterViaHTTP for a
// duplicate plugin id.
var ErrAlreadyRegistered = errors.New("plugins: already registered")

// ErrTypeNotAllowed is returned by RegisterViaHTTP when meta.Type is not
// on the registry's HTTP allow-list.
var ErrTypeNotAllowed = errors.New("plugins: type not allowed for http registration")

// registration is a registry entry: the plugin itself plus its lifecycle
// state and execution stats. Only stats mutate after registration.
type registration struct {
	plugin Plugin
	meta   Meta
	order  int
	state  State

	mu          sync.Mutex
	invocations int64
	successes   int64
	failures    int64
	durationsMs []float64 // bounded rolling window for p95
	lastError   string
}

const maxDurationSamples = 500

func (r *registration) recordExecution(d time.Duration, success bool, execErr error) {
	ms := float64(d.Microseconds()) / 1000.0

	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations++
	if success {
		r.successes++
	} else {
		r.failures++
		if execErr != nil {
			r.lastError = execErr.Error()
		}
	}
	r.durationsMs = append(r.durationsMs, ms)
	if len(r.durationsMs) > maxDurationSamples {
		r.durationsMs = r.durationsMs[len(r.durationsMs)-maxDurationSamples:]
	}
}

func (r *registration) stats() PluginStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sum float64
	sorted := append([]float64(nil), r.durationsMs...)
	for _, v := range sorted {
		sum += v
	}
	avg := 0.0
	if len(sorted) > 0 {
		avg = sum / float64(len(sorted))
	}
	sort.Float64s(sorted)
	p95 := percentile(sorted, 0.95)

	return PluginStats{
		Invocations: r.invocations,
		Successes:   r.successes,
		Failures:    r.failures,
		AvgMs:       avg,
		P95Ms:       p95,
		LastError:   r.lastError,
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Registry holds registered plugins keyed by id, guarded by a single mutex.
type Registry struct {
	mu         sync.Mutex
	plugins    map[string]*registration
	nextOrder  int
	logger     *slog.Logger
	allowTypes map[Type]bool // allow-list for HTTP-registered plugins
}

// NewRegistry builds an empty Registry. allowHTTPTypes gates which plugin
// types may be registered through the admin HTTP surface (core registration
// via Register has no such gate).
func NewRegistry(logger *slog.Logger, allowHTTPTypes []Type) *Registry {
	if logger == nil {
		logger = logging.Noop()
	}
	allow := make(map[Type]bool, len(allowHTTPTypes))
	for _, t := range allowHTTPTypes {
		allow[t] = true
	}
	return &Registry{
		plugins:    make(map[string]*registration),
		logger:     logger,
		allowTypes: allow,
	}
}

// Register validates and stores a new plugin. It rejects a duplicate id.
func (r *Registry) Register(p Plugin) error {
	meta := p.Meta()
	if meta.ID == "" || meta.Name == "" || meta.Version == "" {
		return fmt.Errorf("plugins: invalid plugin metadata: id/name/version required")
	}
	if meta.Priority == "" {
		meta.Priority = PriorityNormal
	}
	if meta.MaxExecutionTime <= 0 {
		meta.MaxExecutionTime = defaultMaxExecutionTime
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[meta.ID]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, meta.ID)
	}

	r.plugins[meta.ID] = &registration{
		plugin: p,
		meta:   meta,
		order:  r.nextOrder,
		state:  StateRegistered,
	}
	r.nextOrder++
	r.logger.Info("plugin registered", "id", meta.ID, "type", meta.Type, "priority", meta.Priority)
	return nil
}

// RegisterViaHTTP is Register gated by the HTTP registration type allow-list.
func (r *Registry) RegisterViaHTTP(p Plugin) error {
	meta := p.Meta()
	r.mu.Lock()
	allowed := r.allowTypes[meta.Type]
	r.mu.Unlock()
	if !allowed {
		return fmt.Errorf("%w: %q", ErrTypeNotAllowed, meta.Type)
	}
	return r.Register(p)
}

// Unregister removes a plugin from all future chain executions. In-flight
// executions already holding a reference to the plugin are unaffected.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.plugins[id]
	if !ok {
		return fmt.Errorf("plugins: %q not registered", id)
	}
	reg.state = StateTerminated
	delete(r.plugins, id)
	r.logger.Info("plugin unregistered", "id", id)
	return nil
}

// Get returns a plugin's metadata and current state by id.
func (r *Registry) Get(id string) (Meta, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.plugins[id]
	if !ok {
		return Meta{}, "", false
	}
	return reg.meta, reg.state, true
}

// GetAllByType returns metadata for every registered plugin of a type.
func (r *Registry) GetAllByType(t Type) []Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Meta
	for _, reg := range r.plugins {
		if reg.meta.Type == t {
			out = append(out, reg.meta)
		}
	}
	return out
}

// GetStats returns execution stats for one plugin.
func (r *Registry) GetStats(id string) (PluginStats, bool) {
	r.mu.Lock()
	reg, ok := r.plugins[id]
	r.mu.Unlock()
	if !ok {
		return PluginStats{}, false
	}
	return reg.stats(), true
}

// GetRegistryStats summarizes the whole registry.
func (r *Registry) GetRegistryStats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{TotalPlugins: len(r.plugins)}
	var totalAvg float64
	for _, reg := range r.plugins {
		if reg.state == StateActive {
			stats.ActivePlugins++
		}
		totalAvg += reg.stats().AvgMs
	}
	if len(r.plugins) > 0 {
		stats.AvgExecMs = totalAvg / float64(len(r.plugins))
	}
	return stats
}

// Initialize transitions every registered plugin to initialized, called
// once onServerStart hooks have completed.
func (r *Registry) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.plugins {
		if reg.state == StateRegistered {
			reg.state = StateInitialized
		}
	}
}

// Activate transitions every initialized plugin to active, making it
// callable from executeChain.
func (r *Registry) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.plugins {
		if reg.state == StateInitialized {
			reg.state = StateActive
		}
	}
}

// Drain transitions every active plugin to draining; executeChain skips
// draining plugins for new chains.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.plugins {
		if reg.state == StateActive {
			reg.state = StateDraining
		}
	}
}

// orderedActive returns active registrations ordered by priority desc
// then registration order asc, optionally filtered by type. It takes
// r.mu itself, so the caller must not hold it.
func (r *Registry) orderedActive(typeFilter *Type) []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var active []*registration
	for _, reg := range r.plugins {
		if reg.state != StateActive {
			continue
		}
		if typeFilter != nil && reg.meta.Type != *typeFilter {
			continue
		}
		active = append(active, reg)
	}
	sort.Slice(active, func(i, j int) bool {
		ri, rj := active[i].meta.Priority.rank(), active[j].meta.Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return active[i].order < active[j].order
	})
	return active
}
