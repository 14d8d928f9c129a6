// Package plugins implements the plugin registry and execution engine: typed
// registration, priority-ordered sequential chain execution with budgets,
// and typed hook subscriptions for server/request/security lifecycle events.
package plugins

import "time"

// Type classifies a plugin's purpose.
type Type string

const (
	TypeMiddleware Type = "middleware"
	TypePerformance Type = "performance"
	TypeCache      Type = "cache"
	TypeMonitoring Type = "monitoring"
	TypeSecurity   Type = "security"
	TypeOther      Type = "other"
)

// Priority controls chain ordering; higher runs first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank returns a numeric ordering for Priority, higher first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1 // normal
	}
}

// State is a plugin's lifecycle state.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialized State = "initialized"
	StateActive      State = "active"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
)

// Meta describes a plugin's identity and execution policy. Id must be
// unique and lowercase-dashed.
type Meta struct {
	ID                 string
	Name               string
	Version            string
	Type               Type
	Priority           Priority
	IsAsync            bool
	IsCacheable        bool
	MaxExecutionTime   time.Duration
}

// RequestContext is the typed payload passed to a middleware-chain
// plugin's Execute — a statically-typed value built once per request,
// not a dynamic proxy over the raw HTTP objects.
type RequestContext struct {
	Method    string
	Path      string
	Query     map[string][]string
	Headers   map[string]string
	Body      []byte
	ClientIP  string
	UserAgent string
	StartedAt time.Time

	// Data carries values written by earlier plugins in the chain for
	// later ones to read; it is request-scoped, never shared across
	// requests.
	Data map[string]any
}

// Result is what a plugin's Execute returns.
type Result struct {
	Success         bool
	ShouldContinue  bool
	ExecutionTimeMs float64
	Data            any
	Err             error

	// Abort tells the chain to stop on this plugin's failure even though
	// it is not a PriorityCritical/TypeSecurity plugin — e.g. a rate
	// limiter rejecting a request is a deliberate outcome, not a plugin
	// malfunction, so it carries its own abort signal rather than
	// borrowing the "critical" channel meant for execution failures.
	Abort bool

	// StatusCode is the HTTP status the caller should answer with when
	// Abort is set. Zero leaves the caller's default in place.
	StatusCode int
}

// TimingInfo is the onRequestTiming hook payload.
type TimingInfo struct {
	Path       string
	Method     string
	DurationMs float64
	StatusCode int
	ClientIP   string
	UserAgent  string
	Timestamp  time.Time
}

// RouteErrorInfo is the onRouteError hook payload. Snapshots are capped
// at 4KiB each by the caller before publishing.
type RouteErrorInfo struct {
	TimingInfo
	Stack       string
	BodySnap    []byte
	QuerySnap   map[string][]string
	ParamsSnap  map[string]string
	Err         error
}

// SecurityThreat is the onSecurityThreat hook payload.
type SecurityThreat struct {
	Kind      string
	ClientIP  string
	Detail    string
	Timestamp time.Time
}

// WorkerReadyInfo is the onWorkerReady hook payload.
type WorkerReadyInfo struct {
	WorkerID string
	Port     int
}

// ShutdownInfo is the onShutdown hook payload.
type ShutdownInfo struct {
	Reason  string
	Timeout time.Duration
}

// PluginStats mirrors getStats(id) per plugin.
type PluginStats struct {
	Invocations int64
	Successes   int64
	Failures    int64
	AvgMs       float64
	P95Ms       float64
	LastError   string
}

// RegistryStats mirrors getRegistryStats().
type RegistryStats struct {
	TotalPlugins  int
	ActivePlugins int
	AvgExecMs     float64
}
