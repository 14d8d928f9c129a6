// Package autoscaler computes a target worker count from resource and
// latency signals, gated by a cooldown so the cluster doesn't thrash.
package autoscaler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clusterkit/clusterkit/internal/config"
	"github.com/clusterkit/clusterkit/internal/logging"
)

// Action is the scaling decision for one evaluation.
type Action string

const (
	ScaleUp   Action = "scale-up"
	ScaleDown Action = "scale-down"
	NoAction  Action = "none"
)

// Signals are the inputs to one scaling evaluation.
type Signals struct {
	CPUAvg       float64
	MemAvg       float64
	P95Millis    float64
	QueueLen     int
	IdleMinutes  float64
	ActiveWorkers int
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Action  Action
	Reason  string
	Current int
	Target  int
}

// EventSink receives `scaling:triggered` notifications.
type EventSink func(reason string, current, target int)

// Scaler evaluates signals on an interval and emits scaling decisions.
type Scaler struct {
	mu     sync.Mutex
	cfg    config.AutoScalerConfig
	sink   EventSink
	logger *slog.Logger

	lastAction time.Time
}

// New builds an auto-scaler from configuration. sink may be nil.
func New(cfg config.AutoScalerConfig, sink EventSink, logger *slog.Logger) *Scaler {
	if logger == nil {
		logger = logging.Noop()
	}
	if sink == nil {
		sink = func(string, int, int) {}
	}
	return &Scaler{cfg: cfg, sink: sink, logger: logging.Component(logger, "autoscaler")}
}

func (s *Scaler) cooldown() time.Duration {
	if s.cfg.CooldownSec <= 0 {
		return 180 * time.Second
	}
	return time.Duration(s.cfg.CooldownSec) * time.Second
}

func (s *Scaler) step() int {
	if s.cfg.ScaleStep <= 0 {
		return 2
	}
	return s.cfg.ScaleStep
}

func (s *Scaler) bounds() (min, max int) {
	min, max = s.cfg.MinWorkers, s.cfg.MaxWorkers
	if min <= 0 {
		min = 2
	}
	if max <= 0 {
		max = 8
	}
	return min, max
}

func clampWorkers(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Evaluate computes and records a scaling decision from the current
// signals, respecting the cooldown. If the scaler is in cooldown, it
// still returns the decision it *would* make, tagged NoAction with a
// "cooldown" reason, so callers can observe intent without acting.
func (s *Scaler) Evaluate(signals Signals) Decision {
	if !s.cfg.Enabled {
		return Decision{Action: NoAction, Reason: "disabled", Current: signals.ActiveWorkers, Target: signals.ActiveWorkers}
	}

	min, max := s.bounds()
	step := s.step()
	current := signals.ActiveWorkers

	scaleUp := (signals.CPUAvg > s.upThreshold() || signals.MemAvg > s.memUpThreshold() ||
		signals.P95Millis > s.rtThreshold() || signals.QueueLen > s.queueThreshold()) && current < max

	scaleDown := signals.CPUAvg < s.downThreshold() && signals.MemAvg < s.memDownThreshold() &&
		signals.IdleMinutes >= s.idleThreshold() && current > min

	var decision Decision
	switch {
	case scaleUp:
		decision = Decision{Action: ScaleUp, Reason: "threshold_exceeded", Current: current, Target: clampWorkers(current+step, min, max)}
	case scaleDown:
		decision = Decision{Action: ScaleDown, Reason: "idle", Current: current, Target: clampWorkers(current-step, min, max)}
	default:
		decision = Decision{Action: NoAction, Reason: "within_thresholds", Current: current, Target: current}
	}

	s.mu.Lock()
	inCooldown := time.Since(s.lastAction) < s.cooldown()
	s.mu.Unlock()

	if decision.Action != NoAction && inCooldown {
		return Decision{Action: NoAction, Reason: "cooldown", Current: current, Target: decision.Target}
	}

	if decision.Action != NoAction {
		s.mu.Lock()
		s.lastAction = time.Now()
		s.mu.Unlock()
		s.logger.Info("scaling decision", "action", decision.Action, "reason", decision.Reason, "current", decision.Current, "target", decision.Target)
		s.sink("scaling:triggered", decision.Current, decision.Target)
	}

	return decision
}

func (s *Scaler) upThreshold() float64 {
	if s.cfg.CPUUpThreshold > 0 {
		return s.cfg.CPUUpThreshold
	}
	return 75
}

func (s *Scaler) downThreshold() float64 {
	if s.cfg.CPUDownThreshold > 0 {
		return s.cfg.CPUDownThreshold
	}
	return 25
}

func (s *Scaler) memUpThreshold() float64 {
	if s.cfg.MemUpThreshold > 0 {
		return s.cfg.MemUpThreshold
	}
	return 80
}

func (s *Scaler) memDownThreshold() float64 {
	if s.cfg.MemDownThreshold > 0 {
		return s.cfg.MemDownThreshold
	}
	return 30
}

func (s *Scaler) rtThreshold() float64 {
	if s.cfg.RTThresholdMs > 0 {
		return s.cfg.RTThresholdMs
	}
	return 500
}

func (s *Scaler) queueThreshold() int {
	if s.cfg.QueueThreshold > 0 {
		return s.cfg.QueueThreshold
	}
	return 100
}

func (s *Scaler) idleThreshold() float64 {
	if s.cfg.IdleMinutes > 0 {
		return s.cfg.IdleMinutes
	}
	return 5
}

// EvalInterval returns the configured evaluation cadence, defaulting to 30s.
func (s *Scaler) EvalInterval() time.Duration {
	if s.cfg.EvalIntervalSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.cfg.EvalIntervalSec) * time.Second
}
