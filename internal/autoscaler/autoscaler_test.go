package autoscaler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clusterkit/clusterkit/internal/config"
)

func TestEvaluate_ScalesUpOnHighCPU(t *testing.T) {
	s := New(config.AutoScalerConfig{Enabled: true, MinWorkers: 2, MaxWorkers: 8, ScaleStep: 2}, nil, nil)
	d := s.Evaluate(Signals{CPUAvg: 90, ActiveWorkers: 4})
	assert.Equal(t, ScaleUp, d.Action)
	assert.Equal(t, 6, d.Target)
}

func TestEvaluate_ScalesDownWhenIdle(t *testing.T) {
	s := New(config.AutoScalerConfig{Enabled: true, MinWorkers: 2, MaxWorkers: 8, ScaleStep: 2}, nil, nil)
	d := s.Evaluate(Signals{CPUAvg: 5, MemAvg: 5, IdleMinutes: 10, ActiveWorkers: 6})
	assert.Equal(t, ScaleDown, d.Action)
	assert.Equal(t, 4, d.Target)
}

func TestEvaluate_RespectsCooldown(t *testing.T) {
	s := New(config.AutoScalerConfig{Enabled: true, MinWorkers: 2, MaxWorkers: 8, ScaleStep: 2, CooldownSec: 180}, nil, nil)
	first := s.Evaluate(Signals{CPUAvg: 90, ActiveWorkers: 4})
	assert.Equal(t, ScaleUp, first.Action)

	second := s.Evaluate(Signals{CPUAvg: 90, ActiveWorkers: 4})
	assert.Equal(t, NoAction, second.Action)
	assert.Equal(t, "cooldown", second.Reason)
}

func TestEvaluate_ClampsToMaxWorkers(t *testing.T) {
	s := New(config.AutoScalerConfig{Enabled: true, MinWorkers: 2, MaxWorkers: 8, ScaleStep: 5}, nil, nil)
	d := s.Evaluate(Signals{CPUAvg: 90, ActiveWorkers: 6})
	assert.Equal(t, ScaleUp, d.Action)
	assert.Equal(t, 8, d.Target)
}

func TestEvaluate_DisabledNeverActs(t *testing.T) {
	s := New(config.AutoScalerConfig{Enabled: false}, nil, nil)
	d := s.Evaluate(Signals{CPUAvg: 99, ActiveWorkers: 1})
	assert.Equal(t, NoAction, d.Action)
	assert.Equal(t, "disabled", d.Reason)
}
