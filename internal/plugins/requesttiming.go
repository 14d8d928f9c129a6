package plugins

import "time"

// RequestTimingPlugin demonstrates onRequestTiming: it publishes a
// TimingInfo event through the engine's typed hook each time the chain
// reaches it. It runs at low priority, so a request whose chain an
// earlier plugin stops publishes nothing.
type RequestTimingPlugin struct {
	hooks *Hooks
}

// NewRequestTimingPlugin binds the plugin to the hook bus it publishes on.
func NewRequestTimingPlugin(hooks *Hooks) *RequestTimingPlugin {
	return &RequestTimingPlugin{hooks: hooks}
}

// Meta implements Plugin.
func (p *RequestTimingPlugin) Meta() Meta {
	return Meta{
		ID:               "requesttiming",
		Name:             "Request Timing",
		Version:          "1.0.0",
		Type:             TypeMonitoring,
		Priority:         PriorityLow,
		MaxExecutionTime: 20 * time.Millisecond,
	}
}

// Execute implements Plugin: it always continues the chain and never fails.
func (p *RequestTimingPlugin) Execute(ctx *RequestContext) Result {
	if p.hooks != nil {
		p.hooks.OnRequestTiming.Publish(TimingInfo{
			Path:      ctx.Path,
			Method:    ctx.Method,
			ClientIP:  ctx.ClientIP,
			UserAgent: ctx.UserAgent,
			Timestamp: time.Now(),
		})
	}
	return Result{Success: true, ShouldContinue: true}
}
