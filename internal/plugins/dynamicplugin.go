package plugins

// DynamicPlugin is what the HTTP admin registration surface registers: a
// plugin carrying only the metadata supplied in the request body. It
// always succeeds and continues the chain, since admin-registered
// plugins (allow-listed to performance/cache/monitoring) exist to be
// tracked and reported on through the registry, not to run custom
// in-process request logic supplied over the wire.
type DynamicPlugin struct {
	meta Meta
}

// NewDynamicPlugin builds a DynamicPlugin from already-validated metadata.
func NewDynamicPlugin(meta Meta) *DynamicPlugin {
	return &DynamicPlugin{meta: meta}
}

// Meta implements Plugin.
func (p *DynamicPlugin) Meta() Meta { return p.meta }

// Execute implements Plugin.
func (p *DynamicPlugin) Execute(ctx *RequestContext) Result {
	return Result{Success: true, ShouldContinue: true}
}
