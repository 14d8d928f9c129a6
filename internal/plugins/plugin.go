package plugins

// Plugin is the interface every registered plugin implements. Execute
// receives the typed RequestContext built by the request enhancer and
// returns a typed Result — never a bare `any`.
type Plugin interface {
	Meta() Meta
	Execute(ctx *RequestContext) Result
}
