// Package request builds a normalised, statically-typed Request value
// from a raw incoming HTTP message, rather than a dynamically-typed
// enhancer wrapping the original request object.
package request

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/clusterkit/clusterkit/internal/trustproxy"
)

// Request is the framework's normalised view of one HTTP request, built
// once per request. Enhance leaves Params empty and Body nil; there are
// no setters, so whoever fills them assigns the exported fields directly.
type Request struct {
	Method   string
	URL      *url.URL
	RawURL   string
	Query    map[string][]string
	Params   map[string]string
	Body     []byte
	Cookies  map[string]string
	Headers  http.Header

	IP          string
	IPs         []string
	Protocol    string
	Secure      bool
	Hostname    string
	Subdomains  []string
	XHR         bool
}

// Get is a case-insensitive single-value header accessor.
func (r *Request) Get(name string) string {
	return r.Headers.Get(name)
}

// Enhancer builds Request values using a shared trust-proxy resolver.
type Enhancer struct {
	trust *trustproxy.Resolver
}

// NewEnhancer binds an Enhancer to a trust-proxy resolver.
func NewEnhancer(trust *trustproxy.Resolver) *Enhancer {
	return &Enhancer{trust: trust}
}

// Enhance builds a normalised Request from a raw *http.Request. peerIP is
// the bare socket-peer address (host, no port) — callers strip the port
// from RemoteAddr before calling this.
func (e *Enhancer) Enhance(r *http.Request, peerIP string) *Request {
	parsed, err := url.Parse(r.RequestURI)
	query := map[string][]string{}
	rawURL := r.RequestURI
	if err != nil || parsed == nil {
		parsed = &url.URL{Path: r.URL.Path}
	} else {
		for k, v := range parsed.Query() {
			query[k] = v
		}
	}

	cookies := map[string]string{}
	for _, c := range r.Cookies() {
		if decoded, derr := url.QueryUnescape(c.Value); derr == nil {
			cookies[c.Name] = decoded
		} else {
			cookies[c.Name] = c.Value
		}
	}

	var forwardedFor []string
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			forwardedFor = append(forwardedFor, strings.TrimSpace(hop))
		}
	}

	ip, ips := peerIP, []string{peerIP}
	if e.trust != nil {
		ip, ips = e.trust.Resolve(peerIP, forwardedFor)
	}

	protocol := "http"
	secure := false
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		protocol = "https"
		secure = true
	}

	hostname := r.Host
	if h, _, found := strings.Cut(r.Host, ":"); found {
		hostname = h
	}
	subdomains := subdomainsOf(hostname)

	return &Request{
		Method:     r.Method,
		URL:        parsed,
		RawURL:     rawURL,
		Query:      query,
		Params:     map[string]string{},
		Cookies:    cookies,
		Headers:    r.Header,
		IP:         ip,
		IPs:        ips,
		Protocol:   protocol,
		Secure:     secure,
		Hostname:   hostname,
		Subdomains: subdomains,
		XHR:        strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest"),
	}
}

// subdomainsOf returns every label left of the hostname's last two
// labels, in left-to-right reading order (e.g. "a.b.example.com" ->
// ["a","b"]); a hostname of two labels or fewer yields nil.
func subdomainsOf(hostname string) []string {
	labels := strings.Split(hostname, ".")
	if len(labels) <= 2 {
		return nil
	}
	return labels[:len(labels)-2]
}

// SortedQueryKeys returns query keys in sorted order, useful for plugin
// fingerprinting and logging.
func SortedQueryKeys(q map[string][]string) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
