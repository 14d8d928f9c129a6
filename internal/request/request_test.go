package request

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/trustproxy"
)

func TestEnhance_ParsesQueryAndCookies(t *testing.T) {
	trust, err := newTrustResolver(t)
	require.NoError(t, err)

	raw, err := http.NewRequest(http.MethodGet, "http://example.com/a/b?x=1&x=2&y=z", nil)
	require.NoError(t, err)
	raw.RequestURI = "/a/b?x=1&x=2&y=z"
	raw.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	raw.Header.Set("X-Requested-With", "XMLHttpRequest")

	e := NewEnhancer(trust)
	enhanced := e.Enhance(raw, "198.51.100.1")

	assert.Equal(t, []string{"1", "2"}, enhanced.Query["x"])
	assert.Equal(t, "abc", enhanced.Cookies["session"])
	assert.True(t, enhanced.XHR)
	assert.Equal(t, "198.51.100.1", enhanced.IP)
}

func TestEnhance_FallsBackOnURLParseFailure(t *testing.T) {
	trust, err := newTrustResolver(t)
	require.NoError(t, err)

	raw := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: "/broken"},
		RequestURI: "://not a url",
		Header:     http.Header{},
	}

	e := NewEnhancer(trust)
	enhanced := e.Enhance(raw, "198.51.100.1")
	assert.Equal(t, "/broken", enhanced.URL.Path)
	assert.Empty(t, enhanced.Query)
}

func TestSubdomainsOf(t *testing.T) {
	assert.Equal(t, []string{"a"}, subdomainsOf("a.example.com"))
	assert.Nil(t, subdomainsOf("example.com"))
}

// newTrustResolver is a tiny test helper constructing a permissive trust-proxy resolver.
func newTrustResolver(t *testing.T) (*trustproxy.Resolver, error) {
	t.Helper()
	return trustproxy.New(trustproxy.Config{})
}
