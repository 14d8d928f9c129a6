package trustproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_UntrustedPeerIgnoresForwardedHeader(t *testing.T) {
	r, err := New(Config{NamedRanges: []namedRange{RangeLoopback}})
	require.NoError(t, err)

	ip, _ := r.Resolve("203.0.113.5", []string{"1.2.3.4"})
	assert.Equal(t, "203.0.113.5", ip, "an untrusted peer's own address is the client IP")
}

func TestResolve_TrustedPeerWalksToFirstUntrustedHop(t *testing.T) {
	r, err := New(Config{CIDRs: []string{"127.0.0.0/8", "10.0.0.0/8"}})
	require.NoError(t, err)

	// peer (10.0.0.1, trusted) <- 10.0.0.2 (trusted) <- 203.0.113.9 (client, untrusted)
	ip, _ := r.Resolve("10.0.0.1", []string{"203.0.113.9", "10.0.0.2"})
	assert.Equal(t, "203.0.113.9", ip)
}

func TestResolve_NumericHops(t *testing.T) {
	r, err := New(Config{NumericHops: 1})
	require.NoError(t, err)

	// Only 1 hop from peer is trusted; the second entry in is the client.
	ip, _ := r.Resolve("127.0.0.1", []string{"203.0.113.9", "198.51.100.2"})
	assert.Equal(t, "198.51.100.2", ip)
}

func TestNew_RejectsInvalidCIDR(t *testing.T) {
	_, err := New(Config{CIDRs: []string{"not-a-cidr"}})
	assert.Error(t, err)
}
