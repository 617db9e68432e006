package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseText(t *testing.T) {
	meta := ParseText([]string{"scheme=https", "version=1", "junk", "k=a=b"})
	assert.Equal(t, map[string]string{"scheme": "https", "version": "1", "k": "a=b"}, meta)
}

func TestServiceInfoURL(t *testing.T) {
	info := &ServiceInfo{Port: 8000, IPs: []string{"192.168.1.5"}, Meta: map[string]string{}}
	assert.Equal(t, "http://192.168.1.5:8000", info.URL())

	info.Meta[MetaScheme] = "https"
	assert.Equal(t, "https://192.168.1.5:8000", info.URL())
}

func TestDiscovery(t *testing.T) {
	// multicast is often unavailable in CI containers
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	port := 12345
	require.NoError(t, advertiser.Start("test-rendezvous", port, map[string]string{MetaVersion: "1"}))
	defer advertiser.Stop()

	// Give it a moment to announce
	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	require.NoError(t, err)

	found := false
	for info := range ch {
		if info.Port == port && info.Meta[MetaVersion] == "1" {
			found = true
			assert.NotEmpty(t, info.IPs)
			break
		}
	}
	assert.True(t, found, "failed to discover the test service")
}
