package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
	"tarun-kavipurapu/p2p-share/pkg/transport/ws"
)

func TestSlugFromArg(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"k3m9xq2p", "k3m9xq2p"},
		{"amber/brook/cedar/delta", "amber/brook/cedar/delta"},
		{"http://127.0.0.1:8000/download/k3m9xq2p", "k3m9xq2p"},
		{"https://share.example/download/amber/brook/cedar/delta/", "amber/brook/cedar/delta"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugFromArg(tt.in), tt.in)
	}
}

func TestPublicAddress(t *testing.T) {
	addr, err := publicAddress("0.0.0.0:8001", "files.lan:9000")
	require.NoError(t, err)
	assert.Equal(t, "files.lan:9000", addr)

	addr, err = publicAddress("192.168.1.4:8001", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.4:8001", addr)

	addr, err = publicAddress("0.0.0.0:8001", "")
	require.NoError(t, err)
	assert.NotContains(t, addr, "0.0.0.0")

	_, err = publicAddress("not-an-address", "")
	assert.Error(t, err)
}

func TestTransportSelection(t *testing.T) {
	_, isWS := transportFor(ws.Scheme + "10.0.0.2:8001").(*ws.WSTransport)
	assert.True(t, isWS)
	_, isTCP := transportFor("10.0.0.2:8001").(*tcp.TCPTransport)
	assert.True(t, isTCP)

	_, err := newTransport("quic", ":0")
	assert.Error(t, err)
}
