package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/discovery"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/transport"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
	"tarun-kavipurapu/p2p-share/pkg/transport/ws"
	"tarun-kavipurapu/p2p-share/rendezvous"
)

func newTransport(kind, addr string) (transport.Transport, error) {
	switch kind {
	case "tcp":
		return tcp.NewTCPTransport(addr), nil
	case "ws":
		return ws.NewWSTransport(addr), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want tcp or ws)", kind)
	}
}

// transportFor picks the transport that can dial a resolved sender address.
func transportFor(addr string) transport.Transport {
	if strings.HasPrefix(addr, ws.Scheme) {
		return ws.NewWSTransport("")
	}
	return tcp.NewTCPTransport("")
}

// publicAddress is the address receivers should dial. A wildcard listen host
// is replaced by this machine's outbound IP.
func publicAddress(bound, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	host, port, err := net.SplitHostPort(bound)
	if err != nil {
		return "", fmt.Errorf("parse listen address %s: %w", bound, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = outboundIP()
	}
	return net.JoinHostPort(host, port), nil
}

func outboundIP() string {
	// UDP dial sends nothing; it only selects a route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// rendezvousClient connects to serverURL, falling back to an mDNS browse when
// the server is unreachable and browsing is enabled.
func rendezvousClient(ctx context.Context, serverURL string, browse bool) (*rendezvous.Client, error) {
	client := rendezvous.NewClient(rendezvous.ClientConfig{BaseURL: serverURL})
	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := client.Health(hctx)
	cancel()
	if err == nil {
		return client, nil
	}
	if !browse {
		return nil, fmt.Errorf("rendezvous server %s unreachable: %w", serverURL, err)
	}

	logger.Sugar.Infof("rendezvous server %s unreachable (%v), browsing the local network", serverURL, err)
	resolver, rerr := discovery.NewResolver()
	if rerr != nil {
		return nil, fmt.Errorf("rendezvous server unreachable and mDNS unavailable: %w", rerr)
	}
	bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	found, rerr := resolver.FindRendezvous(bctx)
	if rerr != nil {
		return nil, fmt.Errorf("rendezvous server %s unreachable: %w", serverURL, errors.Join(err, rerr))
	}
	logger.Sugar.Infof("found rendezvous server at %s", found)
	return rendezvous.NewClient(rendezvous.ClientConfig{BaseURL: found}), nil
}

// serveMetrics exposes Prometheus metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", monitor.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	logger.Sugar.Infof("metrics on http://%s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Sugar.Errorf("metrics server: %v", err)
	}
}
