// Package discovery advertises and finds p2p-share rendezvous servers on the
// local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

const (
	// ServiceType is the mDNS service type of a rendezvous server
	ServiceType = "_p2p-share._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// MetaScheme is the TXT key carrying the URL scheme of the API.
	MetaScheme = "scheme"
	// MetaVersion is the TXT key carrying the server's protocol version.
	MetaVersion = "version"
)

// ErrNotFound is returned when no server answered before the context ended.
var ErrNotFound = errors.New("no rendezvous server found on the local network")

// ServiceInfo describes one discovered server
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// URL returns the base URL of the server's API on its first address.
func (s *ServiceInfo) URL() string {
	scheme := s.Meta[MetaScheme]
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser broadcasts this process as a rendezvous server
type Advertiser struct {
	server *zeroconf.Server
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting. An empty instanceName uses the hostname.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "p2p-share"
		} else {
			instanceName = fmt.Sprintf("p2p-share-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	// nil interfaces binds every multicast-capable interface
	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	logger.Sugar.Infof("[Discovery] advertising %s on port %d", instanceName, port)
	return nil
}

// Stop stops broadcasting
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Resolver browses for rendezvous servers
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans until ctx is canceled. Only entries with an IPv4 address are
// delivered; the channel is closed when browsing ends.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := fromEntry(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] found rendezvous: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

// FindRendezvous returns the URL of the first server that answers.
func (r *Resolver) FindRendezvous(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	info, ok := <-ch
	if !ok {
		return "", ErrNotFound
	}
	return info.URL(), nil
}

func fromEntry(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         ParseText(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}

// ParseText turns key=value TXT records into a map. Records without '=' are
// ignored.
func ParseText(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		k, v, ok := strings.Cut(record, "=")
		if ok {
			meta[k] = v
		}
	}
	return meta
}
