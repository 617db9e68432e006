package monitor

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// Roles used as the "role" label.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

var (
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pshare_transfer_bytes_total",
			Help: "Total file bytes sent or received",
		},
		[]string{"role"},
	)

	transferChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pshare_transfer_chunks_total",
			Help: "Total chunks sent or received",
		},
		[]string{"role"},
	)

	filesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pshare_files_completed_total",
			Help: "Files whose final chunk was sent or received",
		},
		[]string{"role"},
	)

	activePeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pshare_active_peers",
			Help: "Receivers currently connected to this sender",
		},
	)

	passwordFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pshare_password_failures_total",
			Help: "Wrong passwords submitted by receivers",
		},
	)

	malformedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pshare_malformed_messages_total",
			Help: "Inbound messages dropped as malformed or unknown",
		},
		[]string{"role"},
	)

	reportsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pshare_reports_total",
			Help: "Report connections received",
		},
	)

	channelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pshare_rendezvous_channels_active",
			Help: "Channels currently registered on the rendezvous server",
		},
	)

	rendezvousRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pshare_rendezvous_requests_total",
			Help: "Rendezvous API requests",
		},
		[]string{"endpoint", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics holds process-wide totals for the periodic log line
type Metrics struct {
	// Total bytes transferred
	TransferBytes int64
	// Number of files transferred
	TransferCount int64
	// Process start time
	ServerStart time.Time
}

// Global metrics instance
var Global = &Metrics{
	ServerStart: time.Now(),
}

// RecordChunk counts one chunk of n bytes.
func RecordChunk(role string, n int) {
	transferBytes.WithLabelValues(role).Add(float64(n))
	transferChunks.WithLabelValues(role).Inc()
	atomic.AddInt64(&Global.TransferBytes, int64(n))
}

// RecordFileCompleted counts one file whose final chunk was handled.
func RecordFileCompleted(role string) {
	filesCompleted.WithLabelValues(role).Inc()
	atomic.AddInt64(&Global.TransferCount, 1)
}

func PeerConnected()    { activePeers.Inc() }
func PeerDisconnected() { activePeers.Dec() }

func RecordPasswordFailure() { passwordFailures.Inc() }

func RecordMalformed(role string) { malformedMessages.WithLabelValues(role).Inc() }

func RecordReport() { reportsTotal.Inc() }

// SetChannelsActive sets the number of live rendezvous channels.
func SetChannelsActive(n int) { channelsActive.Set(float64(n)) }

// RecordRendezvousRequest counts one API request by endpoint and status code.
func RecordRendezvousRequest(endpoint string, status int) {
	rendezvousRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// LogPeriodic logs runtime metrics at the given interval until ctx is done.
func LogPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Sugar.Info(Summary())
		}
	}
}

// Summary formats the current runtime and throughput figures.
func Summary() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	elapsed := time.Since(Global.ServerStart).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(atomic.LoadInt64(&Global.TransferBytes)) / elapsed / 1024 / 1024
	}

	return fmt.Sprintf("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Files=%d",
		runtime.NumGoroutine(),
		m.HeapAlloc/1024/1024,
		m.HeapSys/1024/1024,
		throughput,
		atomic.LoadInt64(&Global.TransferCount),
	)
}
