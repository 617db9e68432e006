// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds defaults for every p2p-share command. Command-line flags
// override these values.
type Config struct {
	// Rendezvous
	ServerAddr    string // base URL clients use to reach the rendezvous server
	ListenAddr    string // address the rendezvous server listens on
	BaseURL       string // prefix of printed share links
	RenewInterval time.Duration
	ChannelTTL    time.Duration
	ICEServers    []string
	MDNS          bool // advertise / browse the rendezvous server over mDNS

	// Peer transport
	PeerAddr  string // address a sender listens on for receivers
	Transport string // "tcp" or "ws"
	ChunkSize int

	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// S3 storage for received files (optional)
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:    envOr("P2P_SERVER_ADDR", "http://127.0.0.1:8000"),
		ListenAddr:    envOr("P2P_LISTEN_ADDR", "0.0.0.0:8000"),
		BaseURL:       envOr("P2P_BASE_URL", "http://127.0.0.1:8000"),
		RenewInterval: envDuration("P2P_RENEW_INTERVAL", 30*time.Minute),
		ChannelTTL:    envDuration("P2P_CHANNEL_TTL", time.Hour),
		ICEServers:    envList("P2P_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		MDNS:          envBool("P2P_MDNS", true),
		PeerAddr:      envOr("P2P_PEER_ADDR", "0.0.0.0:8001"),
		Transport:     envOr("P2P_TRANSPORT", "tcp"),
		ChunkSize:     envInt("P2P_CHUNK_SIZE", 256*1024),
		MetricsAddr:   envOr("P2P_METRICS_ADDR", ""),
		LogLevel:      envOr("P2P_LOG_LEVEL", envOr("LOG_LEVEL", "info")),
		LogFormat:     envOr("P2P_LOG_FORMAT", "console"),
		LogFile:       envOr("P2P_LOG_FILE", ""),
		S3Bucket:      envOr("P2P_S3_BUCKET", ""),
		S3Region:      envOr("P2P_S3_REGION", "us-east-1"),
		S3Endpoint:    envOr("P2P_S3_ENDPOINT", ""),
		S3AccessKey:   envOr("P2P_S3_ACCESS_KEY", ""),
		S3SecretKey:   envOr("P2P_S3_SECRET_KEY", ""),
	}

	if cfg.Transport != "tcp" && cfg.Transport != "ws" {
		return nil, fmt.Errorf("P2P_TRANSPORT must be tcp or ws, got %q", cfg.Transport)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("P2P_CHUNK_SIZE must be positive")
	}
	if cfg.RenewInterval >= cfg.ChannelTTL {
		return nil, fmt.Errorf("P2P_RENEW_INTERVAL (%s) must be shorter than P2P_CHANNEL_TTL (%s)", cfg.RenewInterval, cfg.ChannelTTL)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
