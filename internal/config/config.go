// Package config loads relay settings from the environment, an optional
// .env file, and command-line flags bound through viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// Keys are the environment variable names. Flags bind to the same keys.
const (
	KeyPort              = "PORT"
	KeyBindAddress       = "BIND_ADDRESS"
	KeyAllowedOrigin     = "ALLOWED_ORIGIN"
	KeyTrustProxy        = "TRUST_PROXY"
	KeyBanDuration       = "BAN_DURATION"
	KeyBanSweepInterval  = "BAN_SWEEP_INTERVAL"
	KeyRateLimitWindow   = "RATE_LIMIT_WINDOW"
	KeyRateLimitMax      = "RATE_LIMIT_MAX"
	KeyReportLimitWindow = "REPORT_LIMIT_WINDOW"
	KeyReportLimitMax    = "REPORT_LIMIT_MAX"
	KeyWorkerPoolSize    = "WORKER_POOL_SIZE"
	KeyMaxConnections    = "MAX_CONNECTIONS"
	KeyReadTimeout       = "READ_TIMEOUT"
	KeyWriteTimeout      = "WRITE_TIMEOUT"
	KeySendQueueSize     = "SEND_QUEUE_SIZE"
	KeyHeartbeatInterval = "HEARTBEAT_INTERVAL"
	KeyHeartbeatTimeout  = "HEARTBEAT_TIMEOUT"
	KeyMaxSignalBytes    = "MAX_SIGNAL_BYTES"
	KeyGeoURL            = "GEO_URL"
	KeyGeoToken          = "GEO_TOKEN"
	KeyGeoTimeout        = "GEO_TIMEOUT"
	KeyRedisAddr         = "REDIS_ADDR"
	KeyRedisPassword     = "REDIS_PASSWORD"
	KeyNATSURL           = "NATS_URL"
	KeyDatabaseURL       = "DATABASE_URL"
	KeyICEServers        = "ICE_SERVERS"
	KeyTURNUsername      = "TURN_USERNAME"
	KeyTURNCredential    = "TURN_CREDENTIAL"
	KeyLogLevel          = "LOG_LEVEL"
	KeyEnv               = "ENV"
)

// Config holds every relay setting.
type Config struct {
	// Server
	Port          int
	BindAddress   string
	AllowedOrigin string
	TrustProxy    bool

	// Moderation
	BanDuration       time.Duration
	BanSweepInterval  time.Duration
	RateLimitWindow   time.Duration
	RateLimitMax      int
	ReportLimitWindow time.Duration
	ReportLimitMax    int

	// Transport
	WorkerPoolSize    int
	MaxConnections    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxSignalBytes    int

	// Geolocation
	GeoURL     string
	GeoToken   string
	GeoTimeout time.Duration

	// Optional backends
	RedisAddr     string
	RedisPassword string
	NATSURL       string
	DatabaseURL   string

	// ICE
	ICEServers []webrtc.ICEServer

	// Logging
	LogLevel string
	Env      string
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, 3000)
	v.SetDefault(KeyBindAddress, "0.0.0.0")
	v.SetDefault(KeyAllowedOrigin, "*")
	v.SetDefault(KeyTrustProxy, true)
	v.SetDefault(KeyBanDuration, "24h")
	v.SetDefault(KeyBanSweepInterval, "10m")
	v.SetDefault(KeyRateLimitWindow, "1m")
	v.SetDefault(KeyRateLimitMax, 30)
	v.SetDefault(KeyReportLimitWindow, "10m")
	v.SetDefault(KeyReportLimitMax, 5)
	v.SetDefault(KeyWorkerPoolSize, 256)
	v.SetDefault(KeyMaxConnections, 100000)
	v.SetDefault(KeyReadTimeout, "10s")
	v.SetDefault(KeyWriteTimeout, "10s")
	v.SetDefault(KeySendQueueSize, 64)
	v.SetDefault(KeyHeartbeatInterval, "30s")
	v.SetDefault(KeyHeartbeatTimeout, "10s")
	v.SetDefault(KeyMaxSignalBytes, 65536)
	v.SetDefault(KeyGeoURL, "")
	v.SetDefault(KeyGeoToken, "")
	v.SetDefault(KeyGeoTimeout, "2s")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyNATSURL, "")
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeyICEServers, "stun:stun.l.google.com:19302")
	v.SetDefault(KeyTURNUsername, "")
	v.SetDefault(KeyTURNCredential, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyEnv, "development")
}

// Load reads a .env file if present, then builds a Config from v, which
// resolves flags, environment and defaults in that order of precedence.
func Load(v *viper.Viper) (Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	SetDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Port:              v.GetInt(KeyPort),
		BindAddress:       v.GetString(KeyBindAddress),
		AllowedOrigin:     v.GetString(KeyAllowedOrigin),
		TrustProxy:        v.GetBool(KeyTrustProxy),
		BanDuration:       v.GetDuration(KeyBanDuration),
		BanSweepInterval:  v.GetDuration(KeyBanSweepInterval),
		RateLimitWindow:   v.GetDuration(KeyRateLimitWindow),
		RateLimitMax:      v.GetInt(KeyRateLimitMax),
		ReportLimitWindow: v.GetDuration(KeyReportLimitWindow),
		ReportLimitMax:    v.GetInt(KeyReportLimitMax),
		WorkerPoolSize:    v.GetInt(KeyWorkerPoolSize),
		MaxConnections:    v.GetInt(KeyMaxConnections),
		ReadTimeout:       v.GetDuration(KeyReadTimeout),
		WriteTimeout:      v.GetDuration(KeyWriteTimeout),
		SendQueueSize:     v.GetInt(KeySendQueueSize),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		HeartbeatTimeout:  v.GetDuration(KeyHeartbeatTimeout),
		MaxSignalBytes:    v.GetInt(KeyMaxSignalBytes),
		GeoURL:            strings.TrimSpace(v.GetString(KeyGeoURL)),
		GeoToken:          v.GetString(KeyGeoToken),
		GeoTimeout:        v.GetDuration(KeyGeoTimeout),
		RedisAddr:         strings.TrimSpace(v.GetString(KeyRedisAddr)),
		RedisPassword:     v.GetString(KeyRedisPassword),
		NATSURL:           strings.TrimSpace(v.GetString(KeyNATSURL)),
		DatabaseURL:       strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		LogLevel:          strings.ToLower(v.GetString(KeyLogLevel)),
		Env:               strings.ToLower(v.GetString(KeyEnv)),
	}

	servers, err := ParseICEServers(v.GetString(KeyICEServers), v.GetString(KeyTURNUsername), v.GetString(KeyTURNCredential))
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", KeyICEServers, err)
	}
	cfg.ICEServers = servers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s must be in 1..65535, got %d", KeyPort, c.Port))
	}
	positiveDurations := map[string]time.Duration{
		KeyBanDuration:       c.BanDuration,
		KeyBanSweepInterval:  c.BanSweepInterval,
		KeyRateLimitWindow:   c.RateLimitWindow,
		KeyReportLimitWindow: c.ReportLimitWindow,
		KeyHeartbeatInterval: c.HeartbeatInterval,
		KeyHeartbeatTimeout:  c.HeartbeatTimeout,
		KeyGeoTimeout:        c.GeoTimeout,
	}
	for key, d := range positiveDurations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	positiveInts := map[string]int{
		KeyRateLimitMax:   c.RateLimitMax,
		KeyReportLimitMax: c.ReportLimitMax,
		KeyWorkerPoolSize: c.WorkerPoolSize,
		KeyMaxConnections: c.MaxConnections,
		KeySendQueueSize:  c.SendQueueSize,
		KeyMaxSignalBytes: c.MaxSignalBytes,
	}
	for key, n := range positiveInts {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, n))
		}
	}
	if c.GeoURL != "" && !strings.HasPrefix(c.GeoURL, "http://") && !strings.HasPrefix(c.GeoURL, "https://") {
		errs = append(errs, fmt.Errorf("%s must be an http(s) URL", KeyGeoURL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseICEServers builds the ICE server list handed to browsers from a
// comma-separated list of stun:/turn: URLs. STUN URLs are grouped into one
// server; TURN URLs into another that carries the credentials.
func ParseICEServers(urls, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var stunList, turnList []string
	for _, part := range strings.Split(urls, ",") {
		url := strings.TrimSpace(part)
		switch {
		case url == "":
		case strings.HasPrefix(url, "stun:"), strings.HasPrefix(url, "stuns:"):
			stunList = append(stunList, url)
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			turnList = append(turnList, url)
		default:
			return nil, fmt.Errorf("unsupported url scheme: %q", url)
		}
	}

	servers := []webrtc.ICEServer{}
	if len(stunList) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunList})
	}
	if len(turnList) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s must be set for turn urls", KeyTURNUsername, KeyTURNCredential)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnList,
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return servers, nil
}
