package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "0.0.0.0:3000", cfg.ListenAddr())
	assert.Equal(t, "*", cfg.AllowedOrigin)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 24*time.Hour, cfg.BanDuration)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 30, cfg.RateLimitMax)
	assert.Equal(t, 10*time.Minute, cfg.ReportLimitWindow)
	assert.Equal(t, 5, cfg.ReportLimitMax)
	assert.Equal(t, 64, cfg.SendQueueSize)
	assert.Equal(t, 65536, cfg.MaxSignalBytes)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.GeoURL)

	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv(KeyPort, "8443")
	t.Setenv(KeyBindAddress, "127.0.0.1")
	t.Setenv(KeyBanDuration, "90m")
	t.Setenv(KeyTrustProxy, "false")
	t.Setenv(KeyReportLimitMax, "2")
	t.Setenv(KeyLogLevel, "DEBUG")
	t.Setenv(KeyGeoURL, "https://ipinfo.io/%s/json")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8443", cfg.ListenAddr())
	assert.Equal(t, 90*time.Minute, cfg.BanDuration)
	assert.False(t, cfg.TrustProxy)
	assert.Equal(t, 2, cfg.ReportLimitMax)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://ipinfo.io/%s/json", cfg.GeoURL)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv(KeyPort, "70000")
	t.Setenv(KeySendQueueSize, "0")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyPort)
	assert.Contains(t, err.Error(), KeySendQueueSize)
}

func TestParseICEServers(t *testing.T) {
	servers, err := ParseICEServers("stun:a.example.com:3478, turn:b.example.com:3478?transport=udp,stun:c.example.com", "user", "pass")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:c.example.com"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:b.example.com:3478?transport=udp"}, servers[1].URLs)
	assert.Equal(t, "user", servers[1].Username)
	assert.Equal(t, "pass", servers[1].Credential)

	servers, err = ParseICEServers("", "", "")
	require.NoError(t, err)
	assert.Empty(t, servers)

	_, err = ParseICEServers("turn:b.example.com", "", "")
	assert.Error(t, err, "turn without credentials")

	_, err = ParseICEServers("http://example.com", "", "")
	assert.Error(t, err)
}
