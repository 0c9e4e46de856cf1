package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg := LoadConfigFromEnv(mapEnv{})

	require.Equal(t, "8080", cfg.AppPort)
	require.Equal(t, "memory", cfg.StoreBackend)
	require.Equal(t, 5*time.Minute, cfg.HeartbeatPeriod)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	require.Len(t, cfg.IPLookupURLs, 3)
	require.Zero(t, cfg.SessionMaxAge)
	require.True(t, cfg.AllowAudio)
	require.True(t, cfg.AllowVideo)
	require.Equal(t, 5, cfg.QualityGoodBelow)
	require.Equal(t, 10, cfg.QualityFairBelow)
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	cfg := LoadConfigFromEnv(mapEnv{
		"STORE_BACKEND":     "Redis",
		"HEARTBEAT_PERIOD":  "30s",
		"ICE_SERVERS":       "stun:a.example:3478, turn:b.example:3478 ,",
		"MEDIA_ALLOW_VIDEO": "false",
		"SESSION_MAX_AGE":   "72h",
		"REDIS_DB":          "3",
	})

	require.Equal(t, "redis", cfg.StoreBackend)
	require.Equal(t, 30*time.Second, cfg.HeartbeatPeriod)
	require.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.ICEServers)
	require.False(t, cfg.AllowVideo)
	require.Equal(t, 72*time.Hour, cfg.SessionMaxAge)
	require.Equal(t, 3, cfg.RedisDB)
}

func TestLoadConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	cfg := LoadConfigFromEnv(mapEnv{
		"HEARTBEAT_PERIOD":   "soon",
		"QUALITY_GOOD_BELOW": "five",
		"MEDIA_ALLOW_AUDIO":  "maybe",
		"IP_LOOKUP_URLS":     " , ",
	})

	require.Equal(t, 5*time.Minute, cfg.HeartbeatPeriod)
	require.Equal(t, 5, cfg.QualityGoodBelow)
	require.True(t, cfg.AllowAudio)
	require.Len(t, cfg.IPLookupURLs, 3)
}
