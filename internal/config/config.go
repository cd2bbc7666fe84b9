package config

import (
	"strings"
	"time"

	pkgconfig "github.com/easiviotech/fabriq-streaming/pkg/config"
	pkgredis "github.com/easiviotech/fabriq-streaming/pkg/redis"
)

// Config carries the orchestrator's runtime configuration, resolved from the
// process environment.
type Config struct {
	Redis       pkgredis.Config
	DatabaseURL string

	HLSStoragePath     string
	HLSSegmentDuration int
	HLSPlaylistSize    int

	MaxConcurrentTranscodes int
	FFmpegPath              string

	StreamKeyTTL time.Duration

	ChatSlowModeSeconds  int
	ChatMaxMessageLength int
}

// Load resolves configuration from the environment.
func Load() Config {
	addrs := pkgconfig.GetEnv("REDIS_ADDRS", "")
	var addrList []string
	if addrs != "" {
		addrList = strings.Split(addrs, ",")
	}

	return Config{
		Redis: pkgredis.Config{
			URL:        pkgconfig.GetEnv("REDIS_URL", ""),
			Addrs:      addrList,
			MasterName: pkgconfig.GetEnv("REDIS_MASTER_NAME", ""),
			Username:   pkgconfig.GetEnv("REDIS_USERNAME", ""),
			Password:   pkgconfig.GetEnv("REDIS_PASSWORD", ""),
		},
		DatabaseURL: pkgconfig.GetEnv("DATABASE_URL", ""),

		HLSStoragePath:     pkgconfig.GetEnv("HLS_STORAGE_PATH", "/tmp/fabriq-hls"),
		HLSSegmentDuration: pkgconfig.GetEnvInt("HLS_SEGMENT_DURATION", 4),
		HLSPlaylistSize:    pkgconfig.GetEnvInt("HLS_PLAYLIST_SIZE", 5),

		MaxConcurrentTranscodes: pkgconfig.GetEnvInt("MAX_CONCURRENT_TRANSCODES", 4),
		FFmpegPath:              pkgconfig.GetEnv("FFMPEG_PATH", "/usr/bin/ffmpeg"),

		StreamKeyTTL: time.Duration(pkgconfig.GetEnvInt("STREAM_KEY_TTL", 86400)) * time.Second,

		ChatSlowModeSeconds:  pkgconfig.GetEnvInt("CHAT_SLOW_MODE_SECONDS", 0),
		ChatMaxMessageLength: pkgconfig.GetEnvInt("CHAT_MAX_MESSAGE_LENGTH", 500),
	}
}
