package chatapi

import (
	"os"
	"strconv"
	"strings"
)

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// Config holds the REST handler knobs.
type Config struct {
	// MaxBodyBytes caps request body size for JSON decoding.
	MaxBodyBytes int64
}

// ConfigFromEnv reads handler knobs from the environment.
func ConfigFromEnv() Config {
	return Config{
		MaxBodyBytes: envInt64("SHUTTLECHAT_API_MAX_BODY_BYTES", defaultMaxBodyBytes),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
