package config

import (
	"os"
	"strconv"
	"time"

	"github.com/scribeworks/controlplane/internal/logger"
)

func GetEnv(key, def string, log *logger.Logger) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if log != nil {
		log.Debug("env var not set, using default", "key", key, "default", def)
	}
	return def
}

func GetEnvAsInt(key string, def int, log *logger.Logger) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if log != nil {
			log.Warn("env var is not an int, using default", "key", key, "value", raw, "default", def)
		}
		return def
	}
	return v
}

func GetEnvAsBool(key string, def bool, log *logger.Logger) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		if log != nil {
			log.Warn("env var is not a bool, using default", "key", key, "value", raw, "default", def)
		}
		return def
	}
	return v
}

func GetEnvAsDuration(key string, def time.Duration, log *logger.Logger) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		if log != nil {
			log.Warn("env var is not an integer number of seconds, using default", "key", key, "value", raw)
		}
		return def
	}
	return time.Duration(secs) * time.Second
}
