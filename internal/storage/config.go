package storage

import (
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetString returns config[key], or def when missing or empty.
func GetString(config map[string]string, key, def string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return def
}

// GetBool accepts true/false, 1/0 and yes/no, case-insensitively.
func GetBool(config map[string]string, key string, def bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Field: key, Value: v, Message: "must be a boolean (true/false, 1/0, yes/no)"}
}

// GetInt parses an integer value.
func GetInt(config map[string]string, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// GetDuration accepts Go duration strings ("5s", "1m30s") or plain integer
// seconds.
func GetDuration(config map[string]string, key string, def time.Duration) (time.Duration, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Field: key, Value: v, Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds"}
}

// ExpandPath expands a leading ~/ to the home directory and cleans the path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map with src layered over dst. Empty values in
// src do not override.
func MergeConfig(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	maps.Copy(out, dst)
	for k, v := range src {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
