// Package env reads typed settings from the process environment. Unset or
// unparsable values fall back to the supplied default.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetString returns the variable or def when unset
func GetString(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil })
}

// GetStringFromFile prefers the file named by KEY_FILE (Docker and Kubernetes
// secrets) and falls back to KEY.
func GetStringFromFile(key, def string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, def)
}

// GetInt parses a base-10 integer
func GetInt(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

// GetDuration parses a Go duration such as "15s" or "2m"
func GetDuration(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetSlice splits a comma-separated list, dropping blank items
func GetSlice(key string, def []string) []string {
	items := lookup[[]string](key, nil, func(s string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	})
	if len(items) == 0 {
		return def
	}
	return items
}
