package config

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Config is a read-only view over a decoded configuration document.
// Accessors never fail: a missing key or a value of the wrong shape yields
// the supplied default.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map is treated as empty.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string at key. Numbers and bools are not converted.
func (c Config) String(key, def string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return def
}

// Duration returns the duration at key.
//
// Accepts a time.Duration, a string understood by time.ParseDuration
// ("250ms", "1m30s"), or a number of seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c.data[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case uint64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// Bool returns the bool at key. The strings "true" and "false" (any case)
// are accepted so values sourced from environment variables work.
func (c Config) Bool(key string, def bool) bool {
	switch v := c.data[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Int returns the integer at key. Floats are accepted only when they have
// no fractional part; numeric strings are parsed.
func (c Config) Int(key string, def int) int {
	switch v := c.data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Has reports whether key is present, whatever its value.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Keys returns the top-level keys, sorted.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a new Config holding c's values overlaid with other's.
// Neither input is modified.
func (c Config) Merge(other Config) Config {
	out := make(map[string]any, len(c.data)+len(other.data))
	for k, v := range c.data {
		out[k] = v
	}
	for k, v := range other.data {
		out[k] = v
	}
	return Config{data: out}
}

// Raw returns the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
