package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envParse reads key and converts it with parse. Unset, blank, unparsable
// or rejected values all fall back to def.
func envParse[T any](key string, def T, parse func(string) (T, error), accept func(T) bool) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil || (accept != nil && !accept(v)) {
		return def
	}
	return v
}

func positive[T int | int32 | time.Duration](v T) bool { return v > 0 }

func nonNegative[T int | int32](v T) bool { return v >= 0 }

// EnvString reads a trimmed string.
func EnvString(key, def string) string {
	return envParse(key, def, func(s string) (string, error) { return s, nil }, nil)
}

// EnvBool accepts anything strconv.ParseBool does.
func EnvBool(key string, def bool) bool {
	return envParse(key, def, strconv.ParseBool, nil)
}

// EnvInt reads a positive int.
func EnvInt(key string, def int) int {
	return envParse(key, def, strconv.Atoi, positive[int])
}

// EnvIndex reads a non-negative int, for selectors such as a Redis DB number.
func EnvIndex(key string, def int) int {
	return envParse(key, def, strconv.Atoi, nonNegative[int])
}

// EnvInt32 reads a non-negative int32, the type pgxpool sizes use.
func EnvInt32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return envParse(key, def, parse, nonNegative[int32])
}

// EnvDuration reads a positive time.ParseDuration value ("30s", "1m30s").
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, time.ParseDuration, positive[time.Duration])
}

// EnvList reads a comma-separated list. Blank items are dropped, and a list
// with nothing left falls back to def.
func EnvList(key string, def []string) []string {
	return envParse(key, def, func(s string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	}, func(v []string) bool { return len(v) > 0 })
}
