// Package redis keeps short-lived security counters in Redis: failed-login
// counters, MFA login challenges and sliding-window rate limits.
package redis

import (
	"fmt"
	"strconv"
	"strings"
)

func buildKey(prefix, kind, id string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Sprintf("%s:%s", kind, id)
	}
	return fmt.Sprintf("%s:%s:%s", prefix, kind, id)
}

// parseInt reads integers written either by Go or by Lua, which may render
// large numbers in exponent form.
func parseInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", raw, err)
	}
	return int64(f), nil
}
