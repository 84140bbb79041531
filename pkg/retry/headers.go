package retry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ParseRetryAfter implements §4.7's header resolution: prefer
// retry-after-ms (integer milliseconds) over retry-after (integer
// seconds); an unparseable value falls back to 1000ms and logs a
// warning. Header lookup is case-insensitive (http.Header already
// canonicalizes names, so a direct Get suffices).
func ParseRetryAfter(h http.Header, log *logrus.Entry) (time.Duration, bool) {
	if v := h.Get("Retry-After-Ms"); v != "" {
		if ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
		warn(log, "retry-after-ms", v)
		return time.Second, true
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return time.Duration(secs) * time.Second, true
		}
		warn(log, "retry-after", v)
		return time.Second, true
	}
	return 0, false
}

func warn(log *logrus.Entry, header, value string) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithFields(logrus.Fields{"header": header, "value": value}).
		Warn("unparseable retry header, falling back to 1000ms")
}

// ShouldRetryOverride implements the `x-should-retry` header: present
// and "true" forces a retry, present and "false" forces no retry,
// absent defers to the status-code heuristic.
func ShouldRetryOverride(h http.Header) (override bool, forceRetry bool) {
	v := strings.ToLower(strings.TrimSpace(h.Get("X-Should-Retry")))
	switch v {
	case "true":
		return true, true
	case "false":
		return true, false
	default:
		return false, false
	}
}
