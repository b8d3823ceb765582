package httpHelpers

import (
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"
)

// Timings become a Server-Timing header, durations in milliseconds
type Timings map[string]time.Duration

func WriteTimings(w http.ResponseWriter, timings Timings) {
	names := slices.Sorted(maps.Keys(timings))
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s;dur=%.2f", name, float64(timings[name].Microseconds())/1000)
	}
	w.Header().Set("Server-Timing", b.String())
}

// RemoteAddress is the first X-Forwarded-For entry if present, otherwise the peer host
func RemoteAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}
