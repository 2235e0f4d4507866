package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// ErrPortDiscoveryTimeout is returned when no URL appears in the service
// log before the deadline.
var ErrPortDiscoveryTimeout = errors.New("port discovery timed out")

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	urlPattern  = regexp.MustCompile(`(?i)https?://(?:localhost|127\.0\.0\.1|\[::1\]):(\d+)`)
)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ScanPort returns the port of the last local URL printed in log, or 0.
func ScanPort(log string) int {
	matches := urlPattern.FindAllStringSubmatch(StripANSI(log), -1)
	if len(matches) == 0 {
		return 0
	}
	port, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0
	}
	return port
}

// DiscoverPort polls the log at path until it contains a local URL and
// returns its port. The last URL wins, since dev servers that fall back to
// another port print the final one last.
func DiscoverPort(ctx context.Context, path string, timeout, interval time.Duration) (int, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if b, err := os.ReadFile(path); err == nil {
			if port := ScanPort(string(b)); port > 0 {
				return port, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, fmt.Errorf("%w after %s", ErrPortDiscoveryTimeout, timeout)
		case <-ticker.C:
		}
	}
}
