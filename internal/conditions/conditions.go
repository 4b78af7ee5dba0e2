// Package conditions renders the "Current conditions" block of the
// system prompt: local time and zone, the UTC convention of Home
// Assistant timestamps, and where the assistant is running.
package conditions

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/nugget/jarvis/internal/buildinfo"
)

// CurrentConditions returns the conditions block for now in loc. A nil
// loc means the system's local zone.
func CurrentConditions(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	zoneName, _ := local.Zone()

	var sb strings.Builder
	sb.WriteString("Current conditions:\n")

	// Format: Saturday 14 February 2026, 15:45 NZDT (Pacific/Auckland)
	sb.WriteString("Time: ")
	sb.WriteString(local.Format("Monday 2 January 2006, 15:04 "))
	sb.WriteString(zoneName)
	if name := loc.String(); name != zoneName && name != "Local" {
		sb.WriteString(" (" + name + ")")
	}
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "Timezone: All Home Assistant timestamps are UTC. Local timezone is %s. Always convert to local time before reporting.\n", loc)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	fmt.Fprintf(&sb, "Host: %s (%s/%s, %s)\n", hostname, runtime.GOOS, runtime.GOARCH, detectEnvironment())
	fmt.Fprintf(&sb, "Version: %s (%s), up %s", buildinfo.Version, buildinfo.GitCommit, formatUptime(buildinfo.Uptime()))

	return sb.String()
}

// detectEnvironment returns "container" or "bare metal" based on
// heuristics appropriate for the current OS.
func detectEnvironment() string {
	// Check for Docker / container indicators on Linux.
	if runtime.GOOS == "linux" {
		// /.dockerenv is created by Docker.
		if _, err := os.Stat("/.dockerenv"); err == nil {
			return "container"
		}
		// Check cgroup for container runtimes (docker, lxc, kubepods).
		if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
			content := string(data)
			if strings.Contains(content, "docker") ||
				strings.Contains(content, "lxc") ||
				strings.Contains(content, "kubepods") {
				return "container"
			}
		}
		// Check for container environment variables.
		if os.Getenv("container") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			return "container"
		}
	}
	return "bare metal"
}

// formatUptime formats a duration as a human-readable uptime string.
// Examples: "4h 23m", "2d 5h", "45m", "30s".
func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
