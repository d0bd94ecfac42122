package failover

import (
	"fmt"
	"net"
	"net/url"
	"time"

	pinglib "github.com/go-ping/ping"
	"go.uber.org/zap"
)

// probeLatency measures reachability of a region's host independent of its
// HTTP service, so a failed health check can be classified as host-down
// versus service-down. Returns latency in ms, or -1 when unreachable.
func probeLatency(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return -1
	}
	host := u.Hostname()

	pinger, err := pinglib.NewPinger(host)
	if err == nil {
		pinger.Count = 3
		pinger.Timeout = 3 * time.Second
		// unprivileged mode so the process can run without root where supported
		pinger.SetPrivileged(false)
		if err := pinger.Run(); err == nil {
			stats := pinger.Statistics()
			if stats.PacketsRecv > 0 {
				return int(stats.AvgRtt.Milliseconds())
			}
		} else {
			zap.L().Debug("failover: icmp probe failed, trying tcp fallback",
				zap.String("host", host), zap.Error(err))
		}
	}

	// TCP fallback: the health port first, then common ports
	ports := []string{u.Port(), "443", "80"}
	for _, p := range ports {
		if p == "" {
			continue
		}
		start := time.Now()
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%s", host, p), 2*time.Second)
		if err == nil {
			conn.Close()
			return int(time.Since(start).Milliseconds())
		}
	}
	return -1
}
