package sensor

import (
	"net"
	"time"
)

// probeLatency measures a bare TCP connect to addr in milliseconds. It
// returns 0 when the peer cannot be reached within timeout.
func probeLatency(addr string, timeout time.Duration) float64 {
	if addr == "" {
		return 0
	}
	start := time.Now()
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return 0
	}
	elapsed := time.Since(start)
	_ = c.Close()
	return float64(elapsed.Microseconds()) / 1000.0
}
