// Package probe implements the Reachability Prober: a synchronous
// probe(raw, protocol, host, port) operation that picks a TLS-handshake or
// plain TCP-connect strategy, and a target-IP overlay that weights
// endpoint latency by reachability from operator-nominated "target" IPs.
// The target-IP latency cache is redis-backed with a short TTL so that
// replicas share one view of target health.
package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xpert-gate/xpert/link"
	"github.com/xpert-gate/xpert/logger"
)

const (
	// DeadLatencyMS is the sentinel for "unreachable / unknown" latency.
	DeadLatencyMS = 999.0
	// TLSEOFLatencyMS is the sentinel returned when a TLS handshake fails
	// with an EOF specifically, distinguishing a mid-handshake drop from a
	// generic connect failure.
	TLSEOFLatencyMS = 1200.0

	defaultProbeTimeout = 2500 * time.Millisecond
	targetProbeTTL      = 30 * time.Second
	targetProbeTimeout  = 2 * time.Second
)

// Result is the outcome of a single probe call.
type Result struct {
	OK        bool
	LatencyMS float64
}

// Prober runs reachability probes and maintains the target-IP overlay
// cache. It is safe for concurrent use.
type Prober struct {
	targetIPs []string
	rdb       *redis.Client
	cacheKey  string
}

// New builds a Prober. rdb may be nil, in which case the target-IP overlay
// is skipped entirely (endpoint-only latency is returned) — this keeps the
// prober usable in tests without a live Redis server.
func New(targetIPs []string, rdb *redis.Client) *Prober {
	return &Prober{
		targetIPs: targetIPs,
		rdb:       rdb,
		cacheKey:  "xpert:probe:target-overlay",
	}
}

// Probe measures reachability of one parsed endpoint using the strategy
// its TLS profile calls for, then folds in the target-IP overlay when
// available.
func (p *Prober) Probe(ctx context.Context, raw string, proto link.Protocol, host string, port int) Result {
	var endpoint Result
	if shouldUseTLSProbe(raw, proto, port) {
		endpoint = tlsHandshakeProbe(host, port, defaultProbeTimeout)
	} else {
		endpoint = tcpConnectProbe(host, port, defaultProbeTimeout)
	}

	targetOK, targetAvg := p.targetOverlay(ctx)
	if endpoint.OK && targetOK {
		mixed := endpoint.LatencyMS*0.7 + targetAvg*0.3
		if mixed < 1 {
			mixed = 1
		}
		return Result{OK: true, LatencyMS: mixed}
	}
	return endpoint
}

func shouldUseTLSProbe(raw string, proto link.Protocol, port int) bool {
	switch port {
	case 443, 8443, 2053, 2083, 2087, 2096:
		return true
	}
	if proto == link.Trojan {
		return true
	}
	p := link.Parse(raw)
	if proto == link.VMess && p != nil && p.TLS {
		return true
	}
	lower := strings.ToLower(raw)
	for _, m := range []string{"security=tls", "security=reality", "tls=1", "type=grpc", "sni=", "alpn="} {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func tcpConnectProbe(host string, port int, timeout time.Duration) Result {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return Result{OK: false, LatencyMS: DeadLatencyMS}
	}
	defer conn.Close()
	elapsed := float64(time.Since(start).Milliseconds())
	if elapsed < 1 {
		elapsed = 1
	}
	return Result{OK: true, LatencyMS: elapsed}
}

func tlsHandshakeProbe(host string, port int, timeout time.Duration) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: timeout}
	rawConn, err := dialer.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Result{OK: false, LatencyMS: DeadLatencyMS}
	}
	defer rawConn.Close()

	deadline := time.Now().Add(timeout)
	rawConn.SetDeadline(deadline)

	tlsConn := tls.Client(rawConn, &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         host,
	})
	defer tlsConn.Close()

	err = tlsConn.Handshake()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return Result{OK: false, LatencyMS: TLSEOFLatencyMS}
		}
		return Result{OK: false, LatencyMS: DeadLatencyMS}
	}
	elapsed := float64(time.Since(start).Milliseconds())
	if elapsed < 1 {
		elapsed = 1
	}
	return Result{OK: true, LatencyMS: elapsed}
}

// targetOverlay returns the cached (ok, avg_ping) for the operator-
// nominated target IPs, re-probing when the cache entry is absent or
// stale (TTL 30s). A nil redis client (or a cache miss under redis error)
// degrades to a single fresh probe without caching.
func (p *Prober) targetOverlay(ctx context.Context) (bool, float64) {
	if len(p.targetIPs) == 0 {
		return false, DeadLatencyMS
	}

	if p.rdb != nil {
		if cached, err := p.rdb.Get(ctx, p.cacheKey).Result(); err == nil {
			ok, avg, parseErr := decodeOverlayCache(cached)
			if parseErr == nil {
				return ok, avg
			}
		}
	}

	ok, avg := p.probeTargets()

	if p.rdb != nil {
		_ = p.rdb.Set(ctx, p.cacheKey, encodeOverlayCache(ok, avg), targetProbeTTL).Err()
	}
	return ok, avg
}

func (p *Prober) probeTargets() (bool, float64) {
	var pings []float64
	for _, ip := range p.targetIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		res := tlsHandshakeProbe(ip, 443, targetProbeTimeout)
		if res.OK {
			pings = append(pings, res.LatencyMS)
		}
	}
	if len(pings) == 0 {
		return false, DeadLatencyMS
	}
	sum := 0.0
	for _, v := range pings {
		sum += v
	}
	return true, sum / float64(len(pings))
}

func encodeOverlayCache(ok bool, avg float64) string {
	return fmt.Sprintf("%t:%f", ok, avg)
}

func decodeOverlayCache(s string) (bool, float64, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return false, 0, fmt.Errorf("malformed overlay cache value")
	}
	ok := parts[0] == "true"
	avg, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return false, 0, err
	}
	return ok, avg, nil
}

var pingTimeRe = regexp.MustCompile(`time[=<](\d+\.?\d*)`)
var pingLossRe = regexp.MustCompile(`(\d+)% packet loss`)

// CheckPing is the diagnostic ICMP entry point, not on the hot path. It
// shells out to the host's ping utility with 2 packets / 2s each and
// parses min/avg/loss, falling back to (999, 0, 100) on any failure.
func CheckPing(ctx context.Context, host string) (avgMS, jitterMS, lossPct float64) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ping", "-c", "2", "-W", "2", host)
	out, err := cmd.Output()
	if err != nil {
		logger.Debugf("icmp ping failed for %s: %v", host, err)
		return DeadLatencyMS, 0, 100
	}

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	var times []float64
	var loss float64
	for scanner.Scan() {
		line := scanner.Text()
		if m := pingTimeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				times = append(times, v)
			}
		}
		if m := pingLossRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				loss = v
			}
		}
	}
	if len(times) == 0 {
		return DeadLatencyMS, 0, 100
	}
	sum, min, max := 0.0, times[0], times[0]
	for _, t := range times {
		sum += t
		if t < min {
			min = t
		}
		if t > max {
			max = t
		}
	}
	avg := sum / float64(len(times))
	jitter := 0.0
	if len(times) > 1 {
		jitter = max - min
	}
	return avg, jitter, loss
}
