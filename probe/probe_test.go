package probe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpert-gate/xpert/link"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestTCPConnectProbeSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	_ = portStr

	p := New(nil, nil)
	addr := ln.Addr().(*net.TCPAddr)
	res := p.Probe(context.Background(), "ss://x@"+host+":1#y", link.Shadowsocks, host, addr.Port)
	assert.True(t, res.OK)
	assert.GreaterOrEqual(t, res.LatencyMS, 1.0)
	assert.Less(t, res.LatencyMS, 999.0)
}

func TestProbeUnreachableReturnsDeadSentinel(t *testing.T) {
	p := New(nil, nil)
	res := p.Probe(context.Background(), "ss://x@127.0.0.1:1#y", link.Shadowsocks, "127.0.0.1", 1)
	assert.False(t, res.OK)
	assert.Equal(t, DeadLatencyMS, res.LatencyMS)
}

func TestTargetOverlayCachedAcrossCalls(t *testing.T) {
	rdb := newTestRedis(t)
	p := New([]string{"127.0.0.1"}, rdb)

	ok, avg := p.targetOverlay(context.Background())
	assert.False(t, ok)
	assert.Equal(t, DeadLatencyMS, avg)

	cached, err := rdb.Get(context.Background(), p.cacheKey).Result()
	require.NoError(t, err)
	ttl := rdb.TTL(context.Background(), p.cacheKey).Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.NotEmpty(t, cached)
}

func TestEncodeDecodeOverlayCacheRoundTrip(t *testing.T) {
	ok, avg, err := decodeOverlayCache(encodeOverlayCache(true, 42.5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.5, avg)
}

func TestShouldUseTLSProbePortsAndMarkers(t *testing.T) {
	assert.True(t, shouldUseTLSProbe("vless://x@h:443#a", link.VLESS, 443))
	assert.True(t, shouldUseTLSProbe("trojan://x@h:9999#a", link.Trojan, 9999))
	assert.True(t, shouldUseTLSProbe("vless://x@h:80?security=tls#a", link.VLESS, 80))
	assert.False(t, shouldUseTLSProbe("ss://x@h:8388#a", link.Shadowsocks, 8388))
}
