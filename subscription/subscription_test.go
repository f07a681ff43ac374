package subscription

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpert-gate/xpert/aggregator"
	"github.com/xpert-gate/xpert/directconfig"
	"github.com/xpert-gate/xpert/probe"
	"github.com/xpert-gate/xpert/sources"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	dir := t.TempDir()
	reg, err := sources.New(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	orch := aggregator.New(reg, probe.New(nil, nil), nil, "", filepath.Join(dir, "aggregated.json"))

	store, err := directconfig.New(filepath.Join(dir, "direct.json"), probe.New(nil, nil))
	require.NoError(t, err)
	// A local listener on a non-TLS port keeps the added direct config
	// reachable (and therefore active) without outbound network access.
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
	_, err = store.Add(context.Background(), "vless://u@"+ln.Addr().String()+"#A", "", "admin")
	require.NoError(t, err)

	return New(orch, store)
}

func TestBuildIncludesDirectConfigsAndFixedHeaders(t *testing.T) {
	p := newTestPublisher(t)
	result := p.Build(FormatUniversal, UsageInfo{})

	assert.Contains(t, result.Body, "vless://")
	assert.Equal(t, "text/plain; charset=utf-8", result.Headers["Content-Type"])
	assert.Equal(t, "1", result.Headers["Profile-Update-Interval"])
	assert.Equal(t, "Xpert", result.Headers["Profile-Title"])
	assert.Equal(t, "upload=0; download=0; total=0; expire=0", result.Headers["Subscription-Userinfo"])
}

func TestBuildBase64EncodesBody(t *testing.T) {
	p := newTestPublisher(t)
	plain := p.Build(FormatUniversal, UsageInfo{})
	encoded := p.Build(FormatBase64, UsageInfo{})

	decoded, err := base64.StdEncoding.DecodeString(encoded.Body)
	require.NoError(t, err)
	assert.Equal(t, plain.Body, string(decoded))
}

func TestBuildDirectOnlyUsesDirectTitle(t *testing.T) {
	p := newTestPublisher(t)
	result := p.BuildDirectOnly(FormatUniversal, UsageInfo{})
	assert.Equal(t, "Xpert Direct", result.Headers["Profile-Title"])
}

func TestSubscriptionUserinfoReflectsUsage(t *testing.T) {
	p := newTestPublisher(t)
	result := p.Build(FormatUniversal, UsageInfo{UploadBytes: 10, DownloadBytes: 20, TotalBytes: 30})
	assert.Equal(t, "upload=10; download=20; total=30; expire=0", result.Headers["Subscription-Userinfo"])
}

func TestQRCodeProducesPNGBytes(t *testing.T) {
	png, err := QRCode("https://example.com/sub/tok", 256)
	require.NoError(t, err)
	assert.NotEmpty(t, png)
}
