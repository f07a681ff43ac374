package marzban

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToProxyHostDefaultsTLS(t *testing.T) {
	ph := ToProxyHost("Xpert", Config{Protocol: "vless", Host: "example.com", Port: 443})
	assert.Equal(t, "tls", ph.Security)
	assert.Equal(t, "h2,http/1.1", ph.ALPN)
	assert.Equal(t, "chrome", ph.Fingerprint)
	assert.Equal(t, "example.com", ph.SNI)
}

func TestToProxyHostShadowsocksOverride(t *testing.T) {
	ph := ToProxyHost("Xpert", Config{Protocol: "shadowsocks", Host: "example.com", Port: 8388})
	assert.Equal(t, "none", ph.Security)
	assert.Equal(t, "", ph.SNI)
	assert.Equal(t, "none", ph.ALPN)
	assert.Equal(t, "none", ph.Fingerprint)
}

func TestInboundTagForFallbackThenSynthesized(t *testing.T) {
	assert.Equal(t, "fallback-tag", InboundTagFor("fallback-tag", "vless", 443))
	assert.Equal(t, "vless-in-443", InboundTagFor("", "vless", 443))
}

func TestNilBaseURLClientIsNoOp(t *testing.T) {
	c := NewClient("", "", "")
	result := c.SyncActive(context.Background(), "", []Config{{Protocol: "vless", Host: "h", Port: 443}}, nil)
	assert.Equal(t, 0, result.Synced)
	assert.Empty(t, result.Errors)
}

func TestSyncActiveSkipsKnownAddresses(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "")
	configs := []Config{
		{Protocol: "vless", Host: "known.example.com", Port: 443},
		{Protocol: "vless", Host: "new.example.com", Port: 443},
	}
	known := func(tag string) map[string]bool {
		return map[string]bool{"known.example.com": true}
	}

	result := c.SyncActive(context.Background(), "", configs, known)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, calls)
}

func TestSyncActiveCollectsErrorsWithoutAbortingBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "")
	configs := []Config{
		{Protocol: "vless", Host: "a.example.com", Port: 443},
		{Protocol: "vless", Host: "b.example.com", Port: 443},
	}
	result := c.SyncActive(context.Background(), "", configs, nil)
	assert.Equal(t, 0, result.Synced)
	assert.Len(t, result.Errors, 2)
}

func TestCleanupInactiveHostsRemovesOnlyStale(t *testing.T) {
	var deletedPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deletedPaths = append(deletedPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", "")
	hosts := []ProxyHost{
		{Address: "active.example.com"},
		{Address: "stale.example.com"},
	}
	active := map[string]bool{"active.example.com": true}

	removed, errs := c.CleanupInactiveHosts(context.Background(), "vless-in-443", active, hosts)
	require.Empty(t, errs)
	assert.Equal(t, 1, removed)
	assert.Len(t, deletedPaths, 1)
}
