package aggregator

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpert-gate/xpert/probe"
	"github.com/xpert-gate/xpert/sources"
)

func TestDecodeFeedRawSchemeLines(t *testing.T) {
	content := "vless://u@h:443?security=tls#A\nvmess://xyz\n"
	lines := decodeFeed(content)
	assert.Len(t, lines, 2)
}

func TestDecodeFeedBase64Wrapped(t *testing.T) {
	raw := "trojan://p@h:443#X\nss://cGFzcw==@h2:8388#Y"
	encoded := base64.StdEncoding.EncodeToString([]byte(raw))
	lines := decodeFeed(encoded)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "trojan://")
	assert.Contains(t, lines[1], "ss://")
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	reg, err := sources.New(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	p := probe.New(nil, nil)
	return New(reg, p, nil, "", filepath.Join(dir, "aggregated.json"))
}

func TestUpdatePublishesAllOrNothingSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("vless://u@127.0.0.1:1?security=tls#A\n"))
	}))
	defer server.Close()

	o := newTestOrchestrator(t)
	_, err := o.registry.Add("test", server.URL, true, 0)
	require.NoError(t, err)

	before := o.Current()
	require.NoError(t, o.Update(context.Background()))
	after := o.Current()

	assert.NotSame(t, before, after)
	assert.Len(t, after.Configs, 1)
	assert.False(t, after.Configs[0].IsActive, "unreachable host must be marked inactive, never partially applied")
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	reg, err := sources.New(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	path := filepath.Join(dir, "aggregated.json")

	o1 := New(reg, probe.New(nil, nil), nil, "", path)
	o1.published.Store(&Snapshot{Configs: []*AggregatedConfig{
		{ID: 1, Protocol: "vless", Host: "h", Port: 443, SourceID: 7, Raw: "vless://u@h:443#A", IsActive: true, LatencyMS: 42},
	}, UpdatedAt: 123})
	require.NoError(t, o1.persistSnapshot(o1.Current()))

	o2 := New(reg, probe.New(nil, nil), nil, "", path)
	snap := o2.Current()
	require.Len(t, snap.Configs, 1)
	assert.Equal(t, "h", snap.Configs[0].Host)
	assert.Equal(t, int64(123), snap.UpdatedAt)
}

func TestRemoveBySourceCascades(t *testing.T) {
	o := newTestOrchestrator(t)
	o.published.Store(&Snapshot{Configs: []*AggregatedConfig{
		{ID: 1, SourceID: 1},
		{ID: 2, SourceID: 2},
		{ID: 3, SourceID: 1},
	}})
	require.NoError(t, o.RemoveBySource(1))
	snap := o.Current()
	require.Len(t, snap.Configs, 1)
	assert.Equal(t, 2, snap.Configs[0].SourceID)
}

func TestProcessLineDefaultLabelWhenMissing(t *testing.T) {
	o := newTestOrchestrator(t)
	nextID := 1
	cfg := o.processLine(context.Background(), "vless://u@127.0.0.1:1#", 1, &nextID)
	require.NotNil(t, cfg)
	assert.Equal(t, "VLESS-127.0.0.1", cfg.Label)
}

func TestProcessLineUnparsableReturnsNil(t *testing.T) {
	o := newTestOrchestrator(t)
	nextID := 1
	assert.Nil(t, o.processLine(context.Background(), "not-a-link", 1, &nextID))
}

func TestActiveSortedOrdersByLatencyAscending(t *testing.T) {
	o := newTestOrchestrator(t)
	o.published.Store(&Snapshot{Configs: []*AggregatedConfig{
		{ID: 1, IsActive: true, LatencyMS: 50},
		{ID: 2, IsActive: true, LatencyMS: 10},
		{ID: 3, IsActive: false, LatencyMS: 5},
	}})
	active := o.ActiveSorted()
	require.Len(t, active, 2)
	assert.Equal(t, 2, active[0].ID)
	assert.Equal(t, 1, active[1].ID)
}
