package directconfig

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpert-gate/xpert/probe"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "direct.json"), probe.New(nil, nil))
	require.NoError(t, err)
	return s
}

var labelPattern = regexp.MustCompile(`^[\x{1F1E6}-\x{1F1FF}]{2} SR-\d{3}$`)

func TestAddAssignsAutoName(t *testing.T) {
	s := newTestStore(t)
	cfg, err := s.Add(context.Background(), "vless://u@h1.example.com:1?security=tls#Original", "", "admin")
	require.NoError(t, err)
	assert.Regexp(t, labelPattern, cfg.Remarks)
	assert.True(t, cfg.BypassWhitelist)
	assert.True(t, cfg.AutoSync)
}

func TestAddRejectsUnparsable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), "not-a-link", "", "admin")
	assert.Error(t, err)
}

func TestAutoNamingPositionsAfterDeleteAndMove(t *testing.T) {
	s := newTestStore(t)
	var ids []int
	for i := 0; i < 5; i++ {
		cfg, err := s.Add(context.Background(), "vless://u@h.example.com:1#X", "", "admin")
		require.NoError(t, err)
		ids = append(ids, cfg.ID)
	}

	require.NoError(t, s.Delete(ids[2]))
	all := s.All()
	require.Len(t, all, 4)
	for idx, c := range all {
		assert.Regexp(t, labelPattern, c.Remarks)
		assert.Contains(t, c.Remarks, fmt.Sprintf("SR-%03d", idx+1))
	}
}

func TestMoveBatchBlockMoveDown(t *testing.T) {
	s := newTestStore(t)
	var ids []int
	for i := 0; i < 5; i++ {
		cfg, err := s.Add(context.Background(), "vless://u@h.example.com:1#X", "", "admin")
		require.NoError(t, err)
		ids = append(ids, cfg.ID)
	}
	// ids: [1,2,3,4,5]; select [2,4], move down -> [1,3,2,5,4]
	require.NoError(t, s.MoveBatch([]int{ids[1], ids[3]}, "down"))

	all := s.All()
	got := make([]int, len(all))
	for i, c := range all {
		got[i] = c.ID
	}
	assert.Equal(t, []int{ids[0], ids[2], ids[1], ids[4], ids[3]}, got)
}

func TestMoveUpAtTopIsNoOp(t *testing.T) {
	s := newTestStore(t)
	cfg1, _ := s.Add(context.Background(), "vless://u@h.example.com:1#X", "", "admin")
	cfg2, _ := s.Add(context.Background(), "vless://u@h.example.com:1#Y", "", "admin")
	require.NoError(t, s.Move(cfg1.ID, "up"))
	all := s.All()
	assert.Equal(t, cfg1.ID, all[0].ID)
	assert.Equal(t, cfg2.ID, all[1].ID)
}

func TestVMessRoundTripPreservesFieldsAfterRename(t *testing.T) {
	s := newTestStore(t)
	payload := map[string]interface{}{"add": "h.example.com", "port": float64(443), "ps": "orig", "tls": "tls", "id": "uuid-here"}
	body, _ := json.Marshal(payload)
	raw := "vmess://" + base64.StdEncoding.EncodeToString(body)

	cfg, err := s.Add(context.Background(), raw, "", "admin")
	require.NoError(t, err)

	rewritten, ok := rewriteVMessName(cfg.Raw, "New Name")
	require.True(t, ok)

	encoded := rewritten[len("vmess://"):]
	decoded, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(decoded, &data))
	assert.Equal(t, "h.example.com", data["add"])
	assert.Equal(t, "uuid-here", data["id"])
	assert.Equal(t, "New Name", data["ps"])
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), "vless://u@h.example.com:1#X", "", "admin")
	require.NoError(t, err)

	stats := s.Stats()
	assert.Equal(t, 1, stats.TotalConfigs)
	assert.Equal(t, 1, stats.BypassWhitelistCount)
	assert.Equal(t, 1, stats.AutoSyncCount)
}
