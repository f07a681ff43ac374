// Package directconfig implements the direct-config store: a
// file-backed, ordered list of hand-added raw links that bypass feed
// filtering, with throttled re-probing and per-item auto-naming.
package directconfig

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xpert-gate/xpert/link"
	"github.com/xpert-gate/xpert/probe"
	"github.com/xpert-gate/xpert/util/common"
	"github.com/xpert-gate/xpert/util/jsonutil"
)

// Config is one hand-added direct link.
type Config struct {
	ID              int     `json:"id"`
	Raw             string  `json:"raw"`
	Protocol        string  `json:"protocol"`
	Server          string  `json:"server"`
	Port            int     `json:"port"`
	Remarks         string  `json:"remarks"`
	PingMS          float64 `json:"pingMs"`
	JitterMS        float64 `json:"jitterMs"`
	PacketLoss      float64 `json:"packetLoss"`
	IsActive        bool    `json:"isActive"`
	BypassWhitelist bool    `json:"bypassWhitelist"`
	AutoSync        bool    `json:"autoSync"`
	AddedAt         string  `json:"addedAt"`
	AddedBy         string  `json:"addedBy"`
}

var flagCodes = []string{
	"AE", "AZ", "BY", "BE", "BR", "CA", "CH", "CN", "CZ", "DE",
	"ES", "FI", "FR", "GB", "GE", "HK", "IN", "IR", "IT", "JP",
	"KR", "KZ", "NL", "NO", "PL", "RU", "SE", "SG", "TM", "TR",
	"UA", "US", "UZ",
}

var flagRe = regexp.MustCompile(`[\x{1F1E6}-\x{1F1FF}]{2}`)

// Store is the mutex-guarded, file-backed ordered collection of direct
// configs.
type Store struct {
	mu                 sync.Mutex
	path               string
	configs            []*Config
	nextID             int
	prober             *probe.Prober
	lastPingRefreshUTC time.Time
	pingRefreshEvery   time.Duration
}

// New loads (or initializes) the store and runs one auto-naming pass so
// labels are consistent before the first request is served.
func New(path string, prober *probe.Prober) (*Store, error) {
	s := &Store{
		path:             path,
		nextID:           1,
		prober:           prober,
		pingRefreshEvery: 120 * time.Second,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.applyAutoNames()
	return s, nil
}

type persisted struct {
	Configs []*Config `json:"configs"`
	NextID  int       `json:"nextId"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.configs = []*Config{}
		s.nextID = 1
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		s.configs = []*Config{}
		s.nextID = 1
		return nil
	}
	var p persisted
	if err := jsonutil.Unmarshal(data, &p); err != nil {
		return err
	}
	s.configs = p.Configs
	if s.configs == nil {
		s.configs = []*Config{}
	}
	s.nextID = p.NextID
	if s.nextID == 0 {
		s.nextID = 1
	}
	return nil
}

func (s *Store) saveLocked() error {
	p := persisted{Configs: s.configs, NextID: s.nextID}
	data, err := jsonutil.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".direct-configs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

func extractFlag(text string) string {
	return flagRe.FindString(text)
}

func flagFromCode(code string) string {
	code = strings.ToUpper(code)
	if len(code) != 2 {
		return ""
	}
	r0 := rune(0x1F1E6 + int(code[0]-'A'))
	r1 := rune(0x1F1E6 + int(code[1]-'A'))
	return string(r0) + string(r1)
}

func formatAutoName(index int, flag string) string {
	return fmt.Sprintf("%s SR-%03d", flag, index)
}

func (s *Store) existingFlag(c *Config) string {
	if flag := extractFlag(c.Remarks); flag != "" {
		return flag
	}
	parsed := link.Parse(c.Raw)
	if parsed != nil {
		if flag := extractFlag(parsed.Label); flag != "" {
			return flag
		}
	}
	return ""
}

// updateRawName rewrites the raw link's label in place (vmess ps field or
// URI fragment) so clients see the panel-controlled name, preserving
// every other field byte-identically.
func updateRawName(raw, protocol, name string) string {
	if protocol == "vmess" {
		if rewritten, ok := rewriteVMessName(raw, name); ok {
			return rewritten
		}
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	escaped := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	base := raw
	if idx := strings.Index(raw, "#"); idx >= 0 {
		base = raw[:idx]
	}
	return base + "#" + escaped
}

func rewriteVMessName(raw, name string) (string, bool) {
	if !strings.HasPrefix(raw, "vmess://") {
		return raw, false
	}
	encoded := strings.TrimPrefix(raw, "vmess://")
	padded := encoded
	if rem := len(padded) % 4; rem != 0 {
		padded += strings.Repeat("=", 4-rem)
	}
	decoded, err := base64.StdEncoding.DecodeString(padded)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(padded)
		if err != nil {
			return raw, false
		}
	}
	var data map[string]interface{}
	if err := jsonutil.Unmarshal(decoded, &data); err != nil {
		return raw, false
	}
	data["ps"] = name
	reencoded, err := jsonutil.Marshal(data)
	if err != nil {
		return raw, false
	}
	newEncoded := base64.StdEncoding.EncodeToString(reencoded)
	newEncoded = strings.TrimRight(newEncoded, "=")
	return "vmess://" + newEncoded, true
}

// applyAutoNames takes s.mu itself, so it must be called without the lock
// held (New calls it right after load()). Callers already holding s.mu use
// applyAutoNamesLocked.
func (s *Store) applyAutoNames() {
	s.mu.Lock()
	changed := s.applyAutoNamesLocked()
	if changed {
		_ = s.saveLocked()
	}
	s.mu.Unlock()
}

func (s *Store) applyAutoNamesLocked() bool {
	changed := false
	for idx, c := range s.configs {
		flag := s.existingFlag(c)
		if flag == "" {
			flag = flagFromCode(flagCodes[rand.Intn(len(flagCodes))])
		}
		name := formatAutoName(idx+1, flag)
		if c.Remarks != name {
			c.Remarks = name
			changed = true
		}
		newRaw := updateRawName(c.Raw, c.Protocol, name)
		if newRaw != c.Raw {
			c.Raw = newRaw
			changed = true
		}
	}
	return changed
}

// Add parses+probes raw and appends a new direct config.
func (s *Store) Add(ctx context.Context, raw, remarks, addedBy string) (*Config, error) {
	parsed := link.Parse(raw)
	if parsed == nil {
		return nil, common.NewError("invalid configuration format")
	}

	result := s.prober.Probe(ctx, raw, parsed.Protocol, parsed.Host, parsed.Port)
	label := remarks
	if label == "" {
		label = parsed.Label
	}
	if label == "" {
		host := parsed.Host
		if len(host) > 15 {
			host = host[:15]
		}
		label = fmt.Sprintf("%s-%s", strings.ToUpper(string(parsed.Protocol)), host)
	}

	s.mu.Lock()
	cfg := &Config{
		ID:              s.nextID,
		Raw:             raw,
		Protocol:        string(parsed.Protocol),
		Server:          parsed.Host,
		Port:            parsed.Port,
		Remarks:         label,
		PingMS:          pingOrDead(result),
		JitterMS:        0,
		PacketLoss:      lossFor(result),
		IsActive:        result.OK,
		BypassWhitelist: true,
		AutoSync:        true,
		AddedAt:         time.Now().UTC().Format(time.RFC3339),
		AddedBy:         addedBy,
	}
	s.configs = append(s.configs, cfg)
	s.nextID++
	err := s.saveLocked()
	s.applyAutoNamesLocked()
	if err == nil {
		err = s.saveLocked()
	}
	s.mu.Unlock()
	return cfg, err
}

func pingOrDead(r probe.Result) float64 {
	if r.OK {
		return r.LatencyMS
	}
	return probe.DeadLatencyMS
}

func lossFor(r probe.Result) float64 {
	if r.OK {
		return 0
	}
	return 100
}

// All returns every stored config, in stored order.
func (s *Store) All() []*Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Config, len(s.configs))
	copy(out, s.configs)
	return out
}

// Active returns only is_active configs, in stored order.
func (s *Store) Active() []*Config {
	all := s.All()
	out := make([]*Config, 0, len(all))
	for _, c := range all {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) findLocked(id int) *Config {
	for _, c := range s.configs {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Toggle flips a config's is_active flag.
func (s *Store) Toggle(id int) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return nil, common.NewError("direct config ", id, " not found")
	}
	c.IsActive = !c.IsActive
	return c, s.saveLocked()
}

// Delete removes a config by id and re-runs the auto-naming pass.
func (s *Store) Delete(id int) error {
	s.mu.Lock()
	var found bool
	next := s.configs[:0:0]
	for _, c := range s.configs {
		if c.ID == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if !found {
		s.mu.Unlock()
		return common.NewError("direct config ", id, " not found")
	}
	s.configs = next
	err := s.saveLocked()
	s.applyAutoNamesLocked()
	if err == nil {
		err = s.saveLocked()
	}
	s.mu.Unlock()
	return err
}

// Update replaces a config's raw link (re-parsing+re-probing) and/or
// remarks/addedBy.
func (s *Store) Update(ctx context.Context, id int, raw, remarks, addedBy *string) (*Config, error) {
	s.mu.Lock()
	c := s.findLocked(id)
	if c == nil {
		s.mu.Unlock()
		return nil, common.NewError("direct config ", id, " not found")
	}
	s.mu.Unlock()

	if raw != nil {
		trimmed := strings.TrimSpace(*raw)
		if trimmed == "" {
			return nil, common.NewError("raw config cannot be empty")
		}
		parsed := link.Parse(trimmed)
		if parsed == nil {
			return nil, common.NewError("invalid configuration format")
		}
		result := s.prober.Probe(ctx, trimmed, parsed.Protocol, parsed.Host, parsed.Port)

		s.mu.Lock()
		c.Raw = trimmed
		c.Protocol = string(parsed.Protocol)
		c.Server = parsed.Host
		c.Port = parsed.Port
		c.PingMS = pingOrDead(result)
		c.PacketLoss = lossFor(result)
		c.IsActive = result.OK
		if remarks == nil {
			c.Remarks = parsed.Label
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if remarks != nil {
		c.Remarks = *remarks
	}
	if addedBy != nil {
		c.AddedBy = *addedBy
	}
	err := s.saveLocked()
	s.applyAutoNamesLocked()
	if err == nil {
		err = s.saveLocked()
	}
	s.mu.Unlock()
	return c, err
}

// Move shifts one config by one slot in the chosen direction.
func (s *Store) Move(id int, direction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.configs {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return common.NewError("direct config ", id, " not found")
	}

	switch direction {
	case "up":
		if idx == 0 {
			return nil
		}
		s.configs[idx-1], s.configs[idx] = s.configs[idx], s.configs[idx-1]
	case "down":
		if idx >= len(s.configs)-1 {
			return nil
		}
		s.configs[idx+1], s.configs[idx] = s.configs[idx], s.configs[idx+1]
	default:
		return common.NewError("invalid direction: ", direction)
	}

	err := s.saveLocked()
	s.applyAutoNamesLocked()
	if err == nil {
		err = s.saveLocked()
	}
	return err
}

// MoveBatch shifts every selected id by one slot as a block, preserving
// relative order within both the selected and unselected groups — classic
// block-move semantics from move_configs.
func (s *Store) MoveBatch(ids []int, direction string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	selected := make(map[int]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	switch direction {
	case "up":
		for i := 1; i < len(s.configs); i++ {
			if selected[s.configs[i].ID] && !selected[s.configs[i-1].ID] {
				s.configs[i-1], s.configs[i] = s.configs[i], s.configs[i-1]
			}
		}
	case "down":
		for i := len(s.configs) - 2; i >= 0; i-- {
			if selected[s.configs[i].ID] && !selected[s.configs[i+1].ID] {
				s.configs[i], s.configs[i+1] = s.configs[i+1], s.configs[i]
			}
		}
	default:
		return common.NewError("invalid direction: ", direction)
	}

	err := s.saveLocked()
	s.applyAutoNamesLocked()
	if err == nil {
		err = s.saveLocked()
	}
	return err
}

// RefreshAllPings re-probes every stored link, throttled to once per 120s
// unless force is set.
func (s *Store) RefreshAllPings(ctx context.Context, force bool) {
	s.mu.Lock()
	now := time.Now()
	if !force && now.Sub(s.lastPingRefreshUTC) < s.pingRefreshEvery {
		s.mu.Unlock()
		return
	}
	configs := make([]*Config, len(s.configs))
	copy(configs, s.configs)
	s.mu.Unlock()

	type update struct {
		id       int
		ping     float64
		loss     float64
		isActive bool
	}
	var updates []update
	for _, c := range configs {
		result := s.prober.Probe(ctx, c.Raw, link.Protocol(c.Protocol), c.Server, c.Port)
		updates = append(updates, update{
			id:       c.ID,
			ping:     pingOrDead(result),
			loss:     lossFor(result),
			isActive: result.OK,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPingRefreshUTC = now
	changed := false
	for _, u := range updates {
		c := s.findLocked(u.id)
		if c == nil {
			continue
		}
		if c.PingMS != u.ping || c.PacketLoss != u.loss || c.IsActive != u.isActive {
			c.PingMS = u.ping
			c.PacketLoss = u.loss
			c.IsActive = u.isActive
			changed = true
		}
	}
	if changed {
		_ = s.saveLocked()
	}
}

// Stats reports protocol counts and active/inactive totals for
// GET /xpert/direct-configs/stats.
type Stats struct {
	TotalConfigs         int            `json:"totalConfigs"`
	ActiveConfigs        int            `json:"activeConfigs"`
	InactiveConfigs      int            `json:"inactiveConfigs"`
	Protocols            map[string]int `json:"protocols"`
	BypassWhitelistCount int            `json:"bypassWhitelistCount"`
	AutoSyncCount        int            `json:"autoSyncCount"`
}

func (s *Store) Stats() Stats {
	all := s.All()
	stats := Stats{Protocols: map[string]int{}}
	stats.TotalConfigs = len(all)
	for _, c := range all {
		if c.IsActive {
			stats.ActiveConfigs++
		}
		stats.Protocols[strings.ToUpper(c.Protocol)]++
		if c.BypassWhitelist {
			stats.BypassWhitelistCount++
		}
		if c.AutoSync {
			stats.AutoSyncCount++
		}
	}
	stats.InactiveConfigs = stats.TotalConfigs - stats.ActiveConfigs
	return stats
}
