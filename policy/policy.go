// Package policy implements the per-subscriber gatekeeping store: three
// independent sub-policies (HWID strict lock, HWID N-device pool, and a
// unique-IP rolling window) persisted in one mutex-guarded JSON file with
// a full-file rewrite on each change. Absent policy always means allow.
package policy

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xpert-gate/xpert/util/jsonutil"
)

// DefaultUniqueIPLimit applies when a subscriber has IP limiting enabled
// with no explicit limit.
const DefaultUniqueIPLimit = 3

// IPWindow is the rolling interval distinct client IPs are counted over.
const IPWindow = 2 * time.Hour

// hwidHeaders is the v2box-widened header precedence list for the
// presented device id, checked in order before falling back to query
// params.
var hwidHeaders = []string{"X-Device-Id", "X-HWID", "X-Install-Id", "X-App-Instance-Id"}
var hwidQueryParams = []string{"v2box_id", "v2box_hwid", "device_id", "hwid"}

// Device is purely informational per-device audit metadata recorded
// alongside an accepted HWID pool entry. It never gates a decision.
type Device struct {
	HWID        string `json:"hwid"`
	DeviceName  string `json:"deviceName,omitempty"`
	DeviceOS    string `json:"deviceOs,omitempty"`
	DeviceModel string `json:"deviceModel,omitempty"`
	OSVersion   string `json:"osVersion,omitempty"`
	FirstSeenIP string `json:"firstSeenIp,omitempty"`
	FirstSeenAt int64  `json:"firstSeenAt,omitempty"`
}

// SubscriberPolicy is one subscriber's full policy entry.
type SubscriberPolicy struct {
	Username      string             `json:"username"`
	RequiredHWID  string             `json:"requiredHwid,omitempty"`
	MaxUniqueHWID int                `json:"maxUniqueHwid,omitempty"`
	SeenHWIDs     []string           `json:"seenHwids,omitempty"`
	Devices       map[string]*Device `json:"devices,omitempty"`
	UniqueIPLimit int                `json:"uniqueIpLimit,omitempty"`
	IPWindow      map[string]int64   `json:"ipWindow,omitempty"`
	BlockedAt     int64              `json:"blockedAt,omitempty"`
	BlockReason   string             `json:"blockReason,omitempty"`
	UpdatedAt     int64              `json:"updatedAt"`
}

// Store is the mutex-guarded, file-backed collection of per-subscriber
// policies.
type Store struct {
	mu       sync.Mutex
	path     string
	policies map[string]*SubscriberPolicy
}

// New loads (or initializes) the policy store backed by path. Any
// legacyHWIDLockPaths are read additively on load: each is a plain
// {username: hwid} map left behind by the old split-file layout, and a
// lock found there is folded into the entry only when the primary file
// doesn't already carry one.
func New(path string, legacyHWIDLockPaths ...string) (*Store, error) {
	s := &Store{path: path, policies: map[string]*SubscriberPolicy{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	for _, lp := range legacyHWIDLockPaths {
		s.mergeLegacyHWIDLocks(lp)
	}
	return s, nil
}

func (s *Store) mergeLegacyHWIDLocks(path string) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return
	}
	var locks map[string]string
	if err := jsonutil.Unmarshal(data, &locks); err != nil {
		return
	}
	for username, hwid := range locks {
		hwid = normalizeHWID(hwid)
		if username == "" || hwid == "" {
			continue
		}
		p := s.policies[username]
		if p == nil {
			p = &SubscriberPolicy{Username: username}
			s.policies[username] = p
		}
		if p.RequiredHWID != "" {
			continue
		}
		p.RequiredHWID = hwid
		if !containsHWID(p.SeenHWIDs, hwid) {
			p.SeenHWIDs = append(p.SeenHWIDs, hwid)
		}
	}
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var m map[string]*SubscriberPolicy
	if err := jsonutil.Unmarshal(data, &m); err != nil {
		return err
	}
	s.policies = m
	return nil
}

// saveLocked must be called with s.mu held. Write-through-temp-and-rename,
// the same durability pattern as sources.Registry and directconfig.Store.
func (s *Store) saveLocked() error {
	data, err := jsonutil.MarshalIndent(s.policies, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".policy-*.tmp")
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

func (s *Store) entryLocked(username string) *SubscriberPolicy {
	p, ok := s.policies[username]
	if !ok {
		return nil
	}
	return p
}

func normalizeHWID(hwid string) string {
	return strings.TrimSpace(hwid)
}

func containsHWID(seen []string, hwid string) bool {
	for _, v := range seen {
		if v == hwid {
			return true
		}
	}
	return false
}

// SetRequiredHWID sets the strict-lock HWID for username, folding it
// into seen_hwids so it always counts inside any configured pool.
func (s *Store) SetRequiredHWID(username, hwid string) error {
	hwid = normalizeHWID(hwid)
	if hwid == "" || username == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entryLocked(username)
	if p == nil {
		p = &SubscriberPolicy{Username: username}
		s.policies[username] = p
	}
	p.RequiredHWID = hwid
	if !containsHWID(p.SeenHWIDs, hwid) {
		p.SeenHWIDs = append(p.SeenHWIDs, hwid)
	}
	p.UpdatedAt = time.Now().Unix()
	return s.saveLocked()
}

// SetHWIDLimit configures the N-device pool size for username. Limits
// outside 1..5 are ignored.
func (s *Store) SetHWIDLimit(username string, maxUniqueHWID int) error {
	if maxUniqueHWID < 1 || maxUniqueHWID > 5 || username == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entryLocked(username)
	if p == nil {
		p = &SubscriberPolicy{Username: username}
		s.policies[username] = p
	}
	p.MaxUniqueHWID = maxUniqueHWID
	if p.RequiredHWID != "" && !containsHWID(p.SeenHWIDs, p.RequiredHWID) {
		p.SeenHWIDs = append(p.SeenHWIDs, p.RequiredHWID)
	}
	p.UpdatedAt = time.Now().Unix()
	return s.saveLocked()
}

// ClearHWIDPolicy removes any HWID lock/pool configuration for username.
// Returns whether an entry existed.
func (s *Store) ClearHWIDPolicy(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entryLocked(username)
	if p == nil {
		return false
	}
	existed := p.RequiredHWID != "" || p.MaxUniqueHWID != 0 || len(p.SeenHWIDs) > 0
	p.RequiredHWID = ""
	p.MaxUniqueHWID = 0
	p.SeenHWIDs = nil
	p.Devices = nil
	p.UpdatedAt = time.Now().Unix()
	_ = s.saveLocked()
	return existed
}

// DeviceMeta is the optional per-device audit metadata a client may send
// alongside its HWID header (X-Device-OS, X-Device-Model, X-Ver-OS).
type DeviceMeta struct {
	DeviceName string
	DeviceOS   string
	Model      string
	OSVersion  string
	ClientIP   string
}

// CheckAndRegisterHWID runs the four-branch device decision:
//   - no lock and no pool configured: allow
//   - strict lock, no pool: allow iff incoming == required
//   - pool (with or without strict lock): require a non-empty incoming
//     HWID; allow+refresh if already known; allow+register if pool has
//     room; otherwise deny.
func (s *Store) CheckAndRegisterHWID(username, incomingHWID string, meta DeviceMeta) bool {
	if username == "" {
		return true
	}
	incoming := normalizeHWID(incomingHWID)

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entryLocked(username)
	if p == nil {
		return true
	}

	required := p.RequiredHWID
	hasPool := p.MaxUniqueHWID > 0

	if required == "" && !hasPool {
		return true
	}
	if required != "" && !hasPool {
		return incoming == required
	}
	if incoming == "" {
		return false
	}

	if required != "" && !containsHWID(p.SeenHWIDs, required) {
		p.SeenHWIDs = append(p.SeenHWIDs, required)
	}

	if containsHWID(p.SeenHWIDs, incoming) {
		s.touchDeviceLocked(p, incoming, meta)
		_ = s.saveLocked()
		return true
	}

	if len(p.SeenHWIDs) >= p.MaxUniqueHWID {
		return false
	}

	p.SeenHWIDs = append(p.SeenHWIDs, incoming)
	s.touchDeviceLocked(p, incoming, meta)
	p.UpdatedAt = time.Now().Unix()
	_ = s.saveLocked()
	return true
}

func (s *Store) touchDeviceLocked(p *SubscriberPolicy, hwid string, meta DeviceMeta) {
	if p.Devices == nil {
		p.Devices = map[string]*Device{}
	}
	d, ok := p.Devices[hwid]
	if !ok {
		d = &Device{HWID: hwid, FirstSeenIP: meta.ClientIP, FirstSeenAt: time.Now().Unix()}
		p.Devices[hwid] = d
	}
	if meta.DeviceName != "" {
		d.DeviceName = meta.DeviceName
	}
	if meta.DeviceOS != "" {
		d.DeviceOS = meta.DeviceOS
	}
	if meta.Model != "" {
		d.DeviceModel = meta.Model
	}
	if meta.OSVersion != "" {
		d.OSVersion = meta.OSVersion
	}
}

// ExtractPresentedHWID reads the presented device id from r using the
// v2box-widened header precedence, falling back to query params.
func ExtractPresentedHWID(r *http.Request) string {
	for _, h := range hwidHeaders {
		if v := strings.TrimSpace(r.Header.Get(h)); v != "" {
			return v
		}
	}
	q := r.URL.Query()
	for _, k := range hwidQueryParams {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// ClientIP extracts the caller's IP with precedence X-Real-IP, first
// entry of X-Forwarded-For, then the transport peer.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if !strings.Contains(host[idx+1:], "]") {
			host = host[:idx]
		}
	}
	return strings.Trim(host, "[]")
}

// SetUniqueIPLimit enables the rolling-window limit for username. limit<=0
// enables it at DefaultUniqueIPLimit. The stored value is always explicit:
// an entry with no stored limit has IP limiting disabled entirely, so an
// HWID-only policy never implies an IP policy.
func (s *Store) SetUniqueIPLimit(username string, limit int) error {
	if username == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultUniqueIPLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entryLocked(username)
	if p == nil {
		p = &SubscriberPolicy{Username: username}
		s.policies[username] = p
	}
	p.UniqueIPLimit = limit
	p.UpdatedAt = time.Now().Unix()
	return s.saveLocked()
}

// ClearUniqueIPLimit disables IP limiting for username. Returns whether
// a limit had been set.
func (s *Store) ClearUniqueIPLimit(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entryLocked(username)
	if p == nil || p.UniqueIPLimit == 0 {
		return false
	}
	p.UniqueIPLimit = 0
	p.IPWindow = nil
	p.UpdatedAt = time.Now().Unix()
	_ = s.saveLocked()
	return true
}

// CheckAndRegisterIP prunes window entries older than now-2h, then
// allows+refreshes if ip is already known, allows+inserts if the pruned
// window has room, and denies otherwise.
func (s *Store) CheckAndRegisterIP(username, ip string) bool {
	if username == "" || ip == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entryLocked(username)
	if p == nil || p.UniqueIPLimit <= 0 {
		return true
	}
	limit := p.UniqueIPLimit

	cutoff := time.Now().Add(-IPWindow).Unix()
	pruned := map[string]int64{}
	for seenIP, ts := range p.IPWindow {
		if ts >= cutoff {
			pruned[seenIP] = ts
		}
	}

	now := time.Now().Unix()
	if _, ok := pruned[ip]; ok {
		pruned[ip] = now
		p.IPWindow = pruned
		_ = s.saveLocked()
		return true
	}

	if len(pruned) >= limit {
		p.IPWindow = pruned
		_ = s.saveLocked()
		return false
	}

	pruned[ip] = now
	p.IPWindow = pruned
	p.UpdatedAt = now
	_ = s.saveLocked()
	return true
}

// Get returns a copy of username's policy entry, or nil if none exists.
func (s *Store) Get(username string) *SubscriberPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.entryLocked(username)
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
