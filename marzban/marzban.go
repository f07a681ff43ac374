// Package marzban is the write-through client for the operator's Marzban
// panel: for each active config, ensure a ProxyHost row exists for the
// config's inbound tag, defaulting TLS/SNI/ALPN per protocol. Hosts are
// never deleted except through the explicit orphan-cleanup path.
package marzban

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xpert-gate/xpert/logger"
	"github.com/xpert-gate/xpert/util/jsonutil"
)

// ProxyHost is the subset of Marzban's host-inventory row this system
// writes through. Fields beyond what the write-through contract needs are
// intentionally absent — the real schema is out of scope.
type ProxyHost struct {
	Remark      string `json:"remark"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	SNI         string `json:"sni"`
	Host        string `json:"host"`
	Security    string `json:"security"`
	ALPN        string `json:"alpn"`
	Fingerprint string `json:"fingerprint"`
}

// Config is the minimal shape a caller (the aggregator) passes in — it
// deliberately mirrors the fields marzban.ToProxyHost needs rather than
// importing the aggregator's own AggregatedConfig type, keeping this
// package dependency-free of the orchestrator.
type Config struct {
	Protocol string
	Host     string
	Port     int
	Label    string
}

// ToProxyHost applies the per-protocol TLS/SNI/ALPN defaults: TLS with a
// chrome fingerprint and h2/http1.1 ALPN for everything except
// Shadowsocks, which gets security=none, empty SNI, alpn=none.
func ToProxyHost(remarkPrefix string, c Config) ProxyHost {
	host := Config{Protocol: c.Protocol, Host: c.Host, Port: c.Port}
	remark := fmt.Sprintf("%s-%s-%s", remarkPrefix, strings.ToUpper(c.Protocol), truncate(host.Host, 15))

	ph := ProxyHost{
		Remark:      remark,
		Address:     c.Host,
		Port:        c.Port,
		Path:        "",
		SNI:         c.Host,
		Host:        c.Host,
		Security:    "tls",
		ALPN:        "h2,http/1.1",
		Fingerprint: "chrome",
	}
	if strings.EqualFold(c.Protocol, "shadowsocks") {
		ph.Security = "none"
		ph.SNI = ""
		ph.ALPN = "none"
		ph.Fingerprint = "none"
	}
	return ph
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// InboundTagFor resolves the inbound tag for a config: the operator's
// configured fallback tag, then a fixed "{protocol}-in-{port}" name —
// there is no live xray.config to consult inbounds_by_tag against in this
// system (that live-process introspection is itself out of scope), so the
// fallback-tag-or-synthesize path is this package's whole story.
func InboundTagFor(fallbackTag string, protocol string, port int) string {
	if fallbackTag != "" {
		return fallbackTag
	}
	return fmt.Sprintf("%s-in-%d", strings.ToLower(protocol), port)
}

// SyncResult reports the outcome of one push-through batch. Per-row
// failures are collected, not raised — the batch must never abort
// partway.
type SyncResult struct {
	Synced int
	Errors []string
}

// Client talks to a Marzban instance's host-inventory API. A Client with
// an empty BaseURL (or a nil *Client) makes SyncActive a no-op that still
// returns a SyncResult, so deployments without Marzban integration behave
// identically to "nothing to push."
type Client struct {
	BaseURL    string
	Username   string
	Password   string
	httpClient *http.Client
}

// NewClient builds a Marzban client. An empty baseURL disables the
// integration (EnsureHost/SyncActive/CleanupInactiveHosts become no-ops).
func NewClient(baseURL, username, password string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) enabled() bool { return c != nil && c.BaseURL != "" }

// EnsureHost upserts a ProxyHost under the given inbound tag. It never
// deletes hosts whose address already exists; it is a pure add-if-missing
// write-through.
func (c *Client) EnsureHost(ctx context.Context, inboundTag string, host ProxyHost) error {
	if !c.enabled() {
		return nil
	}
	body, err := jsonutil.Marshal(host)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/inbounds/%s/hosts", c.BaseURL, inboundTag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("marzban: ensure host %s returned status %d", host.Address, resp.StatusCode)
	}
	return nil
}

// SyncActive groups configs by inbound tag and ensures a ProxyHost exists
// for each one whose address is not already present — never removing a
// host. Per-row failures are collected into the result, not returned as
// an error, so one bad host never aborts the batch.
func (c *Client) SyncActive(ctx context.Context, fallbackTag string, configs []Config, knownAddresses func(inboundTag string) map[string]bool) SyncResult {
	result := SyncResult{}
	if !c.enabled() {
		return result
	}

	byTag := map[string][]Config{}
	for _, cfg := range configs {
		tag := InboundTagFor(fallbackTag, cfg.Protocol, cfg.Port)
		byTag[tag] = append(byTag[tag], cfg)
	}

	for tag, cfgs := range byTag {
		existing := map[string]bool{}
		if knownAddresses != nil {
			existing = knownAddresses(tag)
		}
		for _, cfg := range cfgs {
			if existing[cfg.Host] {
				continue
			}
			ph := ToProxyHost("Xpert", cfg)
			if err := c.EnsureHost(ctx, tag, ph); err != nil {
				logger.Errorf("marzban: failed to add host %s: %v", cfg.Host, err)
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Synced++
		}
	}
	return result
}

// CleanupInactiveHosts removes hosts whose address is not in
// activeAddresses. This is the only deletion path this package exposes —
// it must be invoked explicitly, never implicitly from SyncActive.
func (c *Client) CleanupInactiveHosts(ctx context.Context, inboundTag string, activeAddresses map[string]bool, currentHosts []ProxyHost) (removed int, errs []string) {
	if !c.enabled() {
		return 0, nil
	}
	for _, h := range currentHosts {
		if activeAddresses[h.Address] {
			continue
		}
		if err := c.deleteHost(ctx, inboundTag, h.Address); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		removed++
	}
	return removed, errs
}

func (c *Client) deleteHost(ctx context.Context, inboundTag, address string) error {
	url := fmt.Sprintf("%s/api/inbounds/%s/hosts/%s", c.BaseURL, inboundTag, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("marzban: delete host %s returned status %d", address, resp.StatusCode)
	}
	return nil
}
