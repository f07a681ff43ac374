// Package link implements the Link Parser: decoding a single proxy-link
// line (vless/vmess/trojan/ss/ssr) into its protocol, host, port, label
// and TLS profile. Parsing never returns an error: a malformed link
// yields nil and the caller drops the line.
package link

import (
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"

	"github.com/xpert-gate/xpert/util/jsonutil"
)

// Protocol enumerates the five supported link formats.
type Protocol string

const (
	VLESS       Protocol = "vless"
	VMess       Protocol = "vmess"
	Trojan      Protocol = "trojan"
	Shadowsocks Protocol = "shadowsocks"
	SSR         Protocol = "ssr"
)

// Parsed is the output of a successful parse: enough to dial and rank the
// endpoint, plus the original raw link for byte-exact passthrough.
type Parsed struct {
	Protocol Protocol
	Host     string
	Port     int
	Label    string
	TLS      bool
	Raw      string
}

var tlsPorts = map[int]bool{
	443: true, 8443: true, 2053: true, 2083: true, 2087: true, 2096: true,
}

var tlsMarkers = []string{
	"security=tls", "security=reality", "tls=1", "type=grpc", "sni=", "alpn=",
}

// Parse dispatches on scheme prefix and returns nil on any failure.
func Parse(raw string) *Parsed {
	raw = strings.TrimSpace(raw)
	var (
		host  string
		port  int
		label string
		ok    bool
	)

	switch {
	case strings.HasPrefix(raw, "vless://"):
		host, port, label, ok = parseURIForm(raw)
		if !ok {
			return nil
		}
		return finish(VLESS, raw, host, port, label)
	case strings.HasPrefix(raw, "trojan://"):
		host, port, label, ok = parseURIForm(raw)
		if !ok {
			return nil
		}
		return finish(Trojan, raw, host, port, label)
	case strings.HasPrefix(raw, "ss://"):
		host, port, label, ok = parseURIForm(raw)
		if !ok {
			return nil
		}
		return finish(Shadowsocks, raw, host, port, label)
	case strings.HasPrefix(raw, "ssr://"):
		host, port, ok = parseSSR(raw)
		if !ok {
			return nil
		}
		return finish(SSR, raw, host, port, "")
	case strings.HasPrefix(raw, "vmess://"):
		host, port, label, ok = parseVMess(raw)
		if !ok {
			return nil
		}
		return finish(VMess, raw, host, port, label)
	}
	return nil
}

func finish(proto Protocol, raw, host string, port int, label string) *Parsed {
	if host == "" || port <= 0 || port > 65535 {
		return nil
	}
	return &Parsed{
		Protocol: proto,
		Host:     host,
		Port:     port,
		Label:    label,
		TLS:      detectTLS(raw, proto, port),
		Raw:      raw,
	}
}

func parseURIForm(raw string) (host string, port int, label string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", false
	}
	host = u.Hostname()
	if host == "" {
		return "", 0, "", false
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, "", false
		}
	} else {
		port = 443
	}
	label = u.Fragment
	if decoded, err := url.QueryUnescape(label); err == nil {
		label = decoded
	}
	return host, port, label, true
}

func parseSSR(raw string) (host string, port int, ok bool) {
	encoded := strings.TrimPrefix(raw, "ssr://")
	decoded, err := base64DecodePadded(encoded, true)
	if err != nil {
		return "", 0, false
	}
	parts := strings.SplitN(string(decoded), ":", -1)
	if len(parts) < 2 {
		return "", 0, false
	}
	host = parts[0]
	port, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

type vmessPayload struct {
	Add  string      `json:"add"`
	Port interface{} `json:"port"`
	PS   string      `json:"ps"`
	TLS  interface{} `json:"tls"`
	SCY  interface{} `json:"scy"`
	SNI  interface{} `json:"sni"`
	ALPN interface{} `json:"alpn"`
	FP   interface{} `json:"fp"`
	PBK  interface{} `json:"pbk"`
}

func decodeVMessPayload(raw string) (*vmessPayload, bool) {
	if !strings.HasPrefix(raw, "vmess://") {
		return nil, false
	}
	encoded := strings.TrimPrefix(raw, "vmess://")
	decoded, err := base64DecodePadded(encoded, false)
	if err != nil {
		return nil, false
	}
	var payload vmessPayload
	if err := jsonutil.Unmarshal(decoded, &payload); err != nil {
		return nil, false
	}
	return &payload, true
}

func parseVMess(raw string) (host string, port int, label string, ok bool) {
	payload, found := decodeVMessPayload(raw)
	if !found {
		return "", 0, "", false
	}
	host = payload.Add
	port = toPort(payload.Port, 443)
	label = payload.PS
	return host, port, label, true
}

func toPort(v interface{}, fallback int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return fallback
}

// base64DecodePadded right-pads to a multiple of 4 and tolerates both
// the standard and urlsafe alphabets.
func base64DecodePadded(s string, urlsafe bool) ([]byte, error) {
	s = strings.TrimSpace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	if urlsafe {
		if b, err := base64.URLEncoding.DecodeString(s); err == nil {
			return b, nil
		}
		return base64.StdEncoding.DecodeString(s)
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func detectTLS(raw string, proto Protocol, port int) bool {
	if tlsPorts[port] {
		return true
	}
	if proto == Trojan {
		return true
	}
	if proto == VMess && vmessUsesTLS(raw) {
		return true
	}
	lower := strings.ToLower(raw)
	for _, m := range tlsMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func vmessUsesTLS(raw string) bool {
	payload, ok := decodeVMessPayload(raw)
	if !ok {
		return false
	}
	tlsVal := strings.ToLower(toStr(payload.TLS))
	scyVal := strings.ToLower(toStr(payload.SCY))
	switch tlsVal {
	case "tls", "reality", "1", "true":
		return true
	}
	switch scyVal {
	case "tls", "reality":
		return true
	}
	return truthy(payload.SNI) || truthy(payload.ALPN) || truthy(payload.FP) || truthy(payload.PBK)
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	}
	return false
}
