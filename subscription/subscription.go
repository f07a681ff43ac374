// Package subscription implements the subscription publisher: the
// plain-text or base64 body every client-side proxy app fetches, built
// from the current aggregator snapshot plus the direct-config store,
// with the fixed header set and Subscription-Userinfo line. QR rendering
// of the subscription URL is served alongside the text feed.
package subscription

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/xpert-gate/xpert/aggregator"
	"github.com/xpert-gate/xpert/directconfig"
)

// Format selects the subscription body encoding.
type Format string

const (
	FormatUniversal Format = "universal"
	FormatBase64    Format = "base64"
)

// UsageInfo is the Subscription-Userinfo header's upload/download/total
// triple for one subscriber token. All-zero when traffic tracking is
// disabled or the caller has no token.
type UsageInfo struct {
	UploadBytes   int64
	DownloadBytes int64
	TotalBytes    int64
}

// Result is a fully-built subscription response: body plus the full
// header set.
type Result struct {
	Body    string
	Headers map[string]string
}

// Publisher builds subscription bodies from the live aggregator snapshot
// and the direct-config store.
type Publisher struct {
	orchestrator *aggregator.Orchestrator
	directStore  *directconfig.Store
}

// New binds a Publisher to its two config sources.
func New(orchestrator *aggregator.Orchestrator, directStore *directconfig.Store) *Publisher {
	return &Publisher{orchestrator: orchestrator, directStore: directStore}
}

// Build assembles the universal (all sources) subscription response.
func (p *Publisher) Build(format Format, usage UsageInfo) Result {
	return p.build("Xpert", p.orchestrator.ActiveSorted(), p.directStore.Active(), format, usage)
}

// BuildDirectOnly assembles the direct-config-only subscription
// response under the "Xpert Direct" profile title.
func (p *Publisher) BuildDirectOnly(format Format, usage UsageInfo) Result {
	return p.build("Xpert Direct", nil, p.directStore.Active(), format, usage)
}

func (p *Publisher) build(title string, aggregated []*aggregator.AggregatedConfig, direct []*directconfig.Config, format Format, usage UsageInfo) Result {
	var lines []string
	for _, c := range aggregated {
		lines = append(lines, c.Raw)
	}
	for _, c := range direct {
		lines = append(lines, c.Raw)
	}

	body := strings.Join(lines, "\n")
	if format == FormatBase64 {
		body = base64.StdEncoding.EncodeToString([]byte(body))
	}

	headers := map[string]string{
		"Content-Type":            "text/plain; charset=utf-8",
		"Profile-Update-Interval": "1",
		"Profile-Title":           title,
		"Subscription-Userinfo":   fmt.Sprintf("upload=%d; download=%d; total=%d; expire=0", usage.UploadBytes, usage.DownloadBytes, usage.TotalBytes),
	}

	return Result{Body: body, Headers: headers}
}

// QRCode renders subURL as a PNG QR code at the given pixel size.
func QRCode(subURL string, size int) ([]byte, error) {
	return qrcode.Encode(subURL, qrcode.Medium, size)
}
