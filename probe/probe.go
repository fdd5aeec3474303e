package probe

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log"
	"net/http"
	"time"
)

// Default payload sizes. The thorough probe runs once per stream start; the
// quick probe runs on every adaptation cycle, so it stays small to bound the
// data it burns on a metered uplink.
const (
	ThoroughProbeBytes = 2 * 1024 * 1024
	QuickProbeBytes    = 250 * 1024
)

// BandwidthProbe measures achievable upload throughput by timing a payload
// POST against a speed-test endpoint.
type BandwidthProbe struct {
	endpoint string
	client   *http.Client
}

// NewBandwidthProbe creates a probe against the given upload endpoint.
// The timeout is intentionally long: the probe transfers real data.
func NewBandwidthProbe(endpoint string, timeout time.Duration) *BandwidthProbe {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BandwidthProbe{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// MeasureUploadKbps uploads sizeBytes of random data and returns the measured
// throughput in kbit/s. Any failure (timeout, non-2xx, transport error)
// returns 0: the caller treats that as "no usable signal" and its polling
// cadence provides the retry.
func (p *BandwidthProbe) MeasureUploadKbps(ctx context.Context, sizeBytes int) float64 {
	// Random payload so nothing between here and the endpoint can compress
	// the transfer and inflate the reading.
	payload := make([]byte, sizeBytes)
	if _, err := rand.Read(payload); err != nil {
		log.Printf("[probe] generating payload failed: %v", err)
		return 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[probe] building speed-test request failed: %v", err)
		return 0
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[probe] speed test failed: %v", err)
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[probe] speed test returned HTTP %d", resp.StatusCode)
		return 0
	}

	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return 0
	}

	kbps := float64(sizeBytes) * 8 / (seconds * 1000)
	log.Printf("[probe] uploaded %d bytes in %.2fs -> %.0f kbps", sizeBytes, seconds, kbps)
	return kbps
}

// MeasureThorough runs the large initial probe used for start-up preset
// selection.
func (p *BandwidthProbe) MeasureThorough(ctx context.Context) float64 {
	return p.MeasureUploadKbps(ctx, ThoroughProbeBytes)
}

// MeasureQuick runs the small periodic probe used by the adaptation loop.
func (p *BandwidthProbe) MeasureQuick(ctx context.Context) float64 {
	return p.MeasureUploadKbps(ctx, QuickProbeBytes)
}
