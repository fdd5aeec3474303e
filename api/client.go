package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Poll timeouts. Status checks stay short; they carry no payload. The live
// poll while waiting for the gate to open is deliberately slow.
const (
	liveStatusTimeout   = 10 * time.Second
	sourceConfigTimeout = 5 * time.Second
	defaultLivePoll     = 60 * time.Second

	// Control-plane documents are a few hundred bytes. Anything past this
	// cap is a misbehaving endpoint, not a bigger document.
	maxControlDocBytes = 64 * 1024
)

// ControlPlaneClient talks to the remote control plane: the live gate flag
// and the stream source descriptor. Both documents are re-fetched on every
// poll and never cached past one interval.
type ControlPlaneClient struct {
	liveStatusURL   string
	sourceConfigURL string
	defaultCamera   string
	livePoll        time.Duration
	httpClient      *http.Client
}

// SplitSide describes one half of a split-mode composite.
type SplitSide struct {
	Camera string `json:"camera"`
	Crop   string `json:"crop"`  // ffmpeg crop expression, e.g. "960:1080:0:0"
	Label  string `json:"label"` // overlay text, e.g. "START"
}

// SourceConfig describes which camera(s) the stream should show.
type SourceConfig struct {
	Mode   string `json:"mode"` // "single" or "split"
	Camera string `json:"camera"`
	Split  struct {
		Left  SplitSide `json:"left"`
		Right SplitSide `json:"right"`
	} `json:"split"`
}

// NewControlPlaneClient creates a client for the live-status and
// source-config endpoints. defaultCamera is the fallback when the source
// descriptor is missing or malformed.
func NewControlPlaneClient(liveStatusURL, sourceConfigURL, defaultCamera string, livePoll time.Duration) *ControlPlaneClient {
	if livePoll <= 0 {
		livePoll = defaultLivePoll
	}
	return &ControlPlaneClient{
		liveStatusURL:   liveStatusURL,
		sourceConfigURL: sourceConfigURL,
		defaultCamera:   defaultCamera,
		livePoll:        livePoll,
		httpClient:      &http.Client{Timeout: liveStatusTimeout},
	}
}

// DefaultSourceConfig is what FetchSourceConfig falls back to on any failure.
func (c *ControlPlaneClient) DefaultSourceConfig() SourceConfig {
	return SourceConfig{Mode: "single", Camera: c.defaultCamera}
}

// IsLiveEnabled polls the remote live gate. Fails closed: any fetch or parse
// failure reads as disabled, so a broken control plane stops the stream
// rather than leaving it running unattended.
func (c *ControlPlaneClient) IsLiveEnabled(ctx context.Context) bool {
	body, err := c.fetch(ctx, c.liveStatusURL, liveStatusTimeout)
	if err != nil {
		log.Printf("[control] live status fetch failed, treating as disabled: %v", err)
		return false
	}

	var status struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		log.Printf("[control] live status parse failed, treating as disabled: %v", err)
		return false
	}
	if status.Enabled == nil {
		log.Printf("[control] live status missing enabled field, treating as disabled")
		return false
	}
	return *status.Enabled
}

// WaitUntilLiveEnabled blocks until the live gate opens, polling on the
// configured interval. This is the only unbounded wait in the system; it
// returns ctx.Err() when the process is shutting down.
func (c *ControlPlaneClient) WaitUntilLiveEnabled(ctx context.Context) error {
	if c.IsLiveEnabled(ctx) {
		return nil
	}
	log.Printf("[control] live streaming disabled, waiting (poll every %v)", c.livePoll)

	ticker := time.NewTicker(c.livePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if c.IsLiveEnabled(ctx) {
				log.Printf("[control] live streaming enabled")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FetchSourceConfig retrieves the stream source descriptor and its content
// hash, both derived from one fetch so the hash always names the revision
// actually returned. Malformed or unreachable descriptors never fail the
// caller: the stream falls back to the single default camera, with an empty
// hash when no document was retrieved at all.
func (c *ControlPlaneClient) FetchSourceConfig(ctx context.Context) (SourceConfig, string) {
	body, err := c.fetch(ctx, c.sourceConfigURL, sourceConfigTimeout)
	if err != nil {
		log.Printf("[control] source config fetch failed, using default camera %s: %v", c.defaultCamera, err)
		return c.DefaultSourceConfig(), ""
	}
	return c.parseSourceConfig(body), HashSourceDocument(body)
}

// parseSourceConfig validates a raw descriptor, falling back to the default
// camera on any shape it cannot stream.
func (c *ControlPlaneClient) parseSourceConfig(body []byte) SourceConfig {
	var sc SourceConfig
	if err := json.Unmarshal(body, &sc); err != nil {
		log.Printf("[control] source config parse failed, using default camera %s: %v", c.defaultCamera, err)
		return c.DefaultSourceConfig()
	}

	switch sc.Mode {
	case "split":
		if sc.Split.Left.Camera == "" || sc.Split.Right.Camera == "" {
			log.Printf("[control] split config missing a camera, using default camera %s", c.defaultCamera)
			return c.DefaultSourceConfig()
		}
	case "single":
		if sc.Camera == "" {
			sc.Camera = c.defaultCamera
		}
	default:
		log.Printf("[control] unknown source mode %q, using default camera %s", sc.Mode, c.defaultCamera)
		return c.DefaultSourceConfig()
	}
	return sc
}

// CheckSourceChanged performs a lightweight fetch of the raw source document
// and compares its content hash to prevHash. A failed fetch or empty body
// never reports a change: a flaky poll must not restart the encoder.
func (c *ControlPlaneClient) CheckSourceChanged(ctx context.Context, prevHash string) (bool, string) {
	body, err := c.fetch(ctx, c.sourceConfigURL, sourceConfigTimeout)
	if err != nil {
		log.Printf("[control] source change check failed, keeping current source: %v", err)
		return false, prevHash
	}
	if len(body) == 0 {
		return false, prevHash
	}

	newHash := HashSourceDocument(body)
	if prevHash != "" && newHash != prevHash {
		return true, newHash
	}
	return false, newHash
}

// HashSourceDocument computes the change-detection identity of a raw source
// descriptor. Identity is byte content, not semantic content: a reformatted
// but equivalent document still counts as changed.
func HashSourceDocument(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// fetch performs one GET with a cache-busting query parameter and a bounded
// timeout.
func (c *ControlPlaneClient) fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sep := "?"
	for _, ch := range url {
		if ch == '?' {
			sep = "&"
			break
		}
	}
	busted := fmt.Sprintf("%s%st=%d", url, sep, time.Now().UnixNano())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, busted, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxControlDocBytes))
}
