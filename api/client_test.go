package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(liveURL, sourceURL string) *ControlPlaneClient {
	return NewControlPlaneClient(liveURL, sourceURL, "finish_cam", time.Minute)
}

func TestIsLiveEnabledTrue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"enabled": true, "updated_by": "race-office"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL, "")
	if !c.IsLiveEnabled(context.Background()) {
		t.Fatal("expected enabled=true")
	}
}

func TestIsLiveEnabledFailsClosed(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"enabled": tru`))
		}},
		{"missing field", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"something_else": 1}`))
		}},
		{"slow response", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.Write([]byte(`{"enabled": true}`))
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			server := httptest.NewServer(c.handler)
			defer server.Close()

			client := newTestClient(server.URL, "")
			if c.name == "slow response" {
				// Force the bounded timeout below the handler delay.
				client.httpClient.Timeout = 100 * time.Millisecond
			}
			if client.IsLiveEnabled(context.Background()) {
				t.Fatal("expected fail-closed disabled")
			}
		})
	}
}

func TestIsLiveEnabledCacheBusting(t *testing.T) {
	var lastQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.RawQuery)
		w.Write([]byte(`{"enabled": false}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL, "")
	c.IsLiveEnabled(context.Background())
	q, _ := lastQuery.Load().(string)
	if q == "" {
		t.Fatal("expected a cache-busting query parameter on the live status fetch")
	}
}

func TestFetchSourceConfigSingle(t *testing.T) {
	doc := `{"mode": "single", "camera": "start_cam"}`
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(doc))
	}))
	defer server.Close()

	c := newTestClient("", server.URL)
	sc, hash := c.FetchSourceConfig(context.Background())
	if sc.Mode != "single" || sc.Camera != "start_cam" {
		t.Fatalf("got %+v", sc)
	}
	// Config and hash come from the same fetch of the same body, so the
	// hash names exactly the revision that was parsed.
	if hash != HashSourceDocument([]byte(doc)) {
		t.Fatalf("hash = %s, want the hash of the served document", hash)
	}
	if n := requests.Load(); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
}

func TestFetchSourceConfigSplit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"mode": "split",
			"split": {
				"left":  {"camera": "start_cam",  "crop": "960:1080:0:0",   "label": "START"},
				"right": {"camera": "finish_cam", "crop": "960:1080:480:0", "label": "FINISH"}
			}
		}`))
	}))
	defer server.Close()

	c := newTestClient("", server.URL)
	sc, _ := c.FetchSourceConfig(context.Background())
	if sc.Mode != "split" {
		t.Fatalf("mode = %s, want split", sc.Mode)
	}
	if sc.Split.Left.Camera != "start_cam" || sc.Split.Right.Label != "FINISH" {
		t.Fatalf("split sides not parsed: %+v", sc.Split)
	}
}

func TestFetchSourceConfigDefaultsOnFailure(t *testing.T) {
	cases := []struct {
		name     string
		handler  http.HandlerFunc
		wantHash bool // a retrieved-but-unusable document still has an identity
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, false},
		{"malformed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json at all`))
		}, true},
		{"unknown mode", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"mode": "quad"}`))
		}, true},
		{"split missing camera", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"mode": "split", "split": {"left": {"camera": "start_cam"}}}`))
		}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			server := httptest.NewServer(c.handler)
			defer server.Close()

			client := newTestClient("", server.URL)
			sc, hash := client.FetchSourceConfig(context.Background())
			if sc.Mode != "single" || sc.Camera != "finish_cam" {
				t.Fatalf("expected default single/finish_cam, got %+v", sc)
			}
			if c.wantHash && hash == "" {
				t.Fatal("retrieved document should carry its content hash even when unusable")
			}
			if !c.wantHash && hash != "" {
				t.Fatal("no document retrieved, hash should be empty")
			}
		})
	}
}

func TestFetchSourceConfigCapsOversizedDocument(t *testing.T) {
	// A misbehaving endpoint streaming an enormous body must be read only up
	// to the cap and treated like any other malformed document.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mode": "single", "camera": "start_cam", "padding": "`))
		filler := bytes.Repeat([]byte("x"), 8192)
		for written := 0; written < 2*maxControlDocBytes; written += len(filler) {
			w.Write(filler)
		}
		w.Write([]byte(`"}`))
	}))
	defer server.Close()

	c := newTestClient("", server.URL)
	sc, _ := c.FetchSourceConfig(context.Background())
	if sc.Mode != "single" || sc.Camera != "finish_cam" {
		t.Fatalf("oversized document should fall back to the default camera, got %+v", sc)
	}
}

func TestCheckSourceChanged(t *testing.T) {
	doc := atomic.Value{}
	doc.Store(`{"mode": "single", "camera": "start_cam"}`)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc.Load().(string)))
	}))
	defer server.Close()

	c := newTestClient("", server.URL)

	// First poll establishes the hash without reporting a change.
	changed, hash := c.CheckSourceChanged(context.Background(), "")
	if changed {
		t.Fatal("first poll should not report a change")
	}
	if hash == "" {
		t.Fatal("first poll should return a hash")
	}

	// Same document: no change, hash preserved.
	changed, hash2 := c.CheckSourceChanged(context.Background(), hash)
	if changed {
		t.Fatal("identical document reported as changed")
	}
	if hash2 != hash {
		t.Fatal("stored hash changed on an identical document")
	}

	// Different document: change reported, new hash returned.
	doc.Store(`{"mode": "single", "camera": "finish_cam"}`)
	changed, hash3 := c.CheckSourceChanged(context.Background(), hash)
	if !changed {
		t.Fatal("modified document not reported as changed")
	}
	if hash3 == hash {
		t.Fatal("hash did not change with document")
	}
}

func TestCheckSourceChangedFailedFetchIsNotAChange(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"mode": "single", "camera": "start_cam"}`))
	}))
	defer server.Close()

	c := newTestClient("", server.URL)
	_, hash := c.CheckSourceChanged(context.Background(), "")

	fail.Store(true)
	changed, kept := c.CheckSourceChanged(context.Background(), hash)
	if changed {
		t.Fatal("failed fetch must never report a change")
	}
	if kept != hash {
		t.Fatal("failed fetch must preserve the stored hash")
	}
}
