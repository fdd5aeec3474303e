package encoder

import (
	"strings"
	"testing"

	"skicast/api"
	"skicast/quality"
)

func TestVideoArgsHardwareEncoder(t *testing.T) {
	args := strings.Join(videoArgs(quality.PresetHigh, nvencEncoder()), " ")

	if !strings.Contains(args, "-c:v h264_nvenc") {
		t.Errorf("nvenc codec missing: %s", args)
	}
	if !strings.Contains(args, "-preset p4") {
		t.Errorf("nvenc tuning missing: %s", args)
	}
	// Rate control stays preset-driven regardless of encoder.
	if !strings.Contains(args, "-b:v 4500k") || !strings.Contains(args, "-maxrate 5000k") {
		t.Errorf("preset rate control missing: %s", args)
	}
	// x264-only flags must not leak onto a hardware encoder.
	for _, banned := range []string{"zerolatency", "-profile:v", "-pix_fmt"} {
		if strings.Contains(args, banned) {
			t.Errorf("x264 flag %q leaked into nvenc args: %s", banned, args)
		}
	}
}

func TestBuildArgsVAAPIFilterChain(t *testing.T) {
	cfg := testConfig()
	source := api.SourceConfig{Mode: "single", Camera: "finish_cam"}

	args, err := buildArgs(cfg, source, quality.PresetLow, vaapiEncoder(), "/tmp/progress.log")
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "-vaapi_device /dev/dri/renderD128") {
		t.Errorf("vaapi device init missing: %s", joined)
	}
	// hwupload must come after the scale so the surface lands on the GPU last.
	if !strings.Contains(joined, "-vf scale=854:480,format=nv12,hwupload") {
		t.Errorf("vaapi filter chain wrong: %s", joined)
	}
	if !strings.Contains(joined, "-c:v h264_vaapi") {
		t.Errorf("vaapi codec missing: %s", joined)
	}
}

func TestBuildArgsPassthroughSkipsHardwareSetup(t *testing.T) {
	cfg := testConfig()
	source := api.SourceConfig{Mode: "single", Camera: "finish_cam"}

	args, err := buildArgs(cfg, source, quality.PresetPassthrough, vaapiEncoder(), "/tmp/progress.log")
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}
	joined := strings.Join(args, " ")

	if strings.Contains(joined, "vaapi") || strings.Contains(joined, "hwupload") {
		t.Errorf("passthrough must not touch the hardware encoder: %s", joined)
	}
}

func TestJoinFilters(t *testing.T) {
	if got := joinFilters("", ""); got != "" {
		t.Errorf("joinFilters empty = %q", got)
	}
	if got := joinFilters("scale=854:480", ""); got != "scale=854:480" {
		t.Errorf("joinFilters single = %q", got)
	}
	if got := joinFilters("scale=854:480", "format=nv12,hwupload"); got != "scale=854:480,format=nv12,hwupload" {
		t.Errorf("joinFilters chained = %q", got)
	}
}
