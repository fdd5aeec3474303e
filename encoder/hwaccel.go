package encoder

import (
	"log"
	"os/exec"
	"runtime"
	"strings"
)

// HWEncoder describes the H.264 encoder a session will use: a hardware
// encoder detected at startup, or the libx264 software fallback. GlobalArgs
// go before the inputs (device init), CodecArgs after -c:v, and FilterSuffix
// is appended to the video filter chain (hwupload for VA-API).
type HWEncoder struct {
	Kind         string
	Codec        string
	GlobalArgs   []string
	CodecArgs    []string
	FilterSuffix string
}

// SoftwareEncoder returns the libx264 fallback. Its tuning comes from the
// preset (speed preset, profile, level), not from CodecArgs.
func SoftwareEncoder() HWEncoder {
	return HWEncoder{Kind: "software", Codec: "libx264"}
}

func nvencEncoder() HWEncoder {
	return HWEncoder{
		Kind:      "nvenc",
		Codec:     "h264_nvenc",
		CodecArgs: []string{"-preset", "p4", "-tune", "ll"},
	}
}

func vaapiEncoder() HWEncoder {
	return HWEncoder{
		Kind:         "vaapi",
		Codec:        "h264_vaapi",
		GlobalArgs:   []string{"-vaapi_device", "/dev/dri/renderD128"},
		FilterSuffix: "format=nv12,hwupload",
	}
}

func qsvEncoder() HWEncoder {
	return HWEncoder{
		Kind:      "qsv",
		Codec:     "h264_qsv",
		CodecArgs: []string{"-preset", "veryfast"},
	}
}

// DetectHardwareEncoder probes ffmpeg for a working hardware H.264 encoder
// and falls back to libx264 when none passes. Each candidate is verified
// with a short test encode: an encoder listed by ffmpeg whose driver or
// render device is missing still fails at stream start, so the listing
// alone is not trusted.
func DetectHardwareEncoder() HWEncoder {
	var candidates []HWEncoder
	if runtime.GOOS == "linux" {
		// VA-API first on Linux: it covers Intel iGPUs more reliably than QSV.
		candidates = []HWEncoder{vaapiEncoder(), nvencEncoder(), qsvEncoder()}
	} else {
		candidates = []HWEncoder{nvencEncoder(), qsvEncoder()}
	}

	listed := listFFmpegEncoders()
	for _, hw := range candidates {
		if !strings.Contains(listed, hw.Codec) {
			continue
		}
		if !testEncode(hw) {
			log.Printf("[hwaccel] %s listed but test encode failed, skipping", hw.Codec)
			continue
		}
		log.Printf("[hwaccel] using %s hardware encoder (%s)", hw.Kind, hw.Codec)
		return hw
	}

	log.Println("[hwaccel] no hardware encoder available, using libx264")
	return SoftwareEncoder()
}

func listFFmpegEncoders() string {
	out, err := exec.Command("ffmpeg", "-hide_banner", "-encoders").Output()
	if err != nil {
		log.Printf("[hwaccel] failed to list ffmpeg encoders: %v", err)
		return ""
	}
	return string(out)
}

// testEncode runs a one-second synthetic encode through the candidate.
func testEncode(hw HWEncoder) bool {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
	}
	args = append(args, hw.GlobalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", "testsrc2=duration=1:size=320x240:rate=25",
	)
	if hw.FilterSuffix != "" {
		args = append(args, "-vf", hw.FilterSuffix)
	}
	args = append(args, "-c:v", hw.Codec)
	args = append(args, hw.CodecArgs...)
	args = append(args, "-f", "null", "-")
	return exec.Command("ffmpeg", args...).Run() == nil
}
