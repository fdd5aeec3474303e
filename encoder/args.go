package encoder

import (
	"fmt"
	"strings"

	"skicast/api"
	"skicast/config"
	"skicast/quality"
)

// buildArgs assembles the ffmpeg invocation for one encoder session: RTSP
// input(s), the split-mode compositing graph when requested, the preset's
// encoding parameters on the selected encoder, the machine-readable progress
// side channel, and the RTMP destination.
func buildArgs(cfg *config.Config, source api.SourceConfig, preset quality.Preset, hw HWEncoder, progressPath string) ([]string, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}
	if preset.Name != "passthrough" {
		args = append(args, hw.GlobalArgs...)
	}

	switch source.Mode {
	case "split":
		left, err := cfg.Camera(source.Split.Left.Camera)
		if err != nil {
			return nil, err
		}
		right, err := cfg.Camera(source.Split.Right.Camera)
		if err != nil {
			return nil, err
		}
		args = append(args, rtspInputArgs(left.RTSPURL(preset.StreamSubPath))...)
		args = append(args, rtspInputArgs(right.RTSPURL(preset.StreamSubPath))...)
		args = append(args,
			"-filter_complex", splitFilterGraph(source, preset, hw),
			"-map", "[out]",
			"-map", "0:a?",
		)
	case "single":
		cam, err := cfg.Camera(source.Camera)
		if err != nil {
			return nil, err
		}
		args = append(args, rtspInputArgs(cam.RTSPURL(preset.StreamSubPath))...)
		if preset.Name != "passthrough" {
			if vf := joinFilters(preset.ScaleFilter, hw.FilterSuffix); vf != "" {
				args = append(args, "-vf", vf)
			}
		}
	default:
		return nil, fmt.Errorf("unknown source mode: %s", source.Mode)
	}

	args = append(args, videoArgs(preset, hw)...)
	args = append(args,
		"-c:a", "aac",
		"-b:a", audioBitrate(preset),
		"-ar", "44100",
	)
	args = append(args,
		"-progress", progressPath,
		"-f", "flv",
		cfg.Destination(),
	)
	return args, nil
}

func rtspInputArgs(url string) []string {
	return []string{
		"-rtsp_transport", "tcp",
		"-rw_timeout", "5000000", // microseconds
		"-i", url,
	}
}

// videoArgs maps a preset to the selected encoder's parameter set, or to a
// straight codec copy for passthrough. The x264-specific tuning only applies
// to the software encoder; hardware encoders carry their own CodecArgs.
func videoArgs(preset quality.Preset, hw HWEncoder) []string {
	if preset.Name == "passthrough" {
		return []string{"-c:v", "copy"}
	}
	args := []string{"-c:v", hw.Codec}
	if hw.Kind == "software" {
		args = append(args,
			"-preset", preset.SpeedPreset,
			"-tune", "zerolatency",
			"-profile:v", preset.Profile,
			"-level", preset.Level,
			"-pix_fmt", "yuv420p",
		)
	} else {
		args = append(args, hw.CodecArgs...)
	}
	args = append(args,
		"-b:v", preset.VideoBitrate,
		"-maxrate", preset.MaxBitrate,
		"-bufsize", preset.BufferSize,
		"-r", fmt.Sprintf("%d", preset.FrameRate),
		"-g", fmt.Sprintf("%d", preset.KeyframeInterval),
	)
	return args
}

// joinFilters chains filter fragments, skipping empties.
func joinFilters(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ",")
}

func audioBitrate(preset quality.Preset) string {
	if preset.AudioBitrate == "" {
		return "96k"
	}
	return preset.AudioBitrate
}

// splitFilterGraph builds the crop/scale/label/stack graph that composites
// two camera feeds side by side. Each side is cropped per the source config,
// scaled to half frame width, labelled, then hstacked. The preset scale
// filter, when present, normalizes the stacked output.
func splitFilterGraph(source api.SourceConfig, preset quality.Preset, hw HWEncoder) string {
	var b strings.Builder

	writeSide := func(inputIdx int, side api.SplitSide, tag string) {
		fmt.Fprintf(&b, "[%d:v]", inputIdx)
		if side.Crop != "" {
			fmt.Fprintf(&b, "crop=%s,", side.Crop)
		}
		b.WriteString("scale=-2:720")
		if side.Label != "" {
			fmt.Fprintf(&b, ",drawtext=text='%s':fontcolor=white:fontsize=36:box=1:boxcolor=black@0.5:x=20:y=20",
				escapeDrawtext(side.Label))
		}
		fmt.Fprintf(&b, "[%s];", tag)
	}

	writeSide(0, source.Split.Left, "left")
	writeSide(1, source.Split.Right, "right")
	b.WriteString("[left][right]hstack=inputs=2")
	if tail := joinFilters(preset.ScaleFilter, hw.FilterSuffix); tail != "" {
		b.WriteString("," + tail)
	}
	b.WriteString("[out]")
	return b.String()
}

// escapeDrawtext escapes the characters drawtext treats specially.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}
