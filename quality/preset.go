package quality

import "fmt"

// Preset bundles all encoder parameters for one quality level.
type Preset struct {
	Name              string `json:"name"`
	TargetBitrateKbps int    `json:"target_bitrate_kbps"` // adaptation target used for ratio computation
	StreamSubPath     string `json:"stream_sub_path"`     // camera stream path tier: "main" or "sub"
	VideoBitrate      string `json:"video_bitrate"`       // e.g. "4500k"
	MaxBitrate        string `json:"max_bitrate"`
	BufferSize        string `json:"buffer_size"`
	FrameRate         int    `json:"frame_rate"`
	KeyframeInterval  int    `json:"keyframe_interval"`
	Profile           string `json:"profile"`
	Level             string `json:"level"`
	SpeedPreset       string `json:"speed_preset"`
	ScaleFilter       string `json:"scale_filter"` // empty = no scaling
	AudioBitrate      string `json:"audio_bitrate"`
}

// The adaptive ladder, lowest to highest. Ultra and Passthrough sit outside
// the ladder: they are selectable from the CLI but never chosen by adaptation.
var (
	PresetLow = Preset{
		Name:              "low",
		TargetBitrateKbps: 800,
		StreamSubPath:     "sub",
		VideoBitrate:      "800k",
		MaxBitrate:        "900k",
		BufferSize:        "1600k",
		FrameRate:         25,
		KeyframeInterval:  50,
		Profile:           "main",
		Level:             "3.1",
		SpeedPreset:       "veryfast",
		ScaleFilter:       "scale=854:480",
		AudioBitrate:      "64k",
	}

	PresetMedium = Preset{
		Name:              "medium",
		TargetBitrateKbps: 1500,
		StreamSubPath:     "sub",
		VideoBitrate:      "1500k",
		MaxBitrate:        "1700k",
		BufferSize:        "3000k",
		FrameRate:         25,
		KeyframeInterval:  50,
		Profile:           "main",
		Level:             "3.1",
		SpeedPreset:       "veryfast",
		ScaleFilter:       "scale=1280:720",
		AudioBitrate:      "96k",
	}

	PresetHigh = Preset{
		Name:              "high",
		TargetBitrateKbps: 4500,
		StreamSubPath:     "main",
		VideoBitrate:      "4500k",
		MaxBitrate:        "5000k",
		BufferSize:        "9000k",
		FrameRate:         30,
		KeyframeInterval:  60,
		Profile:           "high",
		Level:             "4.1",
		SpeedPreset:       "veryfast",
		ScaleFilter:       "scale=1920:1080",
		AudioBitrate:      "128k",
	}

	PresetUltra = Preset{
		Name:              "ultra",
		TargetBitrateKbps: 8000,
		StreamSubPath:     "main",
		VideoBitrate:      "8000k",
		MaxBitrate:        "9000k",
		BufferSize:        "16000k",
		FrameRate:         30,
		KeyframeInterval:  60,
		Profile:           "high",
		Level:             "4.2",
		SpeedPreset:       "fast",
		ScaleFilter:       "",
		AudioBitrate:      "160k",
	}

	// Passthrough copies the camera elementary stream without re-encoding.
	// Target bitrate is informational only.
	PresetPassthrough = Preset{
		Name:              "passthrough",
		TargetBitrateKbps: 6000,
		StreamSubPath:     "main",
		AudioBitrate:      "128k",
	}
)

// PresetByName resolves a CLI quality argument to a preset.
func PresetByName(name string) (Preset, error) {
	switch name {
	case "low":
		return PresetLow, nil
	case "medium":
		return PresetMedium, nil
	case "high":
		return PresetHigh, nil
	case "ultra":
		return PresetUltra, nil
	case "passthrough":
		return PresetPassthrough, nil
	}
	return Preset{}, fmt.Errorf("unknown quality preset: %s", name)
}
