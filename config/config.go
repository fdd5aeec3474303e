package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

// CameraConfig holds the connection details for one course camera. Cameras
// expose a full-resolution main stream and a lower-resolution sub stream;
// presets pick between them via their stream tier.
type CameraConfig struct {
	Name     string `json:"name"` // e.g. "start_cam", "finish_cam"
	IP       string `json:"ip"`
	Port     string `json:"port"`
	MainPath string `json:"main_path"` // RTSP path of the main stream
	SubPath  string `json:"sub_path"`  // RTSP path of the sub stream
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config contains all configuration for the streaming controller.
type Config struct {
	// Stream destination
	RTMPURL   string // e.g. rtmp://live.example.com/app
	StreamKey string // appended to RTMPURL when set

	// Control plane endpoints
	LiveStatusURL   string
	SourceConfigURL string
	SpeedTestURL    string

	// Cameras
	DefaultCamera string
	Cameras       []CameraConfig
	CameraByName  map[string]*CameraConfig

	// Control loop cadence
	AdaptInterval    time.Duration // sleep between STREAMING iterations
	LivePollInterval time.Duration // poll while AWAITING_LIVE
	ConfigCheckEvery int           // check source config every N iterations
	RestartBackoff   time.Duration // delay before restarting a crashed/stalled encoder
	StallChecks      int           // unchanged frame-counter polls before declaring a stall

	// Adaptation tunables (percent of preset target bitrate)
	DropThresholdPct  int
	RaiseThresholdPct int
	DropDebounce      int
	RaiseDebounce     int

	// Encoder
	HWAccel string // "auto" probes for a hardware H.264 encoder, "off" forces libx264

	// Storage
	StoragePath  string
	DatabasePath string

	// Ops HTTP server
	ServerPort string

	// Session log archive (S3-compatible, optional)
	ArchiveEnabled   bool
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveBucket    string
	ArchiveEndpoint  string
	ArchiveRegion    string
}

// LoadConfig loads configuration from environment variables with the same
// defaults the venue appliances ship with.
func LoadConfig() Config {
	cfg := Config{
		RTMPURL:   getEnv("RTMP_URL", ""),
		StreamKey: getEnv("STREAM_KEY", ""),

		LiveStatusURL:   getEnv("LIVE_STATUS_URL", ""),
		SourceConfigURL: getEnv("SOURCE_CONFIG_URL", ""),
		SpeedTestURL:    getEnv("SPEEDTEST_URL", ""),

		DefaultCamera: getEnv("DEFAULT_CAMERA", "finish_cam"),

		AdaptInterval:    getEnvDuration("ADAPT_INTERVAL", 30*time.Second),
		LivePollInterval: getEnvDuration("LIVE_POLL_INTERVAL", 60*time.Second),
		ConfigCheckEvery: getEnvInt("CONFIG_CHECK_EVERY", 2),
		RestartBackoff:   getEnvDuration("RESTART_BACKOFF", 5*time.Second),
		StallChecks:      getEnvInt("STALL_CHECKS", 2),

		DropThresholdPct:  getEnvInt("DROP_THRESHOLD_PCT", 70),
		RaiseThresholdPct: getEnvInt("RAISE_THRESHOLD_PCT", 120),
		DropDebounce:      getEnvInt("DROP_DEBOUNCE", 2),
		RaiseDebounce:     getEnvInt("RAISE_DEBOUNCE", 4),

		HWAccel: getEnv("HW_ACCEL", "auto"),

		StoragePath:  getEnv("STORAGE_PATH", "./data"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/skicast.db"),

		ServerPort: getEnv("SERVER_PORT", "3000"),

		ArchiveEnabled:   getEnv("ARCHIVE_ENABLED", "false") == "true",
		ArchiveAccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
		ArchiveSecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", "auto"),
	}

	// Camera table comes in as a JSON array, same shape the course inventory
	// sheet exports.
	camerasJSON := getEnv("CAMERAS_CONFIG", "")
	if camerasJSON != "" {
		var cams []CameraConfig
		if err := json.Unmarshal([]byte(camerasJSON), &cams); err != nil {
			log.Printf("Warning: failed to parse CAMERAS_CONFIG: %v", err)
		} else {
			cfg.Cameras = cams
		}
	}

	// Legacy single-camera settings when no table is configured.
	if len(cfg.Cameras) == 0 {
		log.Println("No cameras configured, using legacy camera settings")
		cfg.Cameras = append(cfg.Cameras, CameraConfig{
			Name:     cfg.DefaultCamera,
			IP:       getEnv("CAMERA_IP", "192.168.1.108"),
			Port:     getEnv("CAMERA_PORT", "554"),
			MainPath: getEnv("CAMERA_MAIN_PATH", "/h264Preview_01_main"),
			SubPath:  getEnv("CAMERA_SUB_PATH", "/h264Preview_01_sub"),
			Username: getEnv("CAMERA_USERNAME", "admin"),
			Password: getEnv("CAMERA_PASSWORD", ""),
		})
	}

	cfg.BuildCameraLookup()

	log.Printf("Loaded configuration with %d cameras", len(cfg.Cameras))
	for i, camera := range cfg.Cameras {
		log.Printf("Camera %d: %s @ %s:%s (main: %s, sub: %s)",
			i+1, camera.Name, camera.IP, camera.Port, camera.MainPath, camera.SubPath)
	}
	log.Printf("Stream destination: %s", cfg.RTMPURL)
	log.Printf("Adaptation: drop <%d%% x%d, raise >%d%% x%d, interval %v",
		cfg.DropThresholdPct, cfg.DropDebounce, cfg.RaiseThresholdPct, cfg.RaiseDebounce, cfg.AdaptInterval)

	return cfg
}

// BuildCameraLookup constructs the CameraByName map. Call this whenever
// cfg.Cameras may have changed.
func (cfg *Config) BuildCameraLookup() {
	if cfg.CameraByName == nil {
		cfg.CameraByName = make(map[string]*CameraConfig)
	}
	for k := range cfg.CameraByName {
		delete(cfg.CameraByName, k)
	}
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		cfg.CameraByName[cam.Name] = cam
	}
}

// Camera resolves a camera by name, falling back to the default camera when
// name is empty.
func (cfg *Config) Camera(name string) (*CameraConfig, error) {
	if name == "" {
		name = cfg.DefaultCamera
	}
	cam, ok := cfg.CameraByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown camera: %s", name)
	}
	return cam, nil
}

// RTSPURL builds the stream URL for a camera at the given tier ("main" or
// "sub").
func (cam *CameraConfig) RTSPURL(tier string) string {
	path := cam.MainPath
	if tier == "sub" && cam.SubPath != "" {
		path = cam.SubPath
	}
	return fmt.Sprintf("rtsp://%s:%s@%s:%s%s", cam.Username, cam.Password, cam.IP, cam.Port, path)
}

// Destination returns the full RTMP publish URL.
func (cfg *Config) Destination() string {
	if cfg.StreamKey == "" {
		return cfg.RTMPURL
	}
	return cfg.RTMPURL + "/" + cfg.StreamKey
}

// Validate checks the fatal startup conditions: these are the only errors
// that should stop the controller from ever entering its loop.
func (cfg *Config) Validate() error {
	if cfg.RTMPURL == "" {
		return fmt.Errorf("RTMP_URL is not set")
	}
	if _, err := cfg.Camera(cfg.DefaultCamera); err != nil {
		return fmt.Errorf("default camera not configured: %w", err)
	}
	for _, cam := range cfg.Cameras {
		if cam.Username == "" || cam.Password == "" {
			return fmt.Errorf("camera %s is missing RTSP credentials", cam.Name)
		}
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg binary not found in PATH: %w", err)
	}
	return nil
}

// EnsurePaths creates the directories the controller writes to.
func EnsurePaths(cfg Config) {
	for _, dir := range []string{
		cfg.StoragePath,
		filepath.Join(cfg.StoragePath, "logs"),
		filepath.Dir(cfg.DatabasePath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("Failed to create directory %s: %v", dir, err)
		}
	}
}

// getEnv returns environment variable or fallback value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Warning: invalid integer for %s: %q, using %d", key, value, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: invalid duration for %s: %q, using %v", key, value, fallback)
	}
	return fallback
}
