package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"skicast/api"
	"skicast/config"
	"skicast/controller"
	"skicast/cron"
	"skicast/database"
	"skicast/encoder"
	"skicast/monitoring"
	"skicast/probe"
	"skicast/quality"
	"skicast/storage"
)

func usage() {
	fmt.Println(`Usage: skicast <quality> [camera_ip]

Quality levels:
  low          480p, 800 kbps
  medium       720p, 1.5 Mbps
  high         1080p, 4.5 Mbps
  ultra        native resolution, 8 Mbps
  passthrough  camera stream copied without re-encoding
  adaptive     start from a bandwidth probe, adapt while streaming

Commands:
  test         measure upload bandwidth and print a recommendation
  help         show this message

camera_ip overrides the default camera's address and pins the stream to it.

Configuration comes from the environment (.env is loaded when present):
RTMP_URL, STREAM_KEY, LIVE_STATUS_URL, SOURCE_CONFIG_URL, SPEEDTEST_URL,
CAMERAS_CONFIG, DEFAULT_CAMERA, camera credentials and tunables.`)
}

// runSpeedTest implements the test subcommand: one thorough probe and a
// preset recommendation, then exit 0.
func runSpeedTest(cfg config.Config) {
	if cfg.SpeedTestURL == "" {
		log.Fatal("SPEEDTEST_URL is not set")
	}

	fmt.Println("Measuring upload bandwidth (this transfers ~2 MB)...")
	bwProbe := probe.NewBandwidthProbe(cfg.SpeedTestURL, 60*time.Second)
	kbps := bwProbe.MeasureThorough(context.Background())
	if kbps <= 0 {
		fmt.Println("Measurement failed: speed-test endpoint unreachable")
		os.Exit(1)
	}

	ladder := quality.DefaultLadder()
	recommended := ladder.InitialPreset(kbps)
	fmt.Printf("Upload bandwidth: %.0f kbps\n", kbps)
	fmt.Printf("Recommended quality: %s (target %d kbps)\n", recommended.Name, recommended.TargetBitrateKbps)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "help", "-h", "--help":
		usage()
		return
	case "test":
		runSpeedTest(config.LoadConfig())
		return
	}

	opts := controller.Options{}
	switch args[0] {
	case "adaptive":
		opts.Adaptive = true
	default:
		preset, err := quality.PresetByName(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			usage()
			os.Exit(2)
		}
		opts.FixedPreset = preset
	}

	cfg := config.LoadConfig()
	config.EnsurePaths(cfg)

	// Optional camera IP override pins the stream to the default camera at
	// that address, ignoring the remote source config.
	if len(args) > 1 {
		cam, err := cfg.Camera(cfg.DefaultCamera)
		if err != nil {
			log.Fatal(err)
		}
		cam.IP = args[1]
		opts.CameraOverride = cam.Name
		log.Printf("Camera override: %s @ %s", cam.Name, cam.IP)
	}

	// Fatal startup checks: these are the only errors that stop the
	// controller from ever entering its loop.
	if err := cfg.Validate(); err != nil {
		log.Fatal("Configuration error: ", err)
	}
	defaultCam, _ := cfg.Camera(cfg.DefaultCamera)
	if err := cron.CheckCameraReachable(defaultCam); err != nil {
		log.Fatal("Startup check failed: ", err)
	}

	db, err := database.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to initialize SQLite database: ", err)
	}
	defer db.Close()

	control := api.NewControlPlaneClient(cfg.LiveStatusURL, cfg.SourceConfigURL, cfg.DefaultCamera, cfg.LivePollInterval)
	bwProbe := probe.NewBandwidthProbe(cfg.SpeedTestURL, 60*time.Second)
	supervisor := encoder.NewSupervisor(&cfg)

	ctrl := controller.New(&cfg, control, bwProbe, supervisor, db, opts)

	if cfg.ArchiveEnabled {
		archive, err := storage.NewLogArchive(storage.ArchiveConfig{
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			Endpoint:  cfg.ArchiveEndpoint,
			Region:    cfg.ArchiveRegion,
		})
		if err != nil {
			log.Printf("Warning: log archive disabled: %v", err)
		} else {
			ctrl.SetArchiver(archive)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.StartMonitoring(ctx, 5*time.Minute, func() int {
		return ctrl.CurrentSession().PID()
	})
	cron.StartHistoryCleanupCron(&cfg, db)
	cron.StartCameraStatusCron(&cfg)

	server := api.NewServer(cfg, db, ctrl, ctrl.Ladder())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
	log.Println("Shutdown complete")
}
