package cron

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skicast/config"
)

const cameraDialTimeout = 5 * time.Second

// Camera reachability as of the last check, keyed by camera name. Read by
// the ops API through CameraStatus.
var (
	cameraStatusMu sync.RWMutex
	cameraStatus   = make(map[string]bool)
)

// CameraStatus returns the last observed reachability for each camera.
func CameraStatus() map[string]bool {
	cameraStatusMu.RLock()
	defer cameraStatusMu.RUnlock()
	out := make(map[string]bool, len(cameraStatus))
	for k, v := range cameraStatus {
		out[k] = v
	}
	return out
}

// CheckCameraReachable dials the camera's RTSP port. Used at startup as a
// fatal preflight for the default camera and periodically by the cron.
func CheckCameraReachable(cam *config.CameraConfig) error {
	address := fmt.Sprintf("%s:%s", cam.IP, cam.Port)
	conn, err := net.DialTimeout("tcp", address, cameraDialTimeout)
	if err != nil {
		return fmt.Errorf("camera %s unreachable at %s: %v", cam.Name, address, err)
	}
	conn.Close()
	return nil
}

// StartCameraStatusCron initializes a job that checks every 5 minutes whether
// the configured cameras answer on their RTSP port, so an operator can tell a
// dead camera from a dead encoder in the dashboard.
func StartCameraStatusCron(cfg *config.Config) {
	go func() {
		time.Sleep(10 * time.Second)

		checkAllCameras(cfg)

		schedule := cron.New()
		_, err := schedule.AddFunc("@every 5m", func() {
			checkAllCameras(cfg)
		})
		if err != nil {
			log.Printf("cameraStatus : Error scheduling check: %v", err)
			return
		}
		schedule.Start()
	}()
	log.Println("Camera status cron job started - will check camera reachability every 5 minutes")
}

func checkAllCameras(cfg *config.Config) {
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		err := CheckCameraReachable(cam)

		cameraStatusMu.Lock()
		wasUp, known := cameraStatus[cam.Name]
		cameraStatus[cam.Name] = err == nil
		cameraStatusMu.Unlock()

		if err != nil {
			log.Printf("cameraStatus : %v", err)
		} else if known && !wasUp {
			log.Printf("cameraStatus : Camera %s is reachable again", cam.Name)
		}
	}
}
