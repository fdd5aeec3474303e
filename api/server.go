package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"

	"skicast/config"
	"skicast/cron"
	"skicast/database"
	"skicast/quality"
)

// StreamStatus is the controller state snapshot exposed over the ops API.
type StreamStatus struct {
	State      string     `json:"state"`
	SessionID  string     `json:"sessionId,omitempty"`
	Preset     string     `json:"preset,omitempty"`
	SourceMode string     `json:"sourceMode,omitempty"`
	Camera     string     `json:"camera,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// StatusProvider is implemented by the stream controller.
type StatusProvider interface {
	Status() StreamStatus
}

// Server exposes the operator dashboard API: current stream state, session
// history, the quality ladder, and basic system health.
type Server struct {
	config config.Config
	db     database.Database
	status StatusProvider
	ladder *quality.Ladder
}

// NewServer creates the ops HTTP server.
func NewServer(cfg config.Config, db database.Database, status StatusProvider, ladder *quality.Ladder) *Server {
	return &Server{
		config: cfg,
		db:     db,
		status: status,
		ladder: ladder,
	}
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()
	s.setupCORS(r)
	s.setupRoutes(r)

	portAddr := ":" + s.config.ServerPort
	srv := &http.Server{Addr: portAddr, Handler: r}

	log.Printf("[server] starting ops API on %s", portAddr)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (s *Server) setupCORS(r *gin.Engine) {
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
}

func (s *Server) setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id/transitions", s.listTransitions)
		api.GET("/probes", s.listProbes)
		api.GET("/presets", s.listPresets)
		api.GET("/cameras", s.listCameras)
		api.GET("/system_health", s.getSystemHealth)
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) listSessions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := s.db.ListSessions(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) listTransitions(c *gin.Context) {
	transitions, err := s.db.ListTransitions(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

func (s *Server) listProbes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	probes, err := s.db.ListProbes(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"probes": probes})
}

func (s *Server) listPresets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ladder":     s.ladder.Presets,
		"standalone": []quality.Preset{quality.PresetUltra, quality.PresetPassthrough},
		"tunables": gin.H{
			"drop_threshold_pct":  s.ladder.DropThresholdPct,
			"raise_threshold_pct": s.ladder.RaiseThresholdPct,
			"drop_debounce":       s.ladder.DropDebounce,
			"raise_debounce":      s.ladder.RaiseDebounce,
		},
	})
}

func (s *Server) listCameras(c *gin.Context) {
	type cameraView struct {
		Name      string `json:"name"`
		IP        string `json:"ip"`
		Port      string `json:"port"`
		Reachable *bool  `json:"reachable,omitempty"`
	}
	reachability := cron.CameraStatus()
	cameras := make([]cameraView, 0, len(s.config.Cameras))
	for _, cam := range s.config.Cameras {
		view := cameraView{Name: cam.Name, IP: cam.IP, Port: cam.Port}
		if up, known := reachability[cam.Name]; known {
			view.Reachable = &up
		}
		cameras = append(cameras, view)
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras, "default": s.config.DefaultCamera})
}

func (s *Server) getSystemHealth(c *gin.Context) {
	health := gin.H{
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		health["memory_used_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
		health["memory_total_mb"] = vm.Total / 1024 / 1024
	}
	c.JSON(http.StatusOK, health)
}
