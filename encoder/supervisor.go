package encoder

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"skicast/api"
	"skicast/config"
	"skicast/quality"
)

const stopGraceTimeout = 10 * time.Second

// Session is one supervised encoder process. It is owned exclusively by the
// Supervisor; nothing else reads the process handle or the progress file.
type Session struct {
	ID           string
	StartedAt    time.Time
	Preset       quality.Preset
	Source       api.SourceConfig
	ProgressPath string
	LogPath      string

	cmd         *exec.Cmd
	logFile     *os.File
	done        chan struct{}
	exitErr     error
	lastFrame   int64
	stallPolls  int
	stallChecks int
}

// Supervisor owns the lifecycle of exactly one external encoder process at a
// time. Creating a new session requires the prior one to be fully stopped
// first: two encoders writing the same RTMP destination corrupt the stream.
type Supervisor struct {
	cfg     *config.Config
	hw      HWEncoder
	logDir  string
	current *Session
}

// NewSupervisor creates an encoder supervisor writing progress and stderr
// logs under the configured storage path. With HW_ACCEL=auto it probes for
// a hardware H.264 encoder once, at construction.
func NewSupervisor(cfg *config.Config) *Supervisor {
	hw := SoftwareEncoder()
	if cfg.HWAccel == "auto" {
		hw = DetectHardwareEncoder()
	}
	return &Supervisor{
		cfg:    cfg,
		hw:     hw,
		logDir: filepath.Join(cfg.StoragePath, "logs"),
	}
}

// Start launches a new encoder process for the given source and preset.
// It refuses to start while a prior session is still unconfirmed-dead.
func (s *Supervisor) Start(source api.SourceConfig, preset quality.Preset) (*Session, error) {
	if s.current != nil && s.current.alive() {
		return nil, fmt.Errorf("encoder session %s still running, stop it first", s.current.ID)
	}

	if err := os.MkdirAll(s.logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}

	sess := &Session{
		ID:          uuid.NewString(),
		StartedAt:   time.Now(),
		Preset:      preset,
		Source:      source,
		stallChecks: s.cfg.StallChecks,
		lastFrame:   -1,
		done:        make(chan struct{}),
	}
	sess.ProgressPath = filepath.Join(s.logDir, fmt.Sprintf("progress_%s.log", sess.ID))
	sess.LogPath = filepath.Join(s.logDir, fmt.Sprintf("encoder_%s.log", sess.ID))

	args, err := buildArgs(s.cfg, source, preset, s.hw, sess.ProgressPath)
	if err != nil {
		return nil, err
	}

	logFile, err := os.Create(sess.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder log file: %v", err)
	}

	cmd := exec.Command("ffmpeg", args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group so Stop can signal ffmpeg and any children together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.Printf("[encoder] starting session %s: %s/%s -> %s",
		sess.ID, source.Mode, preset.Name, s.cfg.RTMPURL)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to start ffmpeg: %v", err)
	}
	sess.cmd = cmd
	sess.logFile = logFile

	go func() {
		sess.exitErr = cmd.Wait()
		logFile.Close()
		close(sess.done)
	}()

	s.current = sess
	return sess, nil
}

// Current returns the active session, or nil.
func (s *Supervisor) Current() *Session {
	return s.current
}

// IsAlive reports process liveness without blocking.
func (s *Supervisor) IsAlive(sess *Session) bool {
	return sess != nil && sess.alive()
}

// ExitErr returns the process exit error once the session has terminated.
// nil means a clean exit (or a session still running).
func (s *Supervisor) ExitErr(sess *Session) error {
	if sess == nil || sess.alive() {
		return nil
	}
	return sess.exitErr
}

// CheckStall reads the frame counter from the encoder's progress log. The
// counter not advancing across consecutive health polls means the encoder is
// alive but frozen (wedged decoder or stalled camera input), which needs the
// same kill-and-restart treatment as a crash.
func (s *Supervisor) CheckStall(sess *Session) bool {
	if sess == nil {
		return false
	}
	frame, err := readFrameCounter(sess.ProgressPath)
	if err != nil {
		// Progress file not written yet; the encoder may still be probing
		// its inputs. Not a stall.
		return false
	}

	if frame == sess.lastFrame {
		sess.stallPolls++
	} else {
		sess.stallPolls = 0
		sess.lastFrame = frame
	}

	if sess.stallPolls >= sess.stallChecks {
		log.Printf("[encoder] session %s stalled: frame counter stuck at %d for %d checks",
			sess.ID, sess.lastFrame, sess.stallPolls)
		return true
	}
	return false
}

// Stop gracefully terminates the session and blocks until the process is
// confirmed reaped. Callers may start a new session as soon as Stop returns.
func (s *Supervisor) Stop(sess *Session) {
	if sess == nil {
		return
	}
	defer func() {
		if s.current == sess {
			s.current = nil
		}
	}()

	if !sess.alive() {
		return
	}

	log.Printf("[encoder] stopping session %s", sess.ID)
	if pgid, err := syscall.Getpgid(sess.cmd.Process.Pid); err == nil {
		syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		sess.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-sess.done:
	case <-time.After(stopGraceTimeout):
		log.Printf("[encoder] session %s did not exit within %v, killing", sess.ID, stopGraceTimeout)
		if pgid, err := syscall.Getpgid(sess.cmd.Process.Pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			sess.cmd.Process.Kill()
		}
		<-sess.done
	}
	log.Printf("[encoder] session %s stopped after %v", sess.ID, time.Since(sess.StartedAt).Round(time.Second))
}

// PID returns the encoder process ID, or 0 when the process is not running.
func (sess *Session) PID() int {
	if sess == nil || !sess.alive() || sess.cmd.Process == nil {
		return 0
	}
	return sess.cmd.Process.Pid
}

func (sess *Session) alive() bool {
	if sess.cmd == nil {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
		return true
	}
}

// readFrameCounter extracts the most recent frame= value from an ffmpeg
// -progress log. The log is append-only key=value blocks, so only the tail
// is read.
func readFrameCounter(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	const tailSize = 4096
	offset := info.Size() - tailSize
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return 0, err
	}

	idx := bytes.LastIndex(buf, []byte("frame="))
	if idx < 0 {
		return 0, fmt.Errorf("no frame counter in %s", path)
	}
	line := buf[idx+len("frame="):]
	if end := bytes.IndexByte(line, '\n'); end >= 0 {
		line = line[:end]
	}
	frame, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad frame counter in %s: %v", path, err)
	}
	return frame, nil
}
