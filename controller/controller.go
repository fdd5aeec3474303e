package controller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"skicast/api"
	"skicast/config"
	"skicast/database"
	"skicast/encoder"
	"skicast/probe"
	"skicast/quality"
)

// State of the controller loop.
type State string

const (
	StateAwaitingLive State = "AWAITING_LIVE"
	StateStreaming    State = "STREAMING"
	StateStopped      State = "STOPPED"
)

// ControlPlane is the remote live-gate and source-config surface the
// controller polls. Implemented by api.ControlPlaneClient.
type ControlPlane interface {
	IsLiveEnabled(ctx context.Context) bool
	WaitUntilLiveEnabled(ctx context.Context) error
	FetchSourceConfig(ctx context.Context) (api.SourceConfig, string)
	CheckSourceChanged(ctx context.Context, prevHash string) (bool, string)
}

// Prober measures upload bandwidth. Implemented by probe.BandwidthProbe.
type Prober interface {
	MeasureThorough(ctx context.Context) float64
	MeasureQuick(ctx context.Context) float64
}

// EncoderManager supervises the external encoder process. Implemented by
// encoder.Supervisor.
type EncoderManager interface {
	Start(source api.SourceConfig, preset quality.Preset) (*encoder.Session, error)
	Stop(sess *encoder.Session)
	IsAlive(sess *encoder.Session) bool
	CheckStall(sess *encoder.Session) bool
	ExitErr(sess *encoder.Session) error
}

// LogArchiver ships a finished session's encoder log off-box. Optional.
type LogArchiver interface {
	ArchiveSessionLog(localPath, sessionID string) error
}

// Options selects the controller's operating mode.
type Options struct {
	Adaptive       bool           // adapt across the ladder; false pins FixedPreset
	FixedPreset    quality.Preset // used when Adaptive is false
	CameraOverride string         // non-empty forces single mode on this camera
}

// Controller drives the stream: it gates on the remote live flag, picks a
// quality level from measured bandwidth, supervises the encoder, and reacts
// to config changes, stalls, crashes and bandwidth shifts. Single-threaded
// by design: all checks for a session run sequentially in one loop.
type Controller struct {
	cfg      *config.Config
	control  ControlPlane
	probe    Prober
	encoders EncoderManager
	ladder   *quality.Ladder
	db       database.Database
	archiver LogArchiver
	opts     Options

	mu         sync.RWMutex
	state      State
	adaptation quality.AdaptationState
	session    *encoder.Session
}

// New creates a stream controller. db and archiver may be nil.
func New(cfg *config.Config, control ControlPlane, prober Prober, encoders EncoderManager, db database.Database, opts Options) *Controller {
	ladder := quality.DefaultLadder()
	ladder.DropThresholdPct = cfg.DropThresholdPct
	ladder.RaiseThresholdPct = cfg.RaiseThresholdPct
	ladder.DropDebounce = cfg.DropDebounce
	ladder.RaiseDebounce = cfg.RaiseDebounce

	return &Controller{
		cfg:      cfg,
		control:  control,
		probe:    prober,
		encoders: encoders,
		ladder:   ladder,
		db:       db,
		opts:     opts,
		state:    StateAwaitingLive,
	}
}

// SetArchiver wires an optional session log archiver.
func (c *Controller) SetArchiver(a LogArchiver) {
	c.archiver = a
}

// Ladder exposes the configured quality ladder for the ops API.
func (c *Controller) Ladder() *quality.Ladder {
	return c.ladder
}

// State returns the controller's current state for the ops API.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentSession returns the active encoder session, or nil.
func (c *Controller) CurrentSession() *encoder.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Status snapshots the controller for the ops API.
func (c *Controller) Status() api.StreamStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status := api.StreamStatus{State: string(c.state)}
	if c.session != nil {
		started := c.session.StartedAt
		status.SessionID = c.session.ID
		status.Preset = c.session.Preset.Name
		status.SourceMode = c.session.Source.Mode
		status.Camera = describeSource(c.session.Source)
		status.StartedAt = &started
	}
	return status
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) setSession(sess *encoder.Session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

// Run executes the controller until ctx is cancelled. The outer loop blocks
// on the live gate; the inner loop streams until the gate closes again.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		c.setState(StateAwaitingLive)
		log.Printf("[controller] state: %s", StateAwaitingLive)

		if err := c.control.WaitUntilLiveEnabled(ctx); err != nil {
			return err
		}

		if err := c.streamWhileLive(ctx); err != nil {
			// Only cancellation escapes the streaming loop.
			return err
		}
		log.Printf("[controller] live disabled, returning to %s", StateAwaitingLive)
	}
}

// streamWhileLive runs one STREAMING period: from live-enable to the first
// observed live-disable. Returns non-nil only on context cancellation.
func (c *Controller) streamWhileLive(ctx context.Context) error {
	source, hash := c.resolveSource(ctx)
	preset := c.selectInitialPreset(ctx)
	c.adaptation.Reset()

	if err := c.startSession(ctx, &source, &hash, preset); err != nil {
		if err == errLiveDisabled {
			return nil
		}
		return err
	}

	c.setState(StateStreaming)
	log.Printf("[controller] state: %s (preset %s, source %s)", StateStreaming, preset.Name, describeSource(source))

	iteration := 0
	for {
		if err := sleepCtx(ctx, c.cfg.AdaptInterval); err != nil {
			c.stopSession(database.EndShutdown)
			return err
		}
		iteration++

		// Checks run in fixed priority order. A closed live gate pre-empts
		// everything: no config, stall or quality logic may run after the
		// disable is observed in this cycle.
		if !c.control.IsLiveEnabled(ctx) {
			c.stopSession(database.EndLiveDisabled)
			return nil
		}

		if c.opts.CameraOverride == "" && c.cfg.ConfigCheckEvery > 0 && iteration%c.cfg.ConfigCheckEvery == 0 {
			changed, newHash := c.control.CheckSourceChanged(ctx, hash)
			hash = newHash
			if changed {
				log.Printf("[controller] source config changed, restarting encoder")
				c.stopSession(database.EndConfigChange)
				source, hash = c.control.FetchSourceConfig(ctx)
				c.adaptation.Reset()
				if err := c.startSession(ctx, &source, &hash, preset); err != nil {
					if err == errLiveDisabled {
						return nil
					}
					return err
				}
				continue
			}
		}

		if c.encoders.CheckStall(c.session) {
			log.Printf("[controller] frame stall detected, restarting encoder after %v", c.cfg.RestartBackoff)
			c.stopSession(database.EndStall)
			c.adaptation.Reset()
			if err := sleepCtx(ctx, c.cfg.RestartBackoff); err != nil {
				return err
			}
			if err := c.startSession(ctx, &source, &hash, preset); err != nil {
				if err == errLiveDisabled {
					return nil
				}
				return err
			}
			continue
		}

		if !c.encoders.IsAlive(c.session) {
			// Abnormal exit while desired-to-run. Adaptation counters are
			// kept: the readings behind them are still valid signal.
			exitErr := c.encoders.ExitErr(c.session)
			log.Printf("[controller] encoder exited unexpectedly (%v), restarting after %v", exitErr, c.cfg.RestartBackoff)
			c.endSessionRecord(database.EndCrash)
			if err := sleepCtx(ctx, c.cfg.RestartBackoff); err != nil {
				return err
			}
			if err := c.startSession(ctx, &source, &hash, preset); err != nil {
				if err == errLiveDisabled {
					return nil
				}
				return err
			}
			continue
		}

		if !c.opts.Adaptive {
			continue
		}

		kbps := c.probe.MeasureQuick(ctx)
		c.recordProbe(kbps, probe.QuickProbeBytes)
		if kbps <= 0 {
			// No usable signal; the next cycle retries.
			continue
		}

		ratio := int(kbps * 100 / float64(preset.TargetBitrateKbps))
		next, changed := c.ladder.Adapt(preset, ratio, &c.adaptation)
		if !changed {
			continue
		}

		log.Printf("[controller] quality change %s -> %s (measured %.0f kbps, %d%% of target)",
			preset.Name, next.Name, kbps, ratio)
		c.recordTransition(preset, next, ratio)
		c.stopSession(database.EndQualityChange)
		preset = next
		if err := c.startSession(ctx, &source, &hash, preset); err != nil {
			if err == errLiveDisabled {
				return nil
			}
			return err
		}
	}
}

// resolveSource fetches the stream source, honoring a CLI camera override.
// The change-detection hash comes from the same fetch as the config, so it
// always names the revision that is actually streaming.
func (c *Controller) resolveSource(ctx context.Context) (api.SourceConfig, string) {
	if c.opts.CameraOverride != "" {
		return api.SourceConfig{Mode: "single", Camera: c.opts.CameraOverride}, ""
	}
	return c.control.FetchSourceConfig(ctx)
}

// selectInitialPreset runs the thorough probe in adaptive mode, or returns
// the pinned preset.
func (c *Controller) selectInitialPreset(ctx context.Context) quality.Preset {
	if !c.opts.Adaptive {
		return c.opts.FixedPreset
	}
	kbps := c.probe.MeasureThorough(ctx)
	c.recordProbe(kbps, probe.ThoroughProbeBytes)
	preset := c.ladder.InitialPreset(kbps)
	log.Printf("[controller] initial probe %.0f kbps -> preset %s", kbps, preset.Name)
	return preset
}

// errLiveDisabled aborts a failing start sequence because the live gate
// closed; the caller returns to AWAITING_LIVE instead of retrying.
var errLiveDisabled = errors.New("live streaming disabled")

// A persistently failing start often means the remote source descriptor no
// longer matches reality (a camera renamed or removed from the local table),
// so the config is re-fetched after this many consecutive failures.
const startFailuresBeforeRefetch = 3

// startSession starts the encoder, retrying on a bounded backoff until it
// launches or ctx is cancelled. The loop's priorities keep applying between
// attempts: a closed live gate aborts the session with errLiveDisabled, and
// repeated failures re-resolve the source config. Start failures here are
// runtime faults (camera renamed remotely, transient exec errors), not the
// fatal startup class handled before the loop.
func (c *Controller) startSession(ctx context.Context, source *api.SourceConfig, hash *string, preset quality.Preset) error {
	failures := 0
	for {
		sess, err := c.encoders.Start(*source, preset)
		if err == nil {
			c.setSession(sess)
			c.recordSessionStart(sess, *source, preset)
			return nil
		}
		failures++
		log.Printf("[controller] encoder start failed: %v, retrying in %v", err, c.cfg.RestartBackoff)
		if err := sleepCtx(ctx, c.cfg.RestartBackoff); err != nil {
			return err
		}
		if !c.control.IsLiveEnabled(ctx) {
			log.Printf("[controller] live disabled while encoder start was failing, abandoning session")
			return errLiveDisabled
		}
		if c.opts.CameraOverride == "" && failures%startFailuresBeforeRefetch == 0 {
			log.Printf("[controller] %d consecutive start failures, re-resolving source config", failures)
			*source, *hash = c.control.FetchSourceConfig(ctx)
		}
	}
}

// stopSession stops the running encoder (blocking until reaped) and closes
// out its history record.
func (c *Controller) stopSession(reason database.EndReason) {
	sess := c.CurrentSession()
	if sess == nil {
		return
	}
	c.encoders.Stop(sess)
	c.endSessionRecord(reason)
}

// endSessionRecord closes the history record without touching the process;
// used directly when the encoder already exited on its own.
func (c *Controller) endSessionRecord(reason database.EndReason) {
	sess := c.CurrentSession()
	c.setSession(nil)
	if sess == nil {
		return
	}
	if c.db != nil {
		if err := c.db.EndSession(sess.ID, reason, time.Now()); err != nil {
			log.Printf("[controller] failed to record session end: %v", err)
		}
	}
	if c.archiver != nil && sess.LogPath != "" {
		if err := c.archiver.ArchiveSessionLog(sess.LogPath, sess.ID); err != nil {
			log.Printf("[controller] failed to archive session log: %v", err)
		}
	}
}

func (c *Controller) recordSessionStart(sess *encoder.Session, source api.SourceConfig, preset quality.Preset) {
	if c.db == nil {
		return
	}
	err := c.db.CreateSession(database.StreamSession{
		ID:         sess.ID,
		StartedAt:  sess.StartedAt,
		Preset:     preset.Name,
		SourceMode: source.Mode,
		Camera:     describeSource(source),
		LogPath:    sess.LogPath,
	})
	if err != nil {
		log.Printf("[controller] failed to record session start: %v", err)
	}
}

func (c *Controller) recordTransition(from, to quality.Preset, ratio int) {
	if c.db == nil || c.session == nil {
		return
	}
	err := c.db.RecordTransition(database.QualityTransition{
		SessionID:  c.session.ID,
		At:         time.Now(),
		FromPreset: from.Name,
		ToPreset:   to.Name,
		RatioPct:   ratio,
	})
	if err != nil {
		log.Printf("[controller] failed to record quality transition: %v", err)
	}
}

func (c *Controller) recordProbe(kbps float64, sizeBytes int) {
	if c.db == nil {
		return
	}
	err := c.db.RecordProbe(database.ProbeResult{
		At:        time.Now(),
		SizeBytes: sizeBytes,
		Kbps:      kbps,
	})
	if err != nil {
		log.Printf("[controller] failed to record probe result: %v", err)
	}
}

func describeSource(source api.SourceConfig) string {
	if source.Mode == "split" {
		return source.Split.Left.Camera + "+" + source.Split.Right.Camera
	}
	return source.Camera
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
