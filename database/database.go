package database

import (
	"time"
)

// EndReason records why a stream session was torn down.
type EndReason string

const (
	EndLiveDisabled  EndReason = "live_disabled"  // remote gate closed
	EndConfigChange  EndReason = "config_change"  // source descriptor changed
	EndStall         EndReason = "stall"          // frame counter froze
	EndCrash         EndReason = "crash"          // encoder exited on its own
	EndQualityChange EndReason = "quality_change" // ladder promote/demote
	EndShutdown      EndReason = "shutdown"       // process-level signal
)

// StreamSession is one encoder run: from process start to confirmed stop.
type StreamSession struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt"`
	Preset     string     `json:"preset"`
	SourceMode string     `json:"sourceMode"`
	Camera     string     `json:"camera"` // "left+right" in split mode
	EndReason  EndReason  `json:"endReason"`
	LogPath    string     `json:"logPath"`
}

// QualityTransition records one ladder movement and the reading that
// triggered it.
type QualityTransition struct {
	ID         int       `json:"id"`
	SessionID  string    `json:"sessionId"`
	At         time.Time `json:"at"`
	FromPreset string    `json:"fromPreset"`
	ToPreset   string    `json:"toPreset"`
	RatioPct   int       `json:"ratioPct"`
}

// ProbeResult is one bandwidth measurement.
type ProbeResult struct {
	ID        int       `json:"id"`
	At        time.Time `json:"at"`
	SizeBytes int       `json:"sizeBytes"`
	Kbps      float64   `json:"kbps"`
}

// Database defines the interface for session history operations.
type Database interface {
	CreateSession(session StreamSession) error
	EndSession(id string, reason EndReason, endedAt time.Time) error
	GetSession(id string) (*StreamSession, error)
	ListSessions(limit, offset int) ([]StreamSession, error)

	RecordTransition(t QualityTransition) error
	ListTransitions(sessionID string) ([]QualityTransition, error)

	RecordProbe(p ProbeResult) error
	ListProbes(limit int) ([]ProbeResult, error)

	DeleteSessionsBefore(cutoff time.Time) (int64, error)

	Close() error
}
