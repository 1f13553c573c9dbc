package models

import "time"

// Saga and mutation step names recorded on a snag.
const (
	StepGenerateIdentifier = "generate_identifier"
	StepUploadMedia        = "upload_media"
	StepPersist            = "persist"
	StepSyncMirror         = "sync_mirror"
	StepNotify             = "notify"
	StepMirrorCorrection   = "mirror_correction"
	StepMirrorResync       = "mirror_resync"
	StepRevokeMedia        = "revoke_media"
)

// Step outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
	OutcomeUnresolved = "unresolved"
)

// StepResult is the observable outcome of one step.
type StepResult struct {
	Step    string    `json:"step"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Outcomes carries the post-persist bookkeeping written back to a snag.
type Outcomes struct {
	SyncStatus  string
	EmailSent   bool
	EmailSentAt *time.Time
	Steps       []StepResult
}
