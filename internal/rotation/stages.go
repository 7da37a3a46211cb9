// Package rotation runs the key rotation workflow: authenticate, mint a new
// key, propagate it to the consuming secrets, then retire aged keys.
package rotation

import (
	"time"

	"github.com/systmms/keyrotate/internal/aging"
)

// Stage names one step of the workflow
type Stage string

const (
	StageResolveCredentials     Stage = "ResolveCredentials"
	StageProbeVersion           Stage = "ProbeVersion"
	StageResolveUserID          Stage = "ResolveUserId"
	StageCreateKey              Stage = "CreateKey"
	StagePersistPrimarySecret   Stage = "PersistToPrimarySecret"
	StagePersistSecondarySecret Stage = "PersistToSecondarySecret"
	StageFetchKeysForAging      Stage = "FetchKeysForAging"
	StageDeleteAgedKeys         Stage = "DeleteAgedKeys"
	StageVerifyActiveKey        Stage = "VerifyActiveKey"
)

// Stages lists every stage in execution order
var Stages = []Stage{
	StageResolveCredentials,
	StageProbeVersion,
	StageResolveUserID,
	StageCreateKey,
	StagePersistPrimarySecret,
	StagePersistSecondarySecret,
	StageFetchKeysForAging,
	StageDeleteAgedKeys,
	StageVerifyActiveKey,
}

// StepStatus is the outcome of one stage
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
	StepWarning StepStatus = "warning"
	// StepPartial marks a stage that succeeded for some items only
	StepPartial StepStatus = "partial"
)

// RunStatus is the overall outcome of a run
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
)

// StepResult records one executed stage
type StepResult struct {
	Stage       Stage
	Status      StepStatus
	StartedAt   time.Time
	CompletedAt time.Time
	Message     string
	Err         error
}

// Duration is how long the stage ran
func (s StepResult) Duration() time.Duration {
	return s.CompletedAt.Sub(s.StartedAt)
}

// Result is the outcome of one rotation run. It never holds key material
// other than the new key's public prefix.
type Result struct {
	Status   RunStatus
	HaltedAt Stage
	Err      error

	Account   string
	AccountID string

	StartedAt  time.Time
	FinishedAt time.Time
	Steps      []StepResult

	NewKeyPrefix string
	Retirement   aging.Selection
	Deleted      []string
	DeleteFailed []string
}

// Completed reports whether the run reached its end
func (r *Result) Completed() bool {
	return r.Status == RunCompleted
}

// Duration is the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Step returns the recorded result of stage, if it ran
func (r *Result) Step(stage Stage) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Stage == stage {
			return s, true
		}
	}
	return StepResult{}, false
}
