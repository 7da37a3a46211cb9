package storage

import (
	"time"
)

// Storage persists the outcome of rotation runs. The rotation workflow never
// reads it back; it exists for operators.
type Storage interface {
	// SaveRun appends a run record to the account's history
	SaveRun(run *RunRecord) error

	// ListRuns returns the newest records of one account, newest first.
	// A limit <= 0 returns every record.
	ListRuns(account string, limit int) ([]RunRecord, error)

	// ListAllRuns returns the newest records of all accounts, newest first
	ListAllRuns(limit int) ([]RunRecord, error)

	// SaveStatus replaces the account's rolling status
	SaveStatus(status *AccountStatus) error

	// GetStatus returns the account's rolling status
	GetStatus(account string) (*AccountStatus, error)

	// Prune removes run records older than olderThan and reports how many
	// were removed
	Prune(olderThan time.Duration) (int, error)
}

// AccountStatus summarizes every recorded run of one service account
type AccountStatus struct {
	Account         string    `json:"account"`
	LastRun         time.Time `json:"last_run"`
	LastResult      string    `json:"last_result"` // completed, halted
	LastError       string    `json:"last_error,omitempty"`
	HaltedAt        string    `json:"halted_at,omitempty"`
	ActiveKeyPrefix string    `json:"active_key_prefix,omitempty"`
	LastRotation    time.Time `json:"last_rotation,omitempty"`
	RunCount        int       `json:"run_count"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
}

// RunRecord is one rotation run
type RunRecord struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Account   string        `json:"account"`
	Status    string        `json:"status"` // completed, halted
	HaltedAt  string        `json:"halted_at,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`

	// Key bookkeeping; only public prefixes are ever stored
	NewKeyPrefix    string     `json:"new_key_prefix,omitempty"`
	Threshold       *time.Time `json:"threshold,omitempty"`
	RetiredKeys     []string   `json:"retired_keys,omitempty"`
	FailedDeletions []string   `json:"failed_deletions,omitempty"`

	Steps []StepRecord `json:"steps,omitempty"`
}

// StepRecord is the result of a single workflow stage
type StepRecord struct {
	Name        string        `json:"name"`
	Status      string        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}
