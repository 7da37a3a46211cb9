package rotation

import (
	"context"
	"fmt"

	"github.com/systmms/keyrotate/internal/rotation/storage"
)

// HistoryRecorder writes every run to a run history store
type HistoryRecorder struct {
	Store storage.Storage
}

// NewHistoryRecorder creates a recorder backed by store
func NewHistoryRecorder(store storage.Storage) *HistoryRecorder {
	return &HistoryRecorder{Store: store}
}

// Record saves the run and folds it into the account's rolling status
func (h *HistoryRecorder) Record(_ context.Context, result *Result) error {
	record := ToRunRecord(result)
	if err := h.Store.SaveRun(record); err != nil {
		return fmt.Errorf("failed to save run record: %w", err)
	}

	status, err := h.Store.GetStatus(result.Account)
	if err != nil {
		status = &storage.AccountStatus{Account: result.Account}
	}
	status.LastRun = record.Timestamp
	status.LastResult = record.Status
	status.LastError = record.Error
	status.HaltedAt = record.HaltedAt
	status.RunCount++
	if result.Completed() {
		status.SuccessCount++
	} else {
		status.FailureCount++
	}
	// The key changed once CreateKey succeeded, whatever happened later
	if result.NewKeyPrefix != "" {
		status.ActiveKeyPrefix = result.NewKeyPrefix
		status.LastRotation = record.Timestamp
	}

	if err := h.Store.SaveStatus(status); err != nil {
		return fmt.Errorf("failed to save account status: %w", err)
	}
	return nil
}

// ToRunRecord converts a result to its persisted form
func ToRunRecord(result *Result) *storage.RunRecord {
	record := &storage.RunRecord{
		Timestamp:       result.StartedAt,
		Account:         result.Account,
		Status:          string(result.Status),
		HaltedAt:        string(result.HaltedAt),
		Duration:        result.Duration(),
		NewKeyPrefix:    result.NewKeyPrefix,
		RetiredKeys:     result.Deleted,
		FailedDeletions: result.DeleteFailed,
	}
	if result.Err != nil {
		record.Error = result.Err.Error()
	}
	if result.Retirement.Matched {
		threshold := result.Retirement.Threshold
		record.Threshold = &threshold
	}

	for _, s := range result.Steps {
		step := storage.StepRecord{
			Name:        string(s.Stage),
			Status:      string(s.Status),
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
			Duration:    s.Duration(),
		}
		if s.Err != nil {
			step.Error = s.Err.Error()
		}
		record.Steps = append(record.Steps, step)
	}
	return record
}
