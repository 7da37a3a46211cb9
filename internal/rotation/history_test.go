package rotation

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/keyrotate/internal/aging"
	"github.com/systmms/keyrotate/internal/connect"
	dserrors "github.com/systmms/keyrotate/internal/errors"
	"github.com/systmms/keyrotate/internal/rotation/storage"
)

func completedResult(at time.Time) *Result {
	return &Result{
		Status:       RunCompleted,
		Account:      "mtk-connect-admin",
		AccountID:    "u1",
		StartedAt:    at,
		FinishedAt:   at.Add(3 * time.Second),
		NewKeyPrefix: "abcd1234",
		Retirement: aging.Selection{
			Matched:   true,
			ActiveID:  "k-new",
			Threshold: time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC),
			IDs:       []string{"k-old"},
		},
		Deleted: []string{"k-old"},
		Steps: []StepResult{
			{Stage: StageResolveCredentials, Status: StepSuccess, StartedAt: at, CompletedAt: at.Add(time.Millisecond)},
			{Stage: StageDeleteAgedKeys, Status: StepSuccess, StartedAt: at, CompletedAt: at.Add(time.Second)},
		},
	}
}

func TestToRunRecord(t *testing.T) {
	record := ToRunRecord(completedResult(now))

	assert.Equal(t, "completed", record.Status)
	assert.Equal(t, "mtk-connect-admin", record.Account)
	assert.Equal(t, 3*time.Second, record.Duration)
	assert.Equal(t, []string{"k-old"}, record.RetiredKeys)
	require.NotNil(t, record.Threshold)
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), *record.Threshold)
	require.Len(t, record.Steps, 2)
	assert.Equal(t, "DeleteAgedKeys", record.Steps[1].Name)
	assert.Equal(t, time.Second, record.Steps[1].Duration)
	assert.Empty(t, record.Error)
}

func TestToRunRecordHalted(t *testing.T) {
	cause := errors.New("secret not found")
	result := &Result{
		Status:     RunHalted,
		HaltedAt:   StagePersistPrimarySecret,
		Err:        dserrors.StageError{Stage: string(StagePersistPrimarySecret), Err: cause},
		Account:    "mtk-connect-admin",
		StartedAt:  now,
		FinishedAt: now,
		Steps: []StepResult{
			{Stage: StagePersistPrimarySecret, Status: StepFailed, Err: cause},
		},
	}

	record := ToRunRecord(result)

	assert.Equal(t, "halted", record.Status)
	assert.Equal(t, "PersistToPrimarySecret", record.HaltedAt)
	assert.Contains(t, record.Error, "secret not found")
	assert.Nil(t, record.Threshold)
	assert.Equal(t, "secret not found", record.Steps[0].Error)
}

func TestHistoryRecorderKeepsRollingStatus(t *testing.T) {
	store := storage.NewFileStorage(t.TempDir())
	rec := NewHistoryRecorder(store)

	require.NoError(t, rec.Record(context.Background(), completedResult(now)))

	halted := &Result{
		Status:     RunHalted,
		HaltedAt:   StageResolveUserID,
		Err:        dserrors.StageError{Stage: string(StageResolveUserID), Err: errors.New("401")},
		Account:    "mtk-connect-admin",
		StartedAt:  now.Add(time.Hour),
		FinishedAt: now.Add(time.Hour),
	}
	require.NoError(t, rec.Record(context.Background(), halted))

	status, err := store.GetStatus("mtk-connect-admin")
	require.NoError(t, err)
	assert.Equal(t, 2, status.RunCount)
	assert.Equal(t, 1, status.SuccessCount)
	assert.Equal(t, 1, status.FailureCount)
	assert.Equal(t, "halted", status.LastResult)
	assert.Equal(t, "ResolveUserId", status.HaltedAt)
	// The halted run minted no key, so the last rotation stands
	assert.Equal(t, "abcd1234", status.ActiveKeyPrefix)
	assert.True(t, now.Equal(status.LastRotation))

	runs, err := store.ListRuns("mtk-connect-admin", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "halted", runs[0].Status)
}

func TestHistoryRecorderWiredIntoRun(t *testing.T) {
	h := newHarness()
	store := storage.NewFileStorage(t.TempDir())

	h.run(t, WithRecorder(NewHistoryRecorder(store)))

	runs, err := store.ListAllRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, "abcd1234", runs[0].NewKeyPrefix)
	assert.Len(t, runs[0].Steps, len(Stages))
}

func TestHistoryRecorderNeverStoresKeys(t *testing.T) {
	h := newHarness()
	h.api.userDetail = &connect.Outcome{
		Operation:  connect.OpGetUserDetails,
		Class:      connect.ClassClientError,
		StatusCode: 401,
		Body:       []byte(`{"error":"key ` + oldKey + ` rejected"}`),
	}
	dir := t.TempDir()

	result := h.run(t, WithRecorder(NewHistoryRecorder(storage.NewFileStorage(dir))))
	require.Equal(t, StageResolveUserID, result.HaltedAt)

	var files int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files++
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), oldKey, path)
		return nil
	})
	require.NoError(t, err)
	// one run record and one status file
	assert.Equal(t, 2, files)
}
