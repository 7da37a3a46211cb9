package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// recordLayout names run files so that lexical order is chronological
const recordLayout = "20060102-150405.000000000"

// FileStorage implements Storage using the filesystem
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) *FileStorage {
	return &FileStorage{
		baseDir: baseDir,
	}
}

// DefaultStorageDir returns the default storage directory
func DefaultStorageDir() string {
	if dir := os.Getenv("KEYROTATE_HISTORY_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keyrotate")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "keyrotate")
	}

	return filepath.Join(os.TempDir(), "keyrotate")
}

// SaveStatus saves the rolling status of an account
func (fs *FileStorage) SaveStatus(status *AccountStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	statusDir := filepath.Join(fs.baseDir, "status")
	if err := os.MkdirAll(statusDir, 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	filename := filepath.Join(statusDir, sanitizeFilename(status.Account)+".json")
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// GetStatus retrieves the rolling status of an account
func (fs *FileStorage) GetStatus(account string) (*AccountStatus, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	filename := filepath.Join(fs.baseDir, "status", sanitizeFilename(account)+".json")
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no status found for account %s", account)
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status AccountStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

// SaveRun writes a run record under history/<account>/
func (fs *FileStorage) SaveRun(run *RunRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history", sanitizeFilename(run.Account))
	if err := os.MkdirAll(historyDir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	if run.ID == "" {
		run.ID = fmt.Sprintf("%d-%s", run.Timestamp.UnixNano(), sanitizeFilename(run.Account))
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	filename := filepath.Join(historyDir, run.Timestamp.UTC().Format(recordLayout)+".json")
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// ListRuns retrieves run records of one account, newest first
func (fs *FileStorage) ListRuns(account string, limit int) ([]RunRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.listRuns(account, limit)
}

func (fs *FileStorage) listRuns(account string, limit int) ([]RunRecord, error) {
	historyDir := filepath.Join(fs.baseDir, "history", sanitizeFilename(account))

	files, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() > files[j].Name()
	})

	runs := []RunRecord{}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(historyDir, file.Name()))
		if err != nil {
			continue // Skip files that can't be read
		}
		var run RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			continue // Skip invalid JSON files
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, nil
}

// ListAllRuns retrieves run records of all accounts, newest first
func (fs *FileStorage) ListAllRuns(limit int) ([]RunRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	historyDir := filepath.Join(fs.baseDir, "history")
	accountDirs, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	all := []RunRecord{}
	for _, dir := range accountDirs {
		if !dir.IsDir() {
			continue
		}
		runs, err := fs.listRuns(dir.Name(), -1)
		if err != nil {
			continue
		}
		all = append(all, runs...)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Prune removes run records whose file timestamp is older than olderThan
func (fs *FileStorage) Prune(olderThan time.Duration) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history")
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	err := filepath.WalkDir(historyDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		stamp := strings.TrimSuffix(filepath.Base(path), ".json")
		ts, err := time.Parse(recordLayout, stamp)
		if err != nil || !ts.Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove run record %s: %w", path, err)
		}
		removed++
		return nil
	})
	return removed, err
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
