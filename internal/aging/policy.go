// Package aging decides which API keys of an account are old enough to retire.
package aging

import (
	"time"

	"github.com/systmms/keyrotate/internal/connect"
	"github.com/systmms/keyrotate/internal/logging"
)

// DefaultRetentionDays is how many days older than the active key a key
// may be before it is retired.
const DefaultRetentionDays = 2

// Policy computes retirement sets relative to the active key
type Policy struct {
	RetentionDays int
}

// Selection is the result of applying a Policy to a key list
type Selection struct {
	// Matched is false when no listed key carries the active key's prefix.
	// Nothing is retired in that case.
	Matched bool
	// ActiveID is the id of the listed entry identified as the active key
	ActiveID string
	// Threshold is the calendar date (UTC midnight) at or before which keys
	// are retired. Zero when Matched is false.
	Threshold time.Time
	// IDs lists retirable key ids in key list order
	IDs []string
}

// Empty reports whether nothing is to be retired
func (s Selection) Empty() bool {
	return len(s.IDs) == 0
}

// Select returns the keys whose creation date is on or before
// date(active key creation) minus RetentionDays. The active key is found by
// its prefix, since key listings never carry full secret values.
func (p Policy) Select(keys []connect.Key, activeKey string) Selection {
	active, ok := findByPrefix(keys, logging.KeyPrefix(activeKey))
	if !ok {
		return Selection{IDs: []string{}}
	}

	threshold := Threshold(active.CreationTime, p.retentionDays())
	sel := Selection{
		Matched:   true,
		ActiveID:  active.ID,
		Threshold: threshold,
		IDs:       []string{},
	}
	for _, k := range keys {
		if !dateOf(k.CreationTime).After(threshold) {
			sel.IDs = append(sel.IDs, k.ID)
		}
	}
	return sel
}

// Threshold returns the UTC calendar date of created minus days
func Threshold(created time.Time, days int) time.Time {
	return dateOf(created).AddDate(0, 0, -days)
}

func (p Policy) retentionDays() int {
	if p.RetentionDays < 0 {
		return 0
	}
	return p.RetentionDays
}

func findByPrefix(keys []connect.Key, prefix string) (connect.Key, bool) {
	if prefix == "" {
		return connect.Key{}, false
	}
	for _, k := range keys {
		if logging.KeyPrefix(k.Prefix) == prefix {
			return k, true
		}
	}
	return connect.Key{}, false
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
