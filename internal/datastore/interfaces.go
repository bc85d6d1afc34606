// Package datastore persists Guardian events in sqlite through GORM and
// provides the maintenance surface used by the retention engine.
package datastore

import (
	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/events"
)

// Filter narrows event queries. Zero values mean "no constraint".
type Filter struct {
	Source       string
	Camera       string
	Channels     []string
	Detector     string
	Severity     string
	From         int64 // epoch ms, inclusive
	To           int64 // epoch ms, inclusive
	Search       string
	Snapshot     string // "with" or "without"
	FaceSnapshot string // "with" or "without"
	Limit        int
}

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	// Save persists one event and assigns its monotonic ID.
	Save(ev *events.Event) error
	// Get returns a single event by id.
	Get(id int64) (events.Event, error)
	// Search returns matching events newest-first plus the total match
	// count before the limit was applied.
	Search(filter Filter) ([]events.Event, int64, error)
	// After returns events with id > afterID matching filter in ascending
	// id order, capped at limit. Used for SSE resume.
	After(afterID int64, filter Filter, limit int) ([]events.Event, error)
	// RecentWithSnapshots returns the newest limit events that carry a
	// snapshot and match filter, ascending by id.
	RecentWithSnapshots(filter Filter, limit int) ([]events.Event, error)

	// DeleteOlderThan removes events with ts < cutoff; returns the count.
	DeleteOlderThan(cutoffMs int64) (int64, error)
	// EnsureIndexes creates any missing indexes for the current schema
	// version. Returns the ensured index names, the version, and whether
	// the stored version changed.
	EnsureIndexes() (ensured []string, version int, changed bool, err error)
	// Vacuum runs the configured compaction sequence.
	Vacuum(settings conf.VacuumSettings) error
	// DiskUsageBytes reports the on-disk size of the database files.
	DiskUsageBytes() (int64, error)
}
