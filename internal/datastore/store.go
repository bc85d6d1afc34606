package datastore

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
)

// indexVersion is bumped whenever requiredIndexes changes so retention
// runs can detect and rebuild a stale index set.
const indexVersion = 2

// requiredIndexes maps index name to its creation statement.
var requiredIndexes = map[string]string{
	"idx_events_ts":       "CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)",
	"idx_events_channel":  "CREATE INDEX IF NOT EXISTS idx_events_channel ON events(channel)",
	"idx_events_detector": "CREATE INDEX IF NOT EXISTS idx_events_detector ON events(detector)",
	"idx_events_severity": "CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity)",
}

// schemaInfo tracks the applied index set version.
type schemaInfo struct {
	ID      int `gorm:"column:id;primaryKey"`
	Version int `gorm:"column:version"`
}

func (schemaInfo) TableName() string { return "guardian_schema" }

// DataStore implements Interface using a GORM sqlite database.
type DataStore struct {
	path   string
	db     *gorm.DB
	logger *slog.Logger
}

// New creates a store for the sqlite database at path. Use ":memory:" or
// "file::memory:?cache=shared" for tests.
func New(path string) *DataStore {
	return &DataStore{
		path:   path,
		logger: logging.ForService("datastore"),
	}
}

// Open opens the database and migrates the schema. A failure here is
// fatal at process start.
func (ds *DataStore) Open() error {
	db, err := gorm.Open(sqlite.Open(ds.path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return errors.New(fmt.Errorf("failed to open database %s: %w", ds.path, err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", ds.path).
			Build()
	}
	ds.db = db

	if err := db.AutoMigrate(&eventRecord{}, &schemaInfo{}); err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}

	if _, _, _, err := ds.EnsureIndexes(); err != nil {
		return err
	}

	ds.logger.Info("datastore opened", "path", ds.path)
	return nil
}

// Close closes the underlying connection.
func (ds *DataStore) Close() error {
	if ds.db == nil {
		return nil
	}
	sqlDB, err := ds.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save persists one event; the assigned row id is written back into ev.ID.
func (ds *DataStore) Save(ev *events.Event) error {
	record, err := toRecord(ev)
	if err != nil {
		return err
	}
	record.ID = 0
	if err := ds.db.Create(record).Error; err != nil {
		return err
	}
	ev.ID = record.ID
	return nil
}

// Get returns a single event by id.
func (ds *DataStore) Get(id int64) (events.Event, error) {
	var record eventRecord
	if err := ds.db.First(&record, "id = ?", id).Error; err != nil {
		return events.Event{}, err
	}
	return record.toEvent()
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func applyFilter(q *gorm.DB, filter *Filter) *gorm.DB {
	if filter.Source != "" {
		q = q.Where("source = ?", filter.Source)
	}
	if filter.Camera != "" {
		q = q.Where("camera = ?", filter.Camera)
	}
	if len(filter.Channels) > 0 {
		normalized := make([]string, 0, len(filter.Channels))
		for _, ch := range filter.Channels {
			normalized = append(normalized, strings.ToLower(conf.NormalizeChannel(ch, "")))
		}
		q = q.Where("LOWER(channel) IN ?", normalized)
	}
	if filter.Detector != "" {
		q = q.Where("detector = ?", filter.Detector)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.From > 0 {
		q = q.Where("ts >= ?", filter.From)
	}
	if filter.To > 0 {
		q = q.Where("ts <= ?", filter.To)
	}
	if filter.Search != "" {
		needle := "%" + strings.ToLower(filter.Search) + "%"
		q = q.Where(
			"LOWER(message) LIKE ? OR LOWER(detector) LIKE ? OR LOWER(source) LIKE ? OR LOWER(channel) LIKE ? OR LOWER(camera) LIKE ? OR LOWER(snapshot) LIKE ?",
			needle, needle, needle, needle, needle, needle)
	}
	switch filter.Snapshot {
	case "with":
		q = q.Where("snapshot <> ''")
	case "without":
		q = q.Where("snapshot = ''")
	}
	switch filter.FaceSnapshot {
	case "with":
		q = q.Where("face_snapshot <> ''")
	case "without":
		q = q.Where("face_snapshot = ''")
	}
	return q
}

// Search returns matching events newest-first plus the total match count.
func (ds *DataStore) Search(filter Filter) ([]events.Event, int64, error) {
	var total int64
	counted := applyFilter(ds.db.Model(&eventRecord{}), &filter)
	if err := counted.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q := applyFilter(ds.db.Model(&eventRecord{}), &filter).Order("id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var records []eventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, 0, err
	}
	out, err := toEvents(records)
	return out, total, err
}

// After returns events with id > afterID matching filter in ascending id
// order.
func (ds *DataStore) After(afterID int64, filter Filter, limit int) ([]events.Event, error) {
	q := applyFilter(ds.db.Model(&eventRecord{}), &filter).
		Where("id > ?", afterID).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []eventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return toEvents(records)
}

// RecentWithSnapshots returns the newest limit snapshot-bearing events
// matching filter, in ascending id order for stream prefill.
func (ds *DataStore) RecentWithSnapshots(filter Filter, limit int) ([]events.Event, error) {
	filter.Snapshot = "with"
	q := applyFilter(ds.db.Model(&eventRecord{}), &filter).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []eventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out, err := toEvents(records)
	if err != nil {
		return nil, err
	}
	// Reverse into ascending id order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func toEvents(records []eventRecord) ([]events.Event, error) {
	out := make([]events.Event, 0, len(records))
	for i := range records {
		ev, err := records[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// DeleteOlderThan removes events with ts < cutoff and returns the count.
func (ds *DataStore) DeleteOlderThan(cutoffMs int64) (int64, error) {
	result := ds.db.Where("ts < ?", cutoffMs).Delete(&eventRecord{})
	return result.RowsAffected, result.Error
}

// EnsureIndexes creates missing indexes and reconciles the stored index
// version.
func (ds *DataStore) EnsureIndexes() (ensured []string, version int, changed bool, err error) {
	existing := make(map[string]bool)
	var names []string
	if err = ds.db.Table("sqlite_master").
		Where("type = ? AND tbl_name = ?", "index", "events").
		Pluck("name", &names).Error; err != nil {
		return nil, 0, false, err
	}
	for _, name := range names {
		existing[name] = true
	}

	for name, stmt := range requiredIndexes {
		if existing[name] {
			continue
		}
		if err = ds.db.Exec(stmt).Error; err != nil {
			return nil, 0, false, err
		}
		ensured = append(ensured, name)
	}

	var info schemaInfo
	result := ds.db.First(&info, "id = 1")
	switch {
	case result.Error != nil && errors.Is(result.Error, gorm.ErrRecordNotFound):
		info = schemaInfo{ID: 1, Version: indexVersion}
		if err = ds.db.Create(&info).Error; err != nil {
			return nil, 0, false, err
		}
		changed = true
	case result.Error != nil:
		return nil, 0, false, result.Error
	case info.Version != indexVersion:
		info.Version = indexVersion
		if err = ds.db.Save(&info).Error; err != nil {
			return nil, 0, false, err
		}
		changed = true
	}

	changed = changed || len(ensured) > 0
	return ensured, indexVersion, changed, nil
}

// Vacuum runs the configured compaction sequence in fixed order:
// checkpoint, optional reindex, optional analyze, vacuum, optional
// optimize, then extra pragmas in declared order.
func (ds *DataStore) Vacuum(settings conf.VacuumSettings) error {
	if settings.Mode == "off" {
		return nil
	}

	statements := []string{"PRAGMA wal_checkpoint(TRUNCATE)"}
	if settings.Reindex {
		statements = append(statements, "REINDEX")
	}
	if settings.Analyze {
		statements = append(statements, "ANALYZE")
	}
	statements = append(statements, "VACUUM")
	if settings.Optimize {
		statements = append(statements, "PRAGMA optimize")
	}
	for _, pragma := range settings.Pragmas {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" {
			continue
		}
		statements = append(statements, pragma)
	}

	for _, stmt := range statements {
		if err := ds.db.Exec(stmt).Error; err != nil {
			return errors.New(fmt.Errorf("vacuum statement %q failed: %w", stmt, err)).
				Component("datastore").
				Category(errors.CategoryDatabase).
				Context("statement", stmt).
				Build()
		}
	}
	return nil
}

// DiskUsageBytes reports the combined size of the database, WAL and shm
// files. In-memory databases report 0.
func (ds *DataStore) DiskUsageBytes() (int64, error) {
	if strings.Contains(ds.path, ":memory:") {
		return 0, nil
	}
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		info, err := os.Stat(ds.path + suffix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return total, err
		}
		total += info.Size()
	}
	return total, nil
}
