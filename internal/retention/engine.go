// Package retention prunes old events from the datastore, archives or
// deletes aged snapshots, rotates per-camera archives, and drives the
// post-run database maintenance (index ensure + vacuum policy).
package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// archiveDayLayout names the per-day archive subdirectory.
const archiveDayLayout = "2006-01-02"

// WarningSink receives retention warnings for SSE fan-out; satisfied by
// *events.Bus. May be nil.
type WarningSink interface {
	PublishWarning(w events.Warning)
}

// RunResult summarizes one retention pass.
type RunResult struct {
	RemovedEvents       int64                                 `json:"removedEvents"`
	ArchivedSnapshots   int64                                 `json:"archivedSnapshots"`
	RemovedSnapshots    int64                                 `json:"removedSnapshots"`
	PrunedArchives      int64                                 `json:"prunedArchives"`
	DiskSavingsBytes    int64                                 `json:"diskSavingsBytes"`
	EnsuredIndexes      []string                              `json:"ensuredIndexes"`
	IndexVersion        int                                   `json:"indexVersion"`
	IndexVersionChanged bool                                  `json:"indexVersionChanged"`
	VacuumRan           bool                                  `json:"vacuumRan"`
	PerCamera           map[string]observability.RetentionTotals `json:"perCamera,omitempty"`
}

// Engine owns the retention schedule. Concurrent RunOnce calls coalesce
// into a single pass; a periodic tick arriving while a run is in flight
// is skipped, not queued.
type Engine struct {
	mu  sync.Mutex
	cfg conf.RetentionSettings

	store    datastore.Interface
	metrics  *observability.Registry
	warnings WarningSink
	logger   *slog.Logger
	now      func() time.Time

	group    singleflight.Group
	inFlight atomic.Bool

	loopCancel context.CancelFunc
}

// NewEngine builds a retention engine over the given store.
func NewEngine(cfg conf.RetentionSettings, store datastore.Interface, metrics *observability.Registry, warnings WarningSink) *Engine {
	if metrics == nil {
		metrics = observability.NewRegistry(nil)
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		metrics:  metrics,
		warnings: warnings,
		logger:   logging.ForService("retention"),
		now:      time.Now,
	}
}

// SetClock overrides the engine clock; test helper.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Start begins periodic runs until ctx is cancelled. Disabled retention
// logs once and schedules nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	cfg := e.cfg
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	if !cfg.Enabled {
		e.mu.Unlock()
		e.logger.Info("retention disabled, skipping scheduled runs")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.mu.Unlock()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Hour
	}
	e.logger.Info("retention scheduled", "interval", interval, "retentionDays", cfg.RetentionDays)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if e.inFlight.Load() {
					e.logger.Debug("retention run already in flight, tick skipped")
					continue
				}
				if _, err := e.RunOnce(); err != nil {
					e.logger.Error("retention run failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the periodic schedule; an in-flight run completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.loopCancel != nil {
		e.loopCancel()
		e.loopCancel = nil
	}
	e.mu.Unlock()
}

// UpdateOptions swaps the retention configuration and restarts or stops
// the schedule to match.
func (e *Engine) UpdateOptions(ctx context.Context, cfg conf.RetentionSettings) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.Start(ctx)
}

// RunOnce executes one retention pass. Concurrent callers share a single
// pass and its result.
func (e *Engine) RunOnce() (RunResult, error) {
	result, err, _ := e.group.Do("run", func() (any, error) {
		e.inFlight.Store(true)
		defer e.inFlight.Store(false)
		return e.runOnce()
	})
	if err != nil {
		return RunResult{}, err
	}
	return result.(RunResult), nil
}

func (e *Engine) runOnce() (RunResult, error) {
	e.mu.Lock()
	cfg := e.cfg
	now := e.now()
	e.mu.Unlock()

	result := RunResult{PerCamera: make(map[string]observability.RetentionTotals)}
	started := time.Now()

	diskBefore, err := e.store.DiskUsageBytes()
	if err != nil {
		e.logger.Warn("disk usage probe failed", "error", err)
	}

	if cfg.RetentionDays > 0 {
		cutoff := now.UnixMilli() - int64(cfg.RetentionDays)*dayMs
		removed, err := e.store.DeleteOlderThan(cutoff)
		if err != nil {
			e.warn("", "events", "event prune failed: "+err.Error())
		} else {
			result.RemovedEvents = removed
		}
	}

	e.processSnapshots(&cfg, now, &result)
	e.rotateArchives(&cfg, &result)

	ensured, version, changed, err := e.store.EnsureIndexes()
	if err != nil {
		e.warn("", "indexes", "index ensure failed: "+err.Error())
	} else {
		result.EnsuredIndexes = ensured
		result.IndexVersion = version
		result.IndexVersionChanged = changed
	}

	if e.shouldVacuum(&cfg, &result) {
		if err := e.store.Vacuum(cfg.Vacuum); err != nil {
			e.warn("", "vacuum", "vacuum-failed")
			e.logger.Error("vacuum failed", "error", err)
		} else {
			result.VacuumRan = true
		}
	}

	diskAfter, err := e.store.DiskUsageBytes()
	if err != nil {
		e.logger.Warn("disk usage probe failed", "error", err)
		diskAfter = diskBefore
	}
	if savings := diskBefore - diskAfter; savings > 0 {
		result.DiskSavingsBytes = savings
	}

	e.metrics.RecordRetentionRun(observability.RetentionRunDetail{
		RemovedEvents:     result.RemovedEvents,
		ArchivedSnapshots: result.ArchivedSnapshots,
		RemovedSnapshots:  result.RemovedSnapshots,
		PrunedArchives:    result.PrunedArchives,
		DiskSavingsBytes:  result.DiskSavingsBytes,
		PerCamera:         result.PerCamera,
	})
	e.logger.Info("retention run complete",
		"removedEvents", result.RemovedEvents,
		"archivedSnapshots", result.ArchivedSnapshots,
		"removedSnapshots", result.RemovedSnapshots,
		"prunedArchives", result.PrunedArchives,
		"diskSavingsBytes", result.DiskSavingsBytes,
		"vacuum", result.VacuumRan,
		"duration", time.Since(started))
	return result, nil
}

func (e *Engine) shouldVacuum(cfg *conf.RetentionSettings, result *RunResult) bool {
	switch cfg.Vacuum.Run {
	case "always":
		return true
	case "on-change":
		return result.RemovedEvents > 0 ||
			result.PrunedArchives > 0 ||
			result.ArchivedSnapshots > 0 ||
			result.RemovedSnapshots > 0 ||
			result.IndexVersionChanged
	default:
		return false
	}
}

// processSnapshots walks every snapshot root and archives or deletes
// files older than the snapshot retention cutoff.
func (e *Engine) processSnapshots(cfg *conf.RetentionSettings, now time.Time, result *RunResult) {
	mode := cfg.Snapshot.Mode
	if mode != "archive" && mode != "delete" {
		return
	}
	if cfg.Snapshot.RetentionDays <= 0 {
		return
	}
	cutoff := now.Add(-time.Duration(cfg.Snapshot.RetentionDays) * 24 * time.Hour)

	for _, root := range cfg.SnapshotDirs {
		camera := filepath.Base(filepath.Clean(root))
		walkErr := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if entry.IsDir() {
				return nil
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}

			totals := result.PerCamera[camera]
			if mode == "delete" {
				if err := os.Remove(path); err != nil {
					e.warn(camera, path, "snapshot delete failed: "+err.Error())
					return nil
				}
				result.RemovedSnapshots++
				totals.RemovedSnapshots++
			} else {
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = filepath.Base(path)
				}
				dest := filepath.Join(cfg.ArchiveDir, camera, info.ModTime().Format(archiveDayLayout), rel)
				if err := moveFile(path, dest); err != nil {
					e.warn(camera, path, err.Error())
					return nil
				}
				result.ArchivedSnapshots++
				totals.ArchivedSnapshots++
			}
			totals.DiskSavingsBytes += info.Size()
			result.PerCamera[camera] = totals
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, os.ErrNotExist) {
			e.warn(camera, root, "snapshot walk failed: "+walkErr.Error())
		}
	}
}

// rotateArchives keeps at most the per-camera archive budget, newest
// first.
func (e *Engine) rotateArchives(cfg *conf.RetentionSettings, result *RunResult) {
	if cfg.Snapshot.Mode != "archive" || cfg.ArchiveDir == "" {
		return
	}
	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.warn("", cfg.ArchiveDir, "archive scan failed: "+err.Error())
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		camera := entry.Name()
		limit, configured := cfg.Snapshot.PerCameraMax[camera]
		if !configured {
			limit = cfg.Snapshot.MaxArchivesPerCamera
		}
		if limit <= 0 {
			continue
		}

		type archived struct {
			path  string
			mtime time.Time
			size  int64
		}
		var files []archived
		root := filepath.Join(cfg.ArchiveDir, camera)
		_ = filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
			if err != nil || de.IsDir() {
				return nil
			}
			info, err := de.Info()
			if err != nil {
				return nil
			}
			files = append(files, archived{path: path, mtime: info.ModTime(), size: info.Size()})
			return nil
		})
		if len(files) <= limit {
			continue
		}
		sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
		for _, stale := range files[limit:] {
			if err := os.Remove(stale.path); err != nil {
				e.warn(camera, stale.path, "archive prune failed: "+err.Error())
				continue
			}
			result.PrunedArchives++
			totals := result.PerCamera[camera]
			totals.PrunedArchives++
			totals.DiskSavingsBytes += stale.size
			result.PerCamera[camera] = totals
		}
	}
}

// warn records one retention warning in metrics and fans it out to SSE
// subscribers.
func (e *Engine) warn(camera, path, reason string) {
	at := e.now().UnixMilli()
	e.metrics.RecordRetentionWarning(observability.RetentionWarningDetail{
		Camera: camera,
		Path:   path,
		Reason: reason,
		At:     at,
	})
	if e.warnings != nil {
		retention := map[string]any{
			"path":   path,
			"reason": reason,
		}
		if camera != "" {
			retention["camera"] = camera
		}
		e.warnings.PublishWarning(events.Warning{Type: "retention", Retention: retention, At: at})
	}
	e.logger.Warn("retention warning", "camera", camera, "path", path, "reason", reason)
}

// moveFile renames src to dest, creating parents. A cross-device rename
// falls back to copy-then-unlink.
func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.New(err).
			Component("retention").
			Category(errors.CategoryFileIO).
			Context("path", dest).
			Build()
	}
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return errors.New(err).
			Component("retention").
			Category(errors.CategoryFileIO).
			Context("path", src).
			Build()
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.New(err).Component("retention").Category(errors.CategoryFileIO).Build()
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.New(err).Component("retention").Category(errors.CategoryFileIO).Build()
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return errors.New(err).Component("retention").Category(errors.CategoryFileIO).Build()
	}
	if err := out.Close(); err != nil {
		return errors.New(err).Component("retention").Category(errors.CategoryFileIO).Build()
	}
	return os.Remove(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err == syscall.EXDEV
	}
	return false
}
