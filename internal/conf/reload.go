package conf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"

	"github.com/tphakala/guardian/internal/logging"
)

// reloadDebounce absorbs editor write bursts before a reload attempt.
const reloadDebounce = 200 * time.Millisecond

// ChangeSet lists the keys a reload added, removed, or changed.
type ChangeSet struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether the change set carries no entries.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// DiffSummary describes what a validated reload changed.
type DiffSummary struct {
	Cameras  ChangeSet `json:"cameras"`
	Channels ChangeSet `json:"channels"`
}

// Reload is delivered to subscribers after a validated configuration
// change. Subscribers must be idempotent: the same config may be applied
// more than once during rollback.
type Reload struct {
	Previous *Settings
	Next     *Settings
	Diff     DiffSummary
}

// ReloadSubscriber applies a configuration delta. Returning an error
// triggers rollback to the previous configuration for all subscribers.
type ReloadSubscriber func(Reload) error

// Manager owns the configuration snapshot, watches the file for changes,
// and drives validate-apply-rollback.
type Manager struct {
	path string

	mu          sync.RWMutex
	current     *Settings
	lastGood    []byte
	subscribers []ReloadSubscriber

	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewManager loads the configuration at path and returns a manager holding
// it as the active snapshot.
func NewManager(path string) (*Manager, error) {
	settings, raw, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:     path,
		current:  settings,
		lastGood: raw,
		logger:   logging.ForService("conf"),
	}, nil
}

// Current returns the active configuration snapshot. The snapshot is
// immutable; callers must not modify it.
func (m *Manager) Current() *Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a reload subscriber. Subscribers are invoked in
// registration order on every validated reload.
func (m *Manager) Subscribe(fn ReloadSubscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Watch starts watching the configuration file until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	m.watcher = watcher

	// Watch the directory: editors replace files, which drops inode
	// watches on the file itself.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watcher.Close()

	var debounce *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				m.ReloadNow()
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

// ReloadNow re-reads the config file and applies validate-apply-rollback.
// On any failure the previous configuration remains active and the on-disk
// file is restored to the last known-good serialization.
func (m *Manager) ReloadNow() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Warn("configuration reload failed", "error", err)
		return
	}

	m.mu.RLock()
	unchanged := string(raw) == string(m.lastGood)
	m.mu.RUnlock()
	if unchanged {
		return
	}

	next, err := Parse(raw)
	if err != nil {
		m.logger.Warn("configuration reload failed", "error", err)
		m.restoreKnownGood()
		return
	}

	m.mu.Lock()
	previous := m.current
	subscribers := slices.Clone(m.subscribers)
	m.mu.Unlock()

	diff := Diff(previous, next)
	reload := Reload{Previous: previous, Next: next, Diff: diff}

	if err := publish(subscribers, reload); err != nil {
		// A subscriber failed mid-apply. Re-apply the previous config to
		// every subscriber, then restore the file.
		m.logger.Warn("configuration apply failed, rolling back", "error", err)
		rollback := Reload{Previous: next, Next: previous, Diff: Diff(next, previous)}
		if rbErr := publish(subscribers, rollback); rbErr != nil {
			m.logger.Error("configuration rollback failed", "error", rbErr)
		}
		m.restoreKnownGood()
		m.logger.Warn("Configuration rollback applied")
		return
	}

	m.mu.Lock()
	m.current = next
	m.lastGood = raw
	m.mu.Unlock()

	m.logger.Info("configuration reloaded",
		"cameras_added", diff.Cameras.Added,
		"cameras_removed", diff.Cameras.Removed,
		"cameras_changed", diff.Cameras.Changed,
		"channels_added", diff.Channels.Added,
		"channels_removed", diff.Channels.Removed)
}

func publish(subscribers []ReloadSubscriber, reload Reload) error {
	for _, fn := range subscribers {
		if err := fn(reload); err != nil {
			return err
		}
	}
	return nil
}

// restoreKnownGood rewrites the config file atomically with the last
// serialization that passed validation.
func (m *Manager) restoreKnownGood() {
	m.mu.RLock()
	raw := m.lastGood
	m.mu.RUnlock()
	if raw == nil {
		return
	}
	if err := renameio.WriteFile(m.path, raw, 0o644); err != nil {
		m.logger.Error("failed to restore known-good config", "error", err)
	}
}

// Diff computes the camera and channel change summary between two
// configuration snapshots.
func Diff(previous, next *Settings) DiffSummary {
	summary := DiffSummary{}

	prevCams := camerasByID(previous)
	nextCams := camerasByID(next)

	for id, nextCam := range nextCams {
		prevCam, existed := prevCams[id]
		switch {
		case !existed:
			summary.Cameras.Added = append(summary.Cameras.Added, id)
		case !reflect.DeepEqual(prevCam, nextCam):
			summary.Cameras.Changed = append(summary.Cameras.Changed, id)
		}
	}
	for id := range prevCams {
		if _, exists := nextCams[id]; !exists {
			summary.Cameras.Removed = append(summary.Cameras.Removed, id)
		}
	}

	prevChans := channelSet(previous)
	nextChans := channelSet(next)
	for ch := range nextChans {
		if !prevChans[ch] {
			summary.Channels.Added = append(summary.Channels.Added, ch)
		}
	}
	for ch := range prevChans {
		if !nextChans[ch] {
			summary.Channels.Removed = append(summary.Channels.Removed, ch)
		}
	}

	slices.Sort(summary.Cameras.Added)
	slices.Sort(summary.Cameras.Removed)
	slices.Sort(summary.Cameras.Changed)
	slices.Sort(summary.Channels.Added)
	slices.Sort(summary.Channels.Removed)
	return summary
}

func camerasByID(s *Settings) map[string]CameraSettings {
	cams := make(map[string]CameraSettings, len(s.Video.Cameras))
	for i := range s.Video.Cameras {
		cams[s.Video.Cameras[i].ID] = s.Video.Cameras[i]
	}
	return cams
}

func channelSet(s *Settings) map[string]bool {
	set := make(map[string]bool, len(s.Video.Cameras)+1)
	for i := range s.Video.Cameras {
		set[strings.ToLower(s.Video.Cameras[i].Channel)] = true
	}
	if s.Audio.Channel != "" {
		set[strings.ToLower(s.Audio.Channel)] = true
	}
	return set
}

// RequiresRespawn reports whether a camera change needs a new decoder
// subprocess rather than a live option update.
func RequiresRespawn(previous, next *CameraSettings) bool {
	return previous.Input != next.Input || !slices.Equal(previous.FFmpeg, next.FFmpeg)
}
