package api

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
	"github.com/tphakala/guardian/internal/observability"
)

// fakeEventStore is an in-memory datastore.Interface for gateway tests.
type fakeEventStore struct {
	mu     sync.Mutex
	events []events.Event
	nextID int64
}

var _ datastore.Interface = (*fakeEventStore)(nil)

func (s *fakeEventStore) Open() error  { return nil }
func (s *fakeEventStore) Close() error { return nil }

func (s *fakeEventStore) Save(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeEventStore) Get(id int64) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			return s.events[i], nil
		}
	}
	return events.Event{}, gorm.ErrRecordNotFound
}

func (s *fakeEventStore) matching(filter datastore.Filter) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for i := range s.events {
		if matchFilter(&filter, &s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}

func (s *fakeEventStore) Search(filter datastore.Filter) ([]events.Event, int64, error) {
	matched := s.matching(filter)
	total := int64(len(matched))
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *fakeEventStore) After(afterID int64, filter datastore.Filter, limit int) ([]events.Event, error) {
	matched := s.matching(filter)
	var out []events.Event
	for i := range matched {
		if matched[i].ID > afterID {
			out = append(out, matched[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeEventStore) RecentWithSnapshots(filter datastore.Filter, limit int) ([]events.Event, error) {
	filter.Snapshot = "with"
	matched := s.matching(filter)
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

func (s *fakeEventStore) DeleteOlderThan(int64) (int64, error) { return 0, nil }
func (s *fakeEventStore) EnsureIndexes() ([]string, int, bool, error) {
	return nil, 0, false, nil
}
func (s *fakeEventStore) Vacuum(conf.VacuumSettings) error { return nil }
func (s *fakeEventStore) DiskUsageBytes() (int64, error)   { return 0, nil }

func testSettings(snapshotRoot string) *conf.Settings {
	return &conf.Settings{
		Video: conf.VideoSettings{SnapshotDirs: []string{snapshotRoot}},
		HTTP: conf.HTTPSettings{
			SnapshotCacheMaxAge: 60,
			SSEMaxBacklogBytes:  1 << 20,
		},
	}
}

func newTestController(t *testing.T, store *fakeEventStore, settings *conf.Settings) *Controller {
	t.Helper()
	if settings == nil {
		settings = testSettings(t.TempDir())
	}
	return New(NewEcho(), store, nil, observability.NewRegistry(nil),
		nil, nil, NewMemoryFaceRegistry(), settings)
}

func perform(c *Controller, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}
