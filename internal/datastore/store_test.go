package datastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/guardian/internal/conf"
	"github.com/tphakala/guardian/internal/events"
)

func openStore(t *testing.T) *DataStore {
	t.Helper()
	ds := New(filepath.Join(t.TempDir(), "guardian.db"))
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func saveEvent(t *testing.T, ds *DataStore, ev events.Event) events.Event {
	t.Helper()
	require.NoError(t, ds.Save(&ev))
	return ev
}

func motionAt(ts int64, channel, snapshot string) events.Event {
	meta := events.Meta{events.MetaChannel: channel, events.MetaCamera: "front"}
	if snapshot != "" {
		meta[events.MetaSnapshot] = snapshot
	}
	return events.Event{
		Ts:       ts,
		Source:   channel,
		Detector: events.DetectorMotion,
		Severity: events.SeverityWarning,
		Message:  "Motion detected",
		Meta:     meta,
	}
}

func TestSaveAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	first := saveEvent(t, ds, motionAt(1000, "video:front", ""))
	second := saveEvent(t, ds, motionAt(2000, "video:front", ""))
	require.Greater(t, second.ID, first.ID)

	got, err := ds.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Ts, got.Ts)
	assert.Equal(t, "video:front", got.Meta.Channel())

	_, err = ds.Get(9999)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSearchNewestFirstWithTotal(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	var ids []int64
	for i := int64(1); i <= 5; i++ {
		ids = append(ids, saveEvent(t, ds, motionAt(i*1000, "video:front", "")).ID)
	}

	got, total, err := ds.Search(Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total, "total counts matches before the limit")
	require.Len(t, got, 2)
	assert.Equal(t, ids[4], got[0].ID)
	assert.Equal(t, ids[3], got[1].ID)
}

func TestSearchFilters(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	saveEvent(t, ds, motionAt(1000, "video:front", "snap/front.png"))
	saveEvent(t, ds, motionAt(2000, "video:back", ""))
	person := motionAt(3000, "video:front", "")
	person.Detector = events.DetectorPerson
	person.Severity = events.SeverityCritical
	person.Message = "Person confirmed near gate"
	saveEvent(t, ds, person)

	got, total, err := ds.Search(Filter{Channels: []string{"Front"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "bare channel names normalize before matching")
	require.Len(t, got, 2)

	got, _, err = ds.Search(Filter{Detector: events.DetectorPerson})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, events.SeverityCritical, got[0].Severity)

	got, _, err = ds.Search(Filter{Snapshot: "with"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "snap/front.png", got[0].Meta.Snapshot())

	got, _, err = ds.Search(Filter{Snapshot: "without"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, _, err = ds.Search(Filter{Search: "GATE"})
	require.NoError(t, err)
	require.Len(t, got, 1, "search is case-insensitive substring match")
	assert.Equal(t, events.DetectorPerson, got[0].Detector)

	got, _, err = ds.Search(Filter{From: 2000, To: 2500})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2000), got[0].Ts)
}

func TestAfterReturnsAscending(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	var ids []int64
	for i := int64(1); i <= 4; i++ {
		ids = append(ids, saveEvent(t, ds, motionAt(i*1000, "video:front", "")).ID)
	}

	got, err := ds.After(ids[0], Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
}

func TestRecentWithSnapshotsAscending(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	saveEvent(t, ds, motionAt(1000, "video:front", "snap/a.png"))
	saveEvent(t, ds, motionAt(2000, "video:front", ""))
	b := saveEvent(t, ds, motionAt(3000, "video:front", "snap/b.png"))
	c := saveEvent(t, ds, motionAt(4000, "video:front", "snap/c.png"))

	got, err := ds.RecentWithSnapshots(Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID, "newest snapshots, returned oldest-first")
	assert.Equal(t, c.ID, got[1].ID)
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	saveEvent(t, ds, motionAt(1000, "video:front", ""))
	saveEvent(t, ds, motionAt(2000, "video:front", ""))
	keep := saveEvent(t, ds, motionAt(3000, "video:front", ""))

	removed, err := ds.DeleteOlderThan(3000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, total, err := ds.Search(Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
}

func TestEnsureIndexesIdempotent(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	// Open already ran EnsureIndexes; a second pass finds nothing to do.
	ensured, version, changed, err := ds.EnsureIndexes()
	require.NoError(t, err)
	assert.Empty(t, ensured)
	assert.Equal(t, indexVersion, version)
	assert.False(t, changed)
}

func TestVacuum(t *testing.T) {
	t.Parallel()
	ds := openStore(t)
	saveEvent(t, ds, motionAt(1000, "video:front", ""))

	assert.NoError(t, ds.Vacuum(conf.VacuumSettings{Mode: "off"}))
	assert.NoError(t, ds.Vacuum(conf.VacuumSettings{
		Mode:     "auto",
		Reindex:  true,
		Analyze:  true,
		Optimize: true,
		Pragmas:  []string{" PRAGMA optimize ", ""},
	}))
}

func TestDiskUsageBytes(t *testing.T) {
	t.Parallel()

	ds := openStore(t)
	saveEvent(t, ds, motionAt(1000, "video:front", ""))
	size, err := ds.DiskUsageBytes()
	require.NoError(t, err)
	assert.Positive(t, size)

	mem := New(":memory:")
	require.NoError(t, mem.Open())
	t.Cleanup(func() { _ = mem.Close() })
	size, err = mem.DiskUsageBytes()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMetaRoundTripPreservesUnknownKeys(t *testing.T) {
	t.Parallel()
	ds := openStore(t)

	ev := motionAt(1000, "video:front", "")
	ev.Meta["customVendorKey"] = "opaque"
	saved := saveEvent(t, ds, ev)

	got, err := ds.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "opaque", got.Meta.String("customVendorKey"))
}
