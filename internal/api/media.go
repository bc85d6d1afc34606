package api

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/guardian/internal/datastore"
	"github.com/tphakala/guardian/internal/events"
)

// statEntry is the cached stat/ETag pair for one snapshot path.
type statEntry struct {
	modTime time.Time
	size    int64
	etag    string
}

// handleSnapshot is GET /api/events/:id/snapshot.
func (c *Controller) handleSnapshot(ctx echo.Context) error {
	ev, err := c.eventForMedia(ctx)
	if err != nil {
		return err
	}
	return c.serveSnapshotFile(ctx, ev.Meta.Snapshot())
}

// handleFaceSnapshot is GET /api/events/:id/face-snapshot.
func (c *Controller) handleFaceSnapshot(ctx echo.Context) error {
	ev, err := c.eventForMedia(ctx)
	if err != nil {
		return err
	}
	return c.serveSnapshotFile(ctx, ev.Meta.FaceSnapshot())
}

func (c *Controller) eventForMedia(ctx echo.Context) (events.Event, error) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		return events.Event{}, echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	ev, err := c.DS.Get(id)
	if err != nil {
		return events.Event{}, echo.NewHTTPError(http.StatusNotFound, "event not found")
	}
	return ev, nil
}

// serveSnapshotFile validates path against the allow-list on every
// request, honors conditional headers, and streams the file.
func (c *Controller) serveSnapshotFile(ctx echo.Context, path string) error {
	if path == "" {
		return echo.NewHTTPError(http.StatusNotFound, "event has no snapshot")
	}
	resolved, authorized := c.pathAuthorized(path)
	if !authorized {
		return ctx.JSON(http.StatusForbidden, map[string]string{
			"error": "snapshot path is not authorized",
		})
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "snapshot file missing")
	}
	etag := c.etagFor(resolved, info.ModTime(), info.Size())

	c.writeCacheHeaders(ctx, etag, info.ModTime())
	if matched := ctx.Request().Header.Get("If-None-Match"); matched != "" && matched == etag {
		return ctx.NoContent(http.StatusNotModified)
	}
	if since := ctx.Request().Header.Get("If-Modified-Since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && !info.ModTime().Truncate(time.Second).After(t) {
			return ctx.NoContent(http.StatusNotModified)
		}
	}
	return ctx.File(resolved)
}

// etagFor returns a cached ETag for path, invalidating stale entries by
// mtime/size mismatch.
func (c *Controller) etagFor(path string, modTime time.Time, size int64) string {
	if cached, found := c.statCache.Get(path); found {
		entry := cached.(statEntry)
		if entry.modTime.Equal(modTime) && entry.size == size {
			return entry.etag
		}
	}
	etag := fmt.Sprintf("%q", fmt.Sprintf("%x-%x", modTime.UnixNano(), size))
	c.statCache.SetDefault(path, statEntry{modTime: modTime, size: size, etag: etag})
	return etag
}

func (c *Controller) writeCacheHeaders(ctx echo.Context, etag string, modTime time.Time) {
	maxAge := 0
	if settings := c.Settings(); settings != nil {
		maxAge = settings.HTTP.SnapshotCacheMaxAge
	}
	h := ctx.Response().Header()
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	h.Set("ETag", etag)
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
}

// handleSnapshotDiff is GET /api/events/:id/snapshot/diff: renders the
// per-pixel difference between the event snapshot and the previous
// snapshot of the same camera.
func (c *Controller) handleSnapshotDiff(ctx echo.Context) error {
	ev, err := c.eventForMedia(ctx)
	if err != nil {
		return err
	}
	current, err := c.loadSnapshotPNG(ctx, ev.Meta.Snapshot())
	if err != nil {
		return err
	}

	baseline, err := c.baselineSnapshot(&ev)
	if err != nil {
		return err
	}
	previous, err := c.loadSnapshotPNG(ctx, baseline)
	if err != nil {
		return err
	}

	if !current.Bounds().Eq(previous.Bounds()) {
		return ctx.JSON(http.StatusConflict, map[string]string{
			"error": "Snapshot dimensions do not match",
		})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, diffImage(previous, current)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "diff encoding failed")
	}
	return ctx.Blob(http.StatusOK, "image/png", buf.Bytes())
}

// baselineSnapshot finds the nearest earlier snapshot-bearing event for
// the same camera.
func (c *Controller) baselineSnapshot(ev *events.Event) (string, error) {
	filter := datastore.Filter{
		Camera:   ev.Meta.Camera(),
		Snapshot: "with",
		To:       ev.Ts,
		Limit:    maxListLimit,
	}
	candidates, _, err := c.DS.Search(filter)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusInternalServerError, "baseline query failed")
	}
	for i := range candidates {
		if candidates[i].ID < ev.ID && candidates[i].Meta.Snapshot() != "" {
			return candidates[i].Meta.Snapshot(), nil
		}
	}
	return "", echo.NewHTTPError(http.StatusNotFound, "no baseline snapshot available")
}

// errResponseWritten marks an error whose response body was already sent.
var errResponseWritten = fmt.Errorf("response already written")

func (c *Controller) loadSnapshotPNG(ctx echo.Context, path string) (image.Image, error) {
	if path == "" {
		return nil, echo.NewHTTPError(http.StatusNotFound, "event has no snapshot")
	}
	resolved, authorized := c.pathAuthorized(path)
	if !authorized {
		if err := ctx.JSON(http.StatusForbidden, map[string]string{
			"error": "snapshot path is not authorized",
		}); err != nil {
			return nil, err
		}
		return nil, errResponseWritten
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "snapshot file missing")
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "snapshot decode failed")
	}
	return img, nil
}

// diffImage renders per-pixel absolute luma difference as grayscale.
func diffImage(a, b image.Image) *image.Gray {
	bounds := a.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			la := lumaAt(a, x, y)
			lb := lumaAt(b, x, y)
			d := la - lb
			if d < 0 {
				d = -d
			}
			out.Pix[out.PixOffset(x, y)] = uint8(d)
		}
	}
	return out
}

func lumaAt(img image.Image, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	return int((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
}
