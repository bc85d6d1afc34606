package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tphakala/guardian/internal/errors"
)

// Snapshotter persists triggering frames under the per-camera layout
// <root>/<camera>/<yyyy>/<mm>/<dd>/<hhmmss>-<hash>.png.
type Snapshotter struct {
	root string
}

// NewSnapshotter writes snapshots under root. An empty root disables
// snapshot persistence.
func NewSnapshotter(root string) *Snapshotter {
	return &Snapshotter{root: root}
}

// Write stores one frame and returns its absolute path and content hash.
// A disabled snapshotter returns empty values and no error.
func (s *Snapshotter) Write(camera string, frame []byte, ts time.Time) (path, hash string, err error) {
	if s == nil || s.root == "" {
		return "", "", nil
	}
	sum := sha256.Sum256(frame)
	hash = hex.EncodeToString(sum[:4])

	dir := filepath.Join(s.root, camera,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.New(err).
			Component("detect").
			Category(errors.CategoryFileIO).
			Context("camera", camera).
			Build()
	}

	name := fmt.Sprintf("%02d%02d%02d-%s.png", ts.Hour(), ts.Minute(), ts.Second(), hash)
	path = filepath.Join(dir, name)
	if err := renameio.WriteFile(path, frame, 0o644); err != nil {
		return "", "", errors.New(err).
			Component("detect").
			Category(errors.CategoryFileIO).
			Context("camera", camera).
			Context("path", path).
			Build()
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return path, hash, nil
}
