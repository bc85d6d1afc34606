package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// defaultFaceThreshold is attached by the gateway when a request carries
// no threshold of its own.
const defaultFaceThreshold = 0.6

// Face is one enrolled identity.
type Face struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Channel    string  `json:"channel,omitempty"`
	Snapshot   string  `json:"snapshot,omitempty"`
	Score      float64 `json:"score,omitempty"`
	EnrolledAt int64   `json:"enrolledAt"`
}

// IdentifyRequest asks the registry for identities matching a query.
type IdentifyRequest struct {
	Channel   string   `json:"channel"`
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold"`
}

// IdentifyResult is the registry's answer.
type IdentifyResult struct {
	Matches   []Face  `json:"matches"`
	Threshold float64 `json:"threshold"`
}

// EnrollRequest adds one identity.
type EnrollRequest struct {
	Name     string `json:"name"`
	Channel  string `json:"channel"`
	Snapshot string `json:"snapshot"`
}

// FaceRegistry is the face recognition collaborator. The gateway only
// routes requests and attaches threshold defaults.
type FaceRegistry interface {
	List(channel, query string, threshold float64) ([]Face, error)
	Identify(req IdentifyRequest) (IdentifyResult, error)
	Enroll(req EnrollRequest) (Face, error)
	Delete(id string) error
}

// MemoryFaceRegistry is the in-process registry used when no external
// recognizer is wired in.
type MemoryFaceRegistry struct {
	mu    sync.Mutex
	faces map[string]Face
	now   func() time.Time
}

// NewMemoryFaceRegistry creates an empty registry.
func NewMemoryFaceRegistry() *MemoryFaceRegistry {
	return &MemoryFaceRegistry{faces: make(map[string]Face), now: time.Now}
}

// List returns enrolled faces filtered by channel and name substring,
// newest first.
func (r *MemoryFaceRegistry) List(channel, query string, threshold float64) ([]Face, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Face, 0, len(r.faces))
	needle := strings.ToLower(query)
	for _, face := range r.faces {
		if channel != "" && !strings.EqualFold(channel, face.Channel) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(face.Name), needle) {
			continue
		}
		if face.Score != 0 && face.Score < threshold {
			continue
		}
		out = append(out, face)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrolledAt > out[j].EnrolledAt })
	return out, nil
}

// Identify matches by name substring against enrolled identities.
func (r *MemoryFaceRegistry) Identify(req IdentifyRequest) (IdentifyResult, error) {
	threshold := defaultFaceThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	matches, err := r.List(req.Channel, req.Query, threshold)
	if err != nil {
		return IdentifyResult{}, err
	}
	return IdentifyResult{Matches: matches, Threshold: threshold}, nil
}

// Enroll stores one identity and assigns its id.
func (r *MemoryFaceRegistry) Enroll(req EnrollRequest) (Face, error) {
	face := Face{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Channel:    req.Channel,
		Snapshot:   req.Snapshot,
		EnrolledAt: r.now().UnixMilli(),
	}
	r.mu.Lock()
	r.faces[face.ID] = face
	r.mu.Unlock()
	return face, nil
}

// Delete removes one identity; unknown ids are reported.
func (r *MemoryFaceRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.faces[id]; !exists {
		return echo.NewHTTPError(http.StatusNotFound, "face not found")
	}
	delete(r.faces, id)
	return nil
}

// handleListFaces is GET /api/faces.
func (c *Controller) handleListFaces(ctx echo.Context) error {
	threshold := defaultFaceThreshold
	if raw := ctx.QueryParam("threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "threshold must be in [0,1]")
		}
		threshold = parsed
	}
	query := ctx.QueryParam("q")
	faces, err := c.Faces.List(ctx.QueryParam("channel"), query, threshold)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "face registry failed")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"faces":     faces,
		"count":     len(faces),
		"query":     query,
		"threshold": threshold,
	})
}

// handleIdentifyFace is POST /api/faces/identify.
func (c *Controller) handleIdentifyFace(ctx echo.Context) error {
	var req IdentifyRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid identify request")
	}
	result, err := c.Faces.Identify(req)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

// handleEnrollFace is POST /api/faces/enroll.
func (c *Controller) handleEnrollFace(ctx echo.Context) error {
	var req EnrollRequest
	if err := ctx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid enroll request")
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	face, err := c.Faces.Enroll(req)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, face)
}

// handleDeleteFace is DELETE /api/faces/:id.
func (c *Controller) handleDeleteFace(ctx echo.Context) error {
	if err := c.Faces.Delete(ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}
