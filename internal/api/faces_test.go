package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(c *Controller, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c.Echo.ServeHTTP(rec, req)
	return rec
}

func TestFacesEnrollListDelete(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &fakeEventStore{}, nil)

	rec := postJSON(c, "/api/faces/enroll", `{"name":"Alex","channel":"video:front"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var face Face
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &face))
	require.NotEmpty(t, face.ID)

	rec = perform(c, http.MethodGet, "/api/faces?q=alex")
	require.Equal(t, http.StatusOK, rec.Code)
	var listing map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.EqualValues(t, 1, listing["count"])
	assert.EqualValues(t, defaultFaceThreshold, listing["threshold"], "gateway attaches the default threshold")

	rec = perform(c, http.MethodDelete, "/api/faces/"+face.ID)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = perform(c, http.MethodDelete, "/api/faces/"+face.ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFacesEnrollRequiresName(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &fakeEventStore{}, nil)

	rec := postJSON(c, "/api/faces/enroll", `{"channel":"video:front"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFacesIdentify(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &fakeEventStore{}, nil)

	postJSON(c, "/api/faces/enroll", `{"name":"Alex","channel":"video:front"}`)
	postJSON(c, "/api/faces/enroll", `{"name":"Sam","channel":"video:back"}`)

	rec := postJSON(c, "/api/faces/identify", `{"channel":"video:front","query":"al"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result IdentifyResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Matches, 1)
	assert.Equal(t, "Alex", result.Matches[0].Name)
	assert.Equal(t, defaultFaceThreshold, result.Threshold)
}

func TestFacesThresholdValidation(t *testing.T) {
	t.Parallel()
	c := newTestController(t, &fakeEventStore{}, nil)

	rec := perform(c, http.MethodGet, "/api/faces?threshold=1.5")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
