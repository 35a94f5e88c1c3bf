package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerServesReport(t *testing.T) {
	c := NewChecker("storage", "s1", t.TempDir())

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "ok", report.Status)
	assert.Equal(t, "storage", report.Service)
	assert.Equal(t, "s1", report.ID)
	assert.False(t, report.Started.IsZero())
}

func TestCheckerDefaultsToRoot(t *testing.T) {
	c := NewChecker("admin", "", "")
	assert.Equal(t, "/", c.dataDir)
}
