package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katiba-labs/katiba/pkg/errors"
)

func TestHealthDegradesOnFailingCheck(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres":   func(context.Context) error { return nil },
		"dispatcher": func(context.Context) error { return errors.New("circuit open") },
	}

	rec := httptest.NewRecorder()
	healthHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"])
	assert.Equal(t, "circuit open", resp.Checks["dispatcher"])
}

func TestHealthOKWithoutChecks(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
