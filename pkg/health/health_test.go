// Copyright 2025 Loghive Data, Inc.

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReplicas struct {
	online       int
	offline      int
	shuttingDown bool
}

func (f *fakeReplicas) Counts() (int, int)  { return f.online, f.offline }
func (f *fakeReplicas) IsShuttingDown() bool { return f.shuttingDown }

type fakeDirs struct {
	live []string
	all  []string
}

func (f *fakeDirs) LiveDirs() []string { return f.live }
func (f *fakeDirs) DataDirs() []string { return f.all }

func TestCheckerHealthy(t *testing.T) {
	c := NewChecker("1.0.0", &fakeReplicas{online: 3},
		&fakeDirs{live: []string{"/a"}, all: []string{"/a"}})

	status := c.Check()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Equal(t, "ok", status.Checks["log_dirs"])
	assert.True(t, c.Ready())
}

func TestCheckerDegradedOnOfflineDir(t *testing.T) {
	c := NewChecker("1.0.0", &fakeReplicas{online: 2, offline: 1},
		&fakeDirs{live: []string{"/a"}, all: []string{"/a", "/b"}})

	status := c.Check()
	assert.Equal(t, "degraded", status.Status)
	assert.Contains(t, status.Checks["log_dirs"], "1 of 2")
	assert.Contains(t, status.Checks["partitions"], "1 offline")
	assert.True(t, c.Ready())
}

func TestCheckerUnhealthy(t *testing.T) {
	c := NewChecker("1.0.0", &fakeReplicas{shuttingDown: true},
		&fakeDirs{live: nil, all: []string{"/a"}})

	status := c.Check()
	assert.Equal(t, "unhealthy", status.Status)
	assert.False(t, c.Ready())
}

func TestHealthHandlers(t *testing.T) {
	checker := NewChecker("1.0.0", &fakeReplicas{},
		&fakeDirs{live: []string{"/a"}, all: []string{"/a"}})
	s := NewServer("127.0.0.1:0", checker)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)

	rec = httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handleLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
