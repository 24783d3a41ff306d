// Copyright 2025 Loghive Data, Inc.

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loghive-data/loghive/pkg/logger"
)

// ReplicaCounter is the slice of the replica manager health reads
type ReplicaCounter interface {
	Counts() (online int, offline int)
	IsShuttingDown() bool
}

// DirLister is the slice of the log manager health reads
type DirLister interface {
	LiveDirs() []string
	DataDirs() []string
}

// Status is one health report
type Status struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Checker evaluates broker health from the replica manager and log manager
type Checker struct {
	version  string
	replicas ReplicaCounter
	dirs     DirLister
}

// NewChecker creates a health checker
func NewChecker(version string, replicas ReplicaCounter, dirs DirLister) *Checker {
	return &Checker{version: version, replicas: replicas, dirs: dirs}
}

// Check runs every probe and aggregates the result
func (c *Checker) Check() Status {
	checks := make(map[string]string)
	status := "healthy"

	if c.replicas.IsShuttingDown() {
		checks["broker"] = "shutting down"
		status = "unhealthy"
	} else {
		checks["broker"] = "ok"
	}

	live := len(c.dirs.LiveDirs())
	all := len(c.dirs.DataDirs())
	switch {
	case live == 0:
		checks["log_dirs"] = "no live log directories"
		status = "unhealthy"
	case live < all:
		checks["log_dirs"] = fmt.Sprintf("%d of %d directories online", live, all)
		if status == "healthy" {
			status = "degraded"
		}
	default:
		checks["log_dirs"] = "ok"
	}

	_, offline := c.replicas.Counts()
	if offline > 0 {
		checks["partitions"] = fmt.Sprintf("%d offline partitions", offline)
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		checks["partitions"] = "ok"
	}

	return Status{
		Status:    status,
		Version:   c.version,
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// Ready reports whether the broker can serve requests
func (c *Checker) Ready() bool {
	return !c.replicas.IsShuttingDown() && len(c.dirs.LiveDirs()) > 0
}

// Server exposes the checker over HTTP
type Server struct {
	addr    string
	checker *Checker
	server  *http.Server
	logger  *logger.Logger
}

// NewServer creates a health HTTP server
func NewServer(addr string, checker *Checker) *Server {
	return &Server{
		addr:    addr,
		checker: checker,
		logger:  logger.Default().WithComponent("health"),
	}
}

// Start serves the health endpoints in the background
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/health/live", s.handleLive)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("health server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.Check()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker.Ready() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ready")
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, "not ready")
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "alive")
}
