// Copyright 2025 Loghive Data, Inc.

package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
	"github.com/loghive-data/loghive/pkg/replication"
	"github.com/loghive-data/loghive/pkg/throttle"
)

// ReplicaView is the slice of the replica manager the console reads
type ReplicaView interface {
	PartitionInfos() []replication.Info
	DescribeLogDirs() []protocol.DescribeLogDirsResult
	Counts() (online int, offline int)
	ControllerEpoch() int32
}

// Server is the admin HTTP API: partition and log directory state plus a
// websocket stream of replication events
type Server struct {
	router    *chi.Mux
	logger    *logger.Logger
	replicas  ReplicaView
	throttler *throttle.Throttler
	addr      string
	wsHub     *WebSocketHub
	server    *http.Server
}

// NewServer creates the console server
func NewServer(addr string, replicas ReplicaView, throttler *throttle.Throttler) *Server {
	wsHub := NewWebSocketHub()

	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Default().WithComponent("console-api"),
		replicas:  replicas,
		throttler: throttler,
		addr:      addr,
		wsHub:     wsHub,
	}

	go wsHub.Run()

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Hub returns the websocket hub so replication events can be broadcast
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/partitions", s.handlePartitions)
	s.router.Get("/api/partitions/{topic}/{partition}", s.handlePartition)
	s.router.Get("/api/logdirs", s.handleLogDirs)
	s.router.Get("/api/throttle", s.handleThrottle)
	s.router.Get("/api/ws", s.handleWebSocket)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	online, offline := s.replicas.Counts()
	status := "healthy"
	if offline > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"online_partitions":  online,
		"offline_partitions": offline,
		"controller_epoch":   s.replicas.ControllerEpoch(),
	})
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	infos := s.replicas.PartitionInfos()
	if infos == nil {
		infos = []replication.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handlePartition(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	partition, err := strconv.ParseInt(chi.URLParam(r, "partition"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid partition index")
		return
	}

	for _, info := range s.replicas.PartitionInfos() {
		if info.Topic == topic && info.Partition == int32(partition) {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("partition %s-%d not hosted", topic, partition))
}

func (s *Server) handleLogDirs(w http.ResponseWriter, r *http.Request) {
	dirs := s.replicas.DescribeLogDirs()

	type partitionJSON struct {
		Topic     string `json:"topic"`
		Partition int32  `json:"partition"`
		Size      int64  `json:"size"`
		OffsetLag int64  `json:"offset_lag"`
		IsFuture  bool   `json:"is_future"`
	}
	type dirJSON struct {
		Dir        string          `json:"dir"`
		Error      string          `json:"error,omitempty"`
		Partitions []partitionJSON `json:"partitions"`
	}

	out := make([]dirJSON, 0, len(dirs))
	for _, d := range dirs {
		dj := dirJSON{Dir: d.Dir, Partitions: []partitionJSON{}}
		if d.Error != protocol.None {
			dj.Error = d.Error.String()
		}
		for _, p := range d.Partitions {
			dj.Partitions = append(dj.Partitions, partitionJSON{
				Topic:     p.TopicPartition.Topic,
				Partition: p.TopicPartition.Partition,
				Size:      p.Size,
				OffsetLag: p.OffsetLag,
				IsFuture:  p.IsFuture,
			})
		}
		out = append(out, dj)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleThrottle(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.throttler.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.ServeWS(w, r)
}

// Start serves the console in the background
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Info("console server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("console server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the console down
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
