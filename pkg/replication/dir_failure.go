// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"github.com/loghive-data/loghive/pkg/logger"
)

// LogDirFailureHandler drains the log manager's offline-directory channel and
// transitions every partition hosted in a failed directory to Offline. With
// haltOnFailure the broker terminates instead.
type LogDirFailureHandler struct {
	rm            *ReplicaManager
	haltOnFailure bool
	logger        *logger.Logger
	doneCh        chan struct{}
}

func newLogDirFailureHandler(rm *ReplicaManager, haltOnFailure bool) *LogDirFailureHandler {
	return &LogDirFailureHandler{
		rm:            rm,
		haltOnFailure: haltOnFailure,
		logger:        logger.Default().WithComponent("log-dir-failure-handler"),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the drain loop. It exits when the replica manager shuts
// down; the log manager never closes the offline channel.
func (h *LogDirFailureHandler) Start() {
	go h.run()
}

func (h *LogDirFailureHandler) run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.rm.stopCh:
			return
		case dir, ok := <-h.rm.logManager.OfflineDirs():
			if !ok {
				return
			}
			if h.haltOnFailure {
				h.logger.Fatal("halting broker on log directory failure", "dir", dir)
			}
			h.rm.handleLogDirFailure(dir)
		}
	}
}
