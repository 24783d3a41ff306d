// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"fmt"
	"sync"

	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
	"github.com/loghive-data/loghive/pkg/metrics"
	storagelog "github.com/loghive-data/loghive/pkg/storage/log"
)

const unknownOffset int64 = -1

// ReplicaState is the leader's view of one remote follower. It is updated
// only on the leader, from that follower's fetch requests.
type ReplicaState struct {
	BrokerID              int32
	LogStartOffset        int64
	LogEndOffset          int64
	LastFetchTimeMs       int64
	LastCaughtUpTimeMs    int64
	LastSentHighWatermark int64

	// leader log end observed at the previous fetch, used to decide when the
	// follower has caught up to an end offset that was current at fetch time
	lastFetchLeaderLogEndOffset int64
}

// Partition holds the replication state of one topic-partition: role, epoch,
// assignment, ISR, the local log handle and the per-follower fetch states.
// Mutations of ISR, high watermark and follower state happen under the
// partition write lock; HW recomputation happens in the same critical section
// as the ISR change that motivated it.
type Partition struct {
	tp            protocol.TopicPartition
	localBrokerID int32
	minISR        int
	lagMaxMs      int64
	clock         Clock
	logManager    *storagelog.Manager
	isrListener   func(change protocol.IsrChange)
	logger        *logger.Logger

	mu              sync.RWMutex
	controllerEpoch int32
	leaderEpoch     int32
	leaderID        int32
	assignedReplicas []int32
	isr             []int32
	log             *storagelog.Log
	futureLog       *storagelog.Log
	remoteReplicas  map[int32]*ReplicaState
	leaderEpochStartOffset int64
}

// PartitionConfig carries the immutable wiring of a partition
type PartitionConfig struct {
	TopicPartition      protocol.TopicPartition
	LocalBrokerID       int32
	MinInSyncReplicas   int
	ReplicaLagTimeMaxMs int64
	Clock               Clock
	LogManager          *storagelog.Manager
	IsrListener         func(change protocol.IsrChange)
}

// NewPartition creates an empty partition entry. Role state arrives with the
// first MakeLeader or MakeFollower call.
func NewPartition(cfg PartitionConfig) *Partition {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Partition{
		tp:             cfg.TopicPartition,
		localBrokerID:  cfg.LocalBrokerID,
		minISR:         cfg.MinInSyncReplicas,
		lagMaxMs:       cfg.ReplicaLagTimeMaxMs,
		clock:          clock,
		logManager:     cfg.LogManager,
		isrListener:    cfg.IsrListener,
		logger: logger.Default().WithComponent("partition").
			WithPartition(cfg.TopicPartition.Topic, cfg.TopicPartition.Partition),
		leaderEpoch: -1,
		leaderID:    -1,
		remoteReplicas: make(map[int32]*ReplicaState),
	}
}

// TopicPartition returns the partition identity
func (p *Partition) TopicPartition() protocol.TopicPartition { return p.tp }

// IsLeader reports whether the local broker currently leads this partition
func (p *Partition) IsLeader() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isLeaderLocked()
}

func (p *Partition) isLeaderLocked() bool {
	return p.leaderID == p.localBrokerID && p.log != nil
}

// LeaderID returns the broker currently leading the partition, -1 if unknown
func (p *Partition) LeaderID() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderID
}

// LeaderEpoch returns the current leader epoch
func (p *Partition) LeaderEpoch() int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderEpoch
}

// Isr returns a copy of the in-sync replica set
func (p *Partition) Isr() []int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int32, len(p.isr))
	copy(out, p.isr)
	return out
}

// AssignedReplicas returns a copy of the assignment
func (p *Partition) AssignedReplicas() []int32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]int32, len(p.assignedReplicas))
	copy(out, p.assignedReplicas)
	return out
}

// Log returns the local log handle, nil when not created
func (p *Partition) Log() *storagelog.Log {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.log
}

// FutureLog returns the future replica log, if a move is in progress
func (p *Partition) FutureLog() *storagelog.Log {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.futureLog
}

// SetFutureLog attaches a future replica log created by the log manager
func (p *Partition) SetFutureLog(l *storagelog.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.futureLog = l
}

// HighWatermark returns the committed offset bound, 0 when no log exists
func (p *Partition) HighWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.log == nil {
		return 0
	}
	return p.log.HighWatermark()
}

// LogEndOffset returns the local log end, 0 when no log exists
func (p *Partition) LogEndOffset() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.log == nil {
		return 0
	}
	return p.log.LogEndOffset()
}

// ReplicaStateOf returns a copy of the tracked state for a remote replica
func (p *Partition) ReplicaStateOf(brokerID int32) (ReplicaState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rs, ok := p.remoteReplicas[brokerID]
	if !ok {
		return ReplicaState{}, false
	}
	return *rs, true
}

// MakeLeader applies a become-leader directive. Returns true when the call
// transitioned the local broker from non-leader to leader.
func (p *Partition) MakeLeader(directive protocol.LeaderAndIsrPartition, checkpointHW int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasLeader := p.isLeaderLocked()

	p.controllerEpoch = directive.ControllerEpoch
	p.leaderEpoch = directive.LeaderEpoch
	p.leaderID = p.localBrokerID
	p.assignedReplicas = append([]int32(nil), directive.Replicas...)
	p.isr = append([]int32(nil), directive.Isr...)

	if err := p.createLogIfNeeded(checkpointHW); err != nil {
		return false, err
	}

	now := p.clock.Now().UnixMilli()
	leo := p.log.LogEndOffset()
	p.leaderEpochStartOffset = leo
	p.log.AssignEpochStart(p.leaderEpoch, leo)

	p.remoteReplicas = make(map[int32]*ReplicaState, len(directive.Replicas))
	for _, id := range directive.Replicas {
		if id == p.localBrokerID {
			continue
		}
		p.remoteReplicas[id] = &ReplicaState{
			BrokerID:                    id,
			LogStartOffset:              unknownOffset,
			LogEndOffset:                unknownOffset,
			LastCaughtUpTimeMs:          now,
			lastFetchLeaderLogEndOffset: leo,
		}
	}

	return !wasLeader, nil
}

// MakeFollower applies a become-follower directive. Returns true when the
// leader changed. Log truncation happens through the fetcher's epoch
// reconciliation, not here.
func (p *Partition) MakeFollower(directive protocol.LeaderAndIsrPartition, checkpointHW int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	oldLeader := p.leaderID

	p.controllerEpoch = directive.ControllerEpoch
	p.leaderEpoch = directive.LeaderEpoch
	p.leaderID = directive.Leader
	p.assignedReplicas = append([]int32(nil), directive.Replicas...)
	// followers do not track the ISR; the leader owns it
	p.isr = nil
	p.remoteReplicas = make(map[int32]*ReplicaState)

	if err := p.createLogIfNeeded(checkpointHW); err != nil {
		return false, err
	}

	return oldLeader != directive.Leader, nil
}

// createLogIfNeeded opens the local log and seeds its high watermark from
// the checkpoint. Caller holds the write lock.
func (p *Partition) createLogIfNeeded(checkpointHW int64) error {
	if p.log != nil {
		return nil
	}
	l, err := p.logManager.GetOrCreateLog(p.tp)
	if err != nil {
		return protocol.NewError(protocol.KafkaStorageError,
			"cannot create log for %s: %v", p.tp, err)
	}
	p.log = l
	if checkpointHW > l.HighWatermark() {
		l.SetHighWatermark(checkpointHW)
	}
	return nil
}

// AttachLog force-sets the local log handle (used on recovery paths)
func (p *Partition) AttachLog(l *storagelog.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = l
}

// DetachLog drops the local log handle, e.g. when its directory failed
func (p *Partition) DetachLog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = nil
	p.futureLog = nil
}

// AppendRecordsToLeader validates leadership and the min-ISR constraint, then
// appends to the local log. The high watermark does not move here; HW
// advancement is driven by follower fetch state.
func (p *Partition) AppendRecordsToLeader(batches []storagelog.Batch, requiredAcks int16) (storagelog.AppendInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isLeaderLocked() {
		return storagelog.AppendInfo{}, protocol.NewError(protocol.NotLeaderForPartition,
			"broker %d is not the leader for %s", p.localBrokerID, p.tp)
	}
	if requiredAcks == -1 && len(p.isr) < p.minISR {
		return storagelog.AppendInfo{}, protocol.NewError(protocol.NotEnoughReplicas,
			"ISR of %s has %d members, below min.insync.replicas %d",
			p.tp, len(p.isr), p.minISR)
	}

	info, err := p.log.Append(p.leaderEpoch, batches)
	if err != nil {
		return storagelog.AppendInfo{}, err
	}
	return info, nil
}

// ReadInfo is the result of a partition read plus the offset snapshot taken
// with it
type ReadInfo struct {
	Data             storagelog.FetchDataInfo
	HighWatermark    int64
	LogStartOffset   int64
	LogEndOffset     int64
	LastStableOffset int64
}

// Read reads a slice of the local log with epoch fencing, leadership and
// isolation bounds applied
func (p *Partition) Read(fetchOffset int64, currentLeaderEpoch int32, maxBytes int32,
	isolation protocol.FetchIsolation, fetchOnlyFromLeader bool, minOneMessage bool) (ReadInfo, error) {

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.validateEpochAndLeadershipLocked(currentLeaderEpoch, fetchOnlyFromLeader); err != nil {
		return ReadInfo{}, err
	}

	upperBound := p.upperBoundLocked(isolation)
	data, err := p.log.Read(fetchOffset, maxBytes, upperBound, minOneMessage)
	if err != nil {
		return ReadInfo{}, err
	}

	return ReadInfo{
		Data:             data,
		HighWatermark:    p.log.HighWatermark(),
		LogStartOffset:   p.log.LogStartOffset(),
		LogEndOffset:     p.log.LogEndOffset(),
		LastStableOffset: p.log.LastStableOffset(),
	}, nil
}

func (p *Partition) upperBoundLocked(isolation protocol.FetchIsolation) int64 {
	switch isolation {
	case protocol.FetchLogEnd:
		return p.log.LogEndOffset()
	case protocol.FetchTxnCommitted:
		return p.log.LastStableOffset()
	default:
		return p.log.HighWatermark()
	}
}

// validateEpochAndLeadershipLocked applies the fencing rules: a request epoch
// newer than ours is fenced, an older one is unknown
func (p *Partition) validateEpochAndLeadershipLocked(currentLeaderEpoch int32, fetchOnlyFromLeader bool) error {
	if p.log == nil {
		return protocol.NewError(protocol.ReplicaNotAvailable,
			"replica of %s is not available on broker %d", p.tp, p.localBrokerID)
	}
	if currentLeaderEpoch >= 0 {
		if currentLeaderEpoch > p.leaderEpoch {
			return protocol.NewError(protocol.FencedLeaderEpoch,
				"request epoch %d is newer than the current epoch %d of %s",
				currentLeaderEpoch, p.leaderEpoch, p.tp)
		}
		if currentLeaderEpoch < p.leaderEpoch {
			return protocol.NewError(protocol.UnknownLeaderEpoch,
				"request epoch %d is older than the current epoch %d of %s",
				currentLeaderEpoch, p.leaderEpoch, p.tp)
		}
	}
	if fetchOnlyFromLeader && p.leaderID != p.localBrokerID {
		return protocol.NewError(protocol.NotLeaderForPartition,
			"broker %d is not the leader for %s", p.localBrokerID, p.tp)
	}
	return nil
}

// OffsetSnapshot captures the partition offsets at one instant
type OffsetSnapshot struct {
	LogStartOffset   int64
	LogEndOffset     int64
	HighWatermark    int64
	LastStableOffset int64
}

// FetchOffsetSnapshot validates the request epoch and returns the offsets
// used by delayed fetch completion checks
func (p *Partition) FetchOffsetSnapshot(currentLeaderEpoch int32, fetchOnlyFromLeader bool) (OffsetSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.validateEpochAndLeadershipLocked(currentLeaderEpoch, fetchOnlyFromLeader); err != nil {
		return OffsetSnapshot{}, err
	}
	return OffsetSnapshot{
		LogStartOffset:   p.log.LogStartOffset(),
		LogEndOffset:     p.log.LogEndOffset(),
		HighWatermark:    p.log.HighWatermark(),
		LastStableOffset: p.log.LastStableOffset(),
	}, nil
}

// UpdateFollowerFetchState records a follower fetch on the leader: it
// advances the follower's replica state, may expand the ISR and may advance
// the high watermark, all in one critical section so a briefly-expanded ISR
// can never lower the HW. Returns (hwIncremented, recognised).
func (p *Partition) UpdateFollowerFetchState(followerID int32, fetchOffset int64,
	followerStartOffset int64, fetchTimeMs int64) (bool, bool) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isLeaderLocked() {
		return false, false
	}
	if followerID == p.localBrokerID {
		// a self-fetch only re-evaluates the HW
		return p.maybeIncrementLeaderHWLocked(), true
	}

	rs, ok := p.remoteReplicas[followerID]
	if !ok {
		return false, false
	}

	leaderEndOffset := p.log.LogEndOffset()
	if fetchOffset >= leaderEndOffset {
		rs.LastCaughtUpTimeMs = maxInt64(rs.LastCaughtUpTimeMs, fetchTimeMs)
	} else if fetchOffset >= rs.lastFetchLeaderLogEndOffset {
		rs.LastCaughtUpTimeMs = maxInt64(rs.LastCaughtUpTimeMs, rs.LastFetchTimeMs)
	}

	rs.LogStartOffset = followerStartOffset
	rs.LogEndOffset = fetchOffset
	rs.LastFetchTimeMs = fetchTimeMs
	rs.lastFetchLeaderLogEndOffset = leaderEndOffset

	p.maybeExpandIsrLocked(rs)
	hwIncremented := p.maybeIncrementLeaderHWLocked()

	return hwIncremented, true
}

// maybeExpandIsrLocked re-admits a caught-up follower into the ISR. The
// follower must have reached the high watermark and fetched within the lag
// window. Caller holds the write lock.
func (p *Partition) maybeExpandIsrLocked(rs *ReplicaState) {
	if p.inIsrLocked(rs.BrokerID) {
		return
	}
	hw := p.log.HighWatermark()
	now := p.clock.Now().UnixMilli()
	if rs.LogEndOffset >= hw && rs.LastCaughtUpTimeMs >= now-p.lagMaxMs {
		p.isr = append(p.isr, rs.BrokerID)
		p.logger.Info("expanding ISR", "new_isr", p.isr, "follower", rs.BrokerID)
		metrics.IsrExpandsTotal.Inc()
		p.notifyIsrChangeLocked()
	}
}

// MaybeShrinkIsr evicts followers that have fallen behind: no caught-up
// progress within maxLagMs, or a stale fetch while trailing the leader's log
// end. Shrinking may advance the HW. Returns true when the HW advanced.
func (p *Partition) MaybeShrinkIsr() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isLeaderLocked() {
		return false
	}

	now := p.clock.Now().UnixMilli()
	leaderEnd := p.log.LogEndOffset()

	var out []int32
	var removed []int32
	for _, id := range p.isr {
		if id == p.localBrokerID {
			out = append(out, id)
			continue
		}
		rs, ok := p.remoteReplicas[id]
		if !ok {
			removed = append(removed, id)
			continue
		}
		lagging := rs.LastCaughtUpTimeMs < now-p.lagMaxMs ||
			(rs.LogEndOffset < leaderEnd && rs.LastFetchTimeMs < now-p.lagMaxMs)
		if lagging {
			removed = append(removed, id)
		} else {
			out = append(out, id)
		}
	}

	if len(removed) == 0 {
		return false
	}

	p.isr = out
	p.logger.Info("shrinking ISR", "removed", removed, "new_isr", p.isr)
	metrics.IsrShrinksTotal.Inc()
	p.notifyIsrChangeLocked()
	return p.maybeIncrementLeaderHWLocked()
}

// maybeIncrementLeaderHWLocked advances the HW to the minimum log end offset
// across the ISR. The HW never moves backwards within an epoch; an ISR member
// with an unknown log end blocks advancement. Caller holds the write lock.
func (p *Partition) maybeIncrementLeaderHWLocked() bool {
	newHW := p.log.LogEndOffset()
	for _, id := range p.isr {
		if id == p.localBrokerID {
			continue
		}
		rs, ok := p.remoteReplicas[id]
		if !ok || rs.LogEndOffset < 0 {
			return false
		}
		if rs.LogEndOffset < newHW {
			newHW = rs.LogEndOffset
		}
	}

	if newHW > p.log.HighWatermark() {
		p.log.SetHighWatermark(newHW)
		return true
	}
	return false
}

func (p *Partition) inIsrLocked(brokerID int32) bool {
	for _, id := range p.isr {
		if id == brokerID {
			return true
		}
	}
	return false
}

func (p *Partition) notifyIsrChangeLocked() {
	if p.isrListener == nil {
		return
	}
	p.isrListener(protocol.IsrChange{
		TopicPartition: p.tp,
		LeaderEpoch:    p.leaderEpoch,
		Isr:            append([]int32(nil), p.isr...),
	})
}

// CheckEnoughReplicasReachOffset reports whether the given offset is
// committed. Used by delayed produce completion.
func (p *Partition) CheckEnoughReplicasReachOffset(requiredOffset int64) (bool, protocol.ErrorCode) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isLeaderLocked() {
		return false, protocol.NotLeaderForPartition
	}
	if p.log.HighWatermark() >= requiredOffset {
		if len(p.isr) < p.minISR {
			return true, protocol.NotEnoughReplicasAfterAppend
		}
		return true, protocol.None
	}
	return false, protocol.None
}

// DeleteRecordsOnLeader advances the log start offset to the requested
// offset, bounded by the high watermark, and returns the partition low
// watermark (the minimum log start offset across known replicas).
func (p *Partition) DeleteRecordsOnLeader(offset int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isLeaderLocked() {
		return 0, protocol.NewError(protocol.NotLeaderForPartition,
			"broker %d is not the leader for %s", p.localBrokerID, p.tp)
	}

	target := offset
	if hw := p.log.HighWatermark(); target > hw {
		target = hw
	}
	if _, err := p.log.DeleteRecordsBefore(target); err != nil {
		return 0, err
	}
	return p.lowWatermarkLocked(), nil
}

// LowWatermark returns the minimum log start offset across replicas with a
// known state
func (p *Partition) LowWatermark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.log == nil {
		return 0
	}
	return p.lowWatermarkLocked()
}

func (p *Partition) lowWatermarkLocked() int64 {
	low := p.log.LogStartOffset()
	for _, rs := range p.remoteReplicas {
		if rs.LogStartOffset >= 0 && rs.LogStartOffset < low {
			low = rs.LogStartOffset
		}
	}
	return low
}

// LastOffsetForLeaderEpoch resolves the epoch end offset query on the leader
func (p *Partition) LastOffsetForLeaderEpoch(currentLeaderEpoch int32, requestedEpoch int32,
	fetchOnlyFromLeader bool) protocol.EpochEndOffset {

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.validateEpochAndLeadershipLocked(currentLeaderEpoch, fetchOnlyFromLeader); err != nil {
		return protocol.EpochEndOffset{Error: protocol.CodeFor(err), LeaderEpoch: -1, EndOffset: -1}
	}
	result, ok := p.log.EndOffsetForEpoch(requestedEpoch)
	if !ok {
		return protocol.EpochEndOffset{LeaderEpoch: -1, EndOffset: -1}
	}
	return result
}

// RecordFollowerHighWatermarkSent remembers the HW last shipped to a
// follower, so a lagging follower HW forces an immediate fetch response
func (p *Partition) RecordFollowerHighWatermarkSent(followerID int32, hw int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs, ok := p.remoteReplicas[followerID]; ok {
		rs.LastSentHighWatermark = hw
	}
}

// FollowerNeedsHighWatermarkUpdate reports whether the HW last sent to the
// follower trails the leader's current HW
func (p *Partition) FollowerNeedsHighWatermarkUpdate(followerID int32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.log == nil {
		return false
	}
	rs, ok := p.remoteReplicas[followerID]
	if !ok {
		return false
	}
	return rs.LastSentHighWatermark < p.log.HighWatermark()
}

// Info is a serialisable snapshot of the partition state
type Info struct {
	Topic            string  `json:"topic"`
	Partition        int32   `json:"partition"`
	Leader           int32   `json:"leader"`
	LeaderEpoch      int32   `json:"leader_epoch"`
	IsLeader         bool    `json:"is_leader"`
	Replicas         []int32 `json:"replicas"`
	Isr              []int32 `json:"isr"`
	LogStartOffset   int64   `json:"log_start_offset"`
	LogEndOffset     int64   `json:"log_end_offset"`
	HighWatermark    int64   `json:"high_watermark"`
	UnderReplicated  bool    `json:"under_replicated"`
}

// Snapshot captures the partition state for the console and health surfaces
func (p *Partition) Snapshot() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := Info{
		Topic:       p.tp.Topic,
		Partition:   p.tp.Partition,
		Leader:      p.leaderID,
		LeaderEpoch: p.leaderEpoch,
		IsLeader:    p.leaderID == p.localBrokerID,
		Replicas:    append([]int32(nil), p.assignedReplicas...),
		Isr:         append([]int32(nil), p.isr...),
	}
	if p.log != nil {
		info.LogStartOffset = p.log.LogStartOffset()
		info.LogEndOffset = p.log.LogEndOffset()
		info.HighWatermark = p.log.HighWatermark()
	}
	info.UnderReplicated = info.IsLeader && len(p.isr) < len(p.assignedReplicas)
	return info
}

func (p *Partition) String() string {
	return fmt.Sprintf("Partition(%s)", p.tp)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
