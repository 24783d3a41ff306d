// Copyright 2025 Loghive Data, Inc.

package replication

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/logger"
	"github.com/loghive-data/loghive/pkg/metadata"
	"github.com/loghive-data/loghive/pkg/metrics"
	storagelog "github.com/loghive-data/loghive/pkg/storage/log"
	"github.com/loghive-data/loghive/pkg/throttle"
)

// ClientMetadata describes the consumer issuing a fetch, used for preferred
// read replica selection
type ClientMetadata struct {
	ClientID     string
	ClientHost   string
	RackID       string
	ListenerName string
}

// FetchParams are the request-level fetch parameters
type FetchParams struct {
	MaxWait           time.Duration
	ReplicaID         int32
	MinBytes          int32
	MaxBytes          int32
	HardMaxBytesLimit bool
	Isolation         protocol.IsolationLevel
	ClientMetadata    *ClientMetadata
}

// FetchPartition is one partition of a fetch request, order-preserving
type FetchPartition struct {
	TopicPartition protocol.TopicPartition
	Spec           protocol.FetchPartitionSpec
}

// FetchPartitionData is the per-partition fetch response payload
type FetchPartitionData struct {
	Error                protocol.ErrorCode
	HighWatermark        int64
	LogStartOffset       int64
	LastStableOffset     int64
	LogEndOffset         int64
	PreferredReadReplica int32
	Batches              []storagelog.Batch
}

// FetchResult pairs a partition with its response payload
type FetchResult struct {
	TopicPartition protocol.TopicPartition
	Data           FetchPartitionData
}

// EpochRequest is one partition of a last-offset-for-leader-epoch query
type EpochRequest struct {
	CurrentLeaderEpoch int32
	LeaderEpoch        int32
}

// ReplicaManagerConfig wires the replica manager's collaborators
type ReplicaManagerConfig struct {
	BrokerID        int32
	Config          config.ReplicationConfig
	LogManager      *storagelog.Manager
	MetadataCache   *metadata.Cache
	Controller      ControllerChannel
	EndpointFactory LeaderEndpointFactory
	Clock           Clock
	Throttler       *throttle.Throttler
}

// ReplicaManager owns the partitions hosted on this broker: it applies
// controller directives, accepts produce and fetch requests, maintains ISR
// and high watermark state, and coordinates the delayed-operation
// purgatories, the follower fetchers and the background checkpoint tasks.
type ReplicaManager struct {
	brokerID      int32
	cfg           config.ReplicationConfig
	clock         Clock
	logger        *logger.Logger
	logManager    *storagelog.Manager
	metadataCache *metadata.Cache
	controller    ControllerChannel
	throttler     *throttle.Throttler
	selector      ReplicaSelector

	controllerEpoch atomic.Int32

	// replicaStateLock serialises control-plane transitions: leader-and-ISR,
	// stop-replica, metadata updates, log dir moves and failures
	replicaStateLock sync.Mutex
	allPartitions    sync.Map // protocol.TopicPartition -> HostedPartition

	producePurgatory       *Purgatory
	fetchPurgatory         *Purgatory
	deleteRecordsPurgatory *Purgatory
	electLeaderPurgatory   *Purgatory

	replicaFetcherManager *ReplicaFetcherManager
	alterLogDirManager    *AlterLogDirManager
	isrChangeTracker      *IsrChangeTracker
	hwCheckpointer        *HighWatermarkCheckpointer
	dirFailureHandler     *LogDirFailureHandler

	offlineListeners struct {
		sync.Mutex
		fns []func(protocol.TopicPartition)
	}

	started               atomic.Bool
	hwCheckpointerStarted atomic.Bool
	isShuttingDown        atomic.Bool
	stopCh                chan struct{}
	shrinkDoneCh          chan struct{}
}

// NewReplicaManager wires a replica manager. Start launches its background
// tasks.
func NewReplicaManager(cfg ReplicaManagerConfig) (*ReplicaManager, error) {
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	selector, err := NewSelector(cfg.Config.ReplicaSelectorClass)
	if err != nil {
		return nil, err
	}
	if err := selector.Configure(nil); err != nil {
		return nil, err
	}
	factory := cfg.EndpointFactory
	if factory == nil {
		factory = UnsupportedEndpointFactory
	}

	rm := &ReplicaManager{
		brokerID:      cfg.BrokerID,
		cfg:           cfg.Config,
		clock:         clock,
		logger:        logger.Default().WithComponent("replica-manager"),
		logManager:    cfg.LogManager,
		metadataCache: cfg.MetadataCache,
		controller:    cfg.Controller,
		throttler:     cfg.Throttler,
		selector:      selector,
		stopCh:        make(chan struct{}),
		shrinkDoneCh:  make(chan struct{}),
	}
	rm.controllerEpoch.Store(0)

	purge := cfg.Config.PurgatoryPurgeIntervalRequests
	rm.producePurgatory = NewPurgatory("produce", purge)
	rm.fetchPurgatory = NewPurgatory("fetch", purge)
	rm.deleteRecordsPurgatory = NewPurgatory("delete-records", purge)
	rm.electLeaderPurgatory = NewPurgatory("elect-leader", purge)

	rm.replicaFetcherManager = newReplicaFetcherManager(rm, factory)
	rm.alterLogDirManager = newAlterLogDirManager(rm)
	rm.isrChangeTracker = NewIsrChangeTracker(clock, cfg.Controller)
	rm.hwCheckpointer = newHighWatermarkCheckpointer(rm,
		time.Duration(cfg.Config.HighWatermarkCheckpointIntervalMs)*time.Millisecond)
	rm.dirFailureHandler = newLogDirFailureHandler(rm, cfg.Config.FailureHaltsBroker)

	return rm, nil
}

// Start launches the background tasks: ISR propagation, ISR shrink timer,
// disk failure handling and the idle fetcher sweeper. The HW checkpointer
// starts with the first successful role transition.
func (rm *ReplicaManager) Start() {
	if !rm.started.CompareAndSwap(false, true) {
		return
	}
	rm.isrChangeTracker.Start()
	rm.dirFailureHandler.Start()
	rm.replicaFetcherManager.Start(
		time.Duration(rm.cfg.FetcherIdleSweepIntervalMs) * time.Millisecond)
	go rm.isrShrinkLoop()
	rm.logger.Info("replica manager started", "broker_id", rm.brokerID)
}

func (rm *ReplicaManager) isrShrinkLoop() {
	defer close(rm.shrinkDoneCh)
	ticker := time.NewTicker(time.Duration(rm.cfg.IsrShrinkIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.MaybeShrinkIsr()
		}
	}
}

// MaybeShrinkIsr evicts lagging followers from the ISR of every led partition
func (rm *ReplicaManager) MaybeShrinkIsr() {
	rm.allPartitions.Range(func(key, value any) bool {
		if online, ok := value.(HostedOnline); ok {
			if online.Partition.MaybeShrinkIsr() {
				rm.tryCompleteDelayedRequests(key.(protocol.TopicPartition))
			}
		}
		return true
	})
}

// OnIsrChange registers an observer for every ISR change this broker makes,
// e.g. the console event stream
func (rm *ReplicaManager) OnIsrChange(fn func(protocol.IsrChange)) {
	rm.isrChangeTracker.AddListener(fn)
}

// OnPartitionOffline registers an observer for partitions transitioning to
// Offline after a log directory failure
func (rm *ReplicaManager) OnPartitionOffline(fn func(protocol.TopicPartition)) {
	rm.offlineListeners.Lock()
	defer rm.offlineListeners.Unlock()
	rm.offlineListeners.fns = append(rm.offlineListeners.fns, fn)
}

func (rm *ReplicaManager) notifyPartitionOffline(tp protocol.TopicPartition) {
	rm.offlineListeners.Lock()
	fns := append([]func(protocol.TopicPartition){}, rm.offlineListeners.fns...)
	rm.offlineListeners.Unlock()
	for _, fn := range fns {
		fn(tp)
	}
}

// ControllerEpoch returns the last accepted controller epoch
func (rm *ReplicaManager) ControllerEpoch() int32 {
	return rm.controllerEpoch.Load()
}

// GetPartition returns the hosted state of a partition
func (rm *ReplicaManager) GetPartition(tp protocol.TopicPartition) HostedPartition {
	if v, ok := rm.allPartitions.Load(tp); ok {
		return v.(HostedPartition)
	}
	return HostedNone{}
}

// getOnlinePartition resolves a partition for the data path, mapping the
// hosted variants to their wire errors
func (rm *ReplicaManager) getOnlinePartition(tp protocol.TopicPartition) (*Partition, protocol.ErrorCode) {
	switch hosted := rm.GetPartition(tp).(type) {
	case HostedOnline:
		return hosted.Partition, protocol.None
	case HostedOffline:
		return nil, protocol.KafkaStorageError
	default:
		return nil, protocol.UnknownTopicOrPartition
	}
}

// BecomeLeaderOrFollower applies a controller role directive under the state
// change lock and returns the per-partition error map
func (rm *ReplicaManager) BecomeLeaderOrFollower(req *protocol.LeaderAndIsrRequest,
	onLeadershipChange func(newLeaders, newFollowers []*Partition)) (map[protocol.TopicPartition]protocol.ErrorCode, protocol.ErrorCode) {

	rm.replicaStateLock.Lock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		rm.replicaStateLock.Unlock()
		rm.logger.Warn("rejecting leader-and-isr from stale controller",
			"controller_id", req.ControllerID,
			"request_epoch", req.ControllerEpoch,
			"current_epoch", rm.controllerEpoch.Load())
		return nil, protocol.StaleControllerEpoch
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)

	results := make(map[protocol.TopicPartition]protocol.ErrorCode, len(req.Partitions))
	var becomeLeader, becomeFollower []protocol.LeaderAndIsrPartition

	for _, directive := range req.Partitions {
		tp := directive.TopicPartition

		partition, code := rm.getOrCreatePartition(tp)
		if code != protocol.None {
			results[tp] = code
			continue
		}

		currentEpoch := partition.LeaderEpoch()
		if directive.LeaderEpoch == currentEpoch {
			results[tp] = protocol.StaleControllerEpoch
			continue
		}
		if directive.LeaderEpoch < currentEpoch {
			results[tp] = protocol.FencedLeaderEpoch
			continue
		}
		if !containsBroker(directive.Replicas, rm.brokerID) {
			rm.logger.Warn("directive for partition not assigned to this broker",
				"topic", tp.Topic, "partition", tp.Partition, "replicas", directive.Replicas)
			results[tp] = protocol.UnknownTopicOrPartition
			continue
		}

		if directive.Leader == rm.brokerID {
			becomeLeader = append(becomeLeader, directive)
		} else {
			becomeFollower = append(becomeFollower, directive)
		}
	}

	checkpoints := rm.readAllCheckpoints()
	newLeaders := rm.makeLeaders(becomeLeader, checkpoints, results)
	newFollowers := rm.makeFollowers(becomeFollower, checkpoints, results)

	// a partition that ended up without a local log cannot be served
	for _, directive := range append(append([]protocol.LeaderAndIsrPartition(nil), becomeLeader...), becomeFollower...) {
		tp := directive.TopicPartition
		if online, ok := rm.GetPartition(tp).(HostedOnline); ok && online.Partition.Log() == nil {
			rm.allPartitions.Store(tp, HostedOffline{})
			results[tp] = protocol.KafkaStorageError
		}
	}

	if (len(newLeaders) > 0 || len(newFollowers) > 0) && rm.hwCheckpointerStarted.CompareAndSwap(false, true) {
		rm.hwCheckpointer.Start()
	}

	rm.replicaStateLock.Unlock()

	if onLeadershipChange != nil {
		onLeadershipChange(newLeaders, newFollowers)
	}

	// leadership moves can complete (or fail) parked operations
	for _, directive := range req.Partitions {
		if results[directive.TopicPartition] == protocol.None {
			rm.tryCompleteDelayedRequests(directive.TopicPartition)
		}
	}

	return results, protocol.None
}

// getOrCreatePartition returns the online partition, creating the entry when
// the partition is new. Caller holds the state change lock.
func (rm *ReplicaManager) getOrCreatePartition(tp protocol.TopicPartition) (*Partition, protocol.ErrorCode) {
	switch hosted := rm.GetPartition(tp).(type) {
	case HostedOnline:
		return hosted.Partition, protocol.None
	case HostedOffline:
		return nil, protocol.KafkaStorageError
	default:
		partition := NewPartition(PartitionConfig{
			TopicPartition:      tp,
			LocalBrokerID:       rm.brokerID,
			MinInSyncReplicas:   rm.cfg.MinInSyncReplicas,
			ReplicaLagTimeMaxMs: rm.cfg.ReplicaLagTimeMaxMs,
			Clock:               rm.clock,
			LogManager:          rm.logManager,
			IsrListener:         rm.isrChangeTracker.Enqueue,
		})
		rm.allPartitions.Store(tp, HostedOnline{Partition: partition})
		return partition, protocol.None
	}
}

// makeLeaders stops the follower fetchers for the given partitions and
// applies the leader transition to each. Caller holds the state change lock.
func (rm *ReplicaManager) makeLeaders(directives []protocol.LeaderAndIsrPartition,
	checkpoints map[protocol.TopicPartition]int64,
	results map[protocol.TopicPartition]protocol.ErrorCode) []*Partition {

	if len(directives) == 0 {
		return nil
	}

	tps := make([]protocol.TopicPartition, 0, len(directives))
	for _, d := range directives {
		tps = append(tps, d.TopicPartition)
	}
	rm.replicaFetcherManager.RemoveFetcherForPartitions(tps)

	var newLeaders []*Partition
	for _, directive := range directives {
		tp := directive.TopicPartition
		partition, code := rm.getOrCreatePartition(tp)
		if code != protocol.None {
			results[tp] = code
			continue
		}

		transitioned, err := partition.MakeLeader(directive, checkpoints[tp])
		if err != nil {
			code := protocol.CodeFor(err)
			results[tp] = code
			if code == protocol.KafkaStorageError {
				rm.allPartitions.Store(tp, HostedOffline{})
			}
			continue
		}
		results[tp] = protocol.None
		if transitioned {
			newLeaders = append(newLeaders, partition)
		}
		rm.logger.Info("became leader",
			"topic", tp.Topic, "partition", tp.Partition,
			"leader_epoch", directive.LeaderEpoch, "isr", directive.Isr)
	}
	return newLeaders
}

// makeFollowers applies follower transitions and starts fetchers towards
// leaders that are known alive. Caller holds the state change lock.
func (rm *ReplicaManager) makeFollowers(directives []protocol.LeaderAndIsrPartition,
	checkpoints map[protocol.TopicPartition]int64,
	results map[protocol.TopicPartition]protocol.ErrorCode) []*Partition {

	if len(directives) == 0 {
		return nil
	}

	tps := make([]protocol.TopicPartition, 0, len(directives))
	for _, d := range directives {
		tps = append(tps, d.TopicPartition)
	}
	rm.replicaFetcherManager.RemoveFetcherForPartitions(tps)

	var newFollowers []*Partition
	fetcherStates := make(map[protocol.TopicPartition]InitialFetchState)

	for _, directive := range directives {
		tp := directive.TopicPartition
		partition, code := rm.getOrCreatePartition(tp)
		if code != protocol.None {
			results[tp] = code
			continue
		}

		leaderChanged, err := partition.MakeFollower(directive, checkpoints[tp])
		if err != nil {
			code := protocol.CodeFor(err)
			results[tp] = code
			if code == protocol.KafkaStorageError {
				rm.allPartitions.Store(tp, HostedOffline{})
			}
			continue
		}
		results[tp] = protocol.None
		if leaderChanged {
			newFollowers = append(newFollowers, partition)
		}

		leaderNode, alive := rm.metadataCache.AliveBroker(directive.Leader)
		if !alive {
			// the local log exists; replication resumes once the leader is
			// reachable and a fresh directive arrives
			rm.logger.Warn("new leader is not alive, not starting fetcher",
				"topic", tp.Topic, "partition", tp.Partition, "leader", directive.Leader)
			continue
		}
		fetcherStates[tp] = InitialFetchState{
			Leader:      leaderNode,
			LeaderEpoch: directive.LeaderEpoch,
			FetchOffset: partition.HighWatermark(),
		}
		rm.logger.Info("became follower",
			"topic", tp.Topic, "partition", tp.Partition,
			"leader", directive.Leader, "leader_epoch", directive.LeaderEpoch)
	}

	if len(fetcherStates) > 0 {
		rm.replicaFetcherManager.AddFetcherForPartitions(fetcherStates)
	}
	return newFollowers
}

func (rm *ReplicaManager) readAllCheckpoints() map[protocol.TopicPartition]int64 {
	out := make(map[protocol.TopicPartition]int64)
	for _, dir := range rm.logManager.LiveDirs() {
		cp, err := ReadCheckpoint(dir)
		if err != nil {
			rm.logger.Error("cannot read high watermark checkpoint", "dir", dir, "error", err)
			continue
		}
		for tp, hw := range cp {
			out[tp] = hw
		}
	}
	return out
}

// StopReplicas stops fetchers for the listed partitions and optionally
// deletes them
func (rm *ReplicaManager) StopReplicas(req *protocol.StopReplicaRequest) (map[protocol.TopicPartition]protocol.ErrorCode, protocol.ErrorCode) {
	rm.replicaStateLock.Lock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		rm.replicaStateLock.Unlock()
		return nil, protocol.StaleControllerEpoch
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)

	rm.replicaFetcherManager.RemoveFetcherForPartitions(req.Partitions)

	results := make(map[protocol.TopicPartition]protocol.ErrorCode, len(req.Partitions))
	for _, tp := range req.Partitions {
		rm.alterLogDirManager.CancelMove(tp)

		switch rm.GetPartition(tp).(type) {
		case HostedOnline:
			results[tp] = protocol.None
			if !req.DeletePartition {
				continue
			}
			rm.allPartitions.Delete(tp)
			if err := rm.logManager.DeleteLog(tp); err != nil {
				rm.logger.Error("failed to delete log",
					"topic", tp.Topic, "partition", tp.Partition, "error", err)
				results[tp] = protocol.KafkaStorageError
				continue
			}
			metrics.RemovePartitionMetrics(tp.Topic, tp.Partition)
		case HostedOffline:
			results[tp] = protocol.KafkaStorageError
		default:
			// not hosted here; nothing to stop
			results[tp] = protocol.None
		}
	}

	rm.replicaStateLock.Unlock()

	for _, tp := range req.Partitions {
		rm.tryCompleteDelayedRequests(tp)
	}
	return results, protocol.None
}

// AppendRecords appends to the led partitions and answers through respond,
// immediately or through the produce purgatory for acks=-1
func (rm *ReplicaManager) AppendRecords(timeout time.Duration, requiredAcks int16,
	internalTopicsAllowed bool, entries map[protocol.TopicPartition][]storagelog.Batch,
	respond func(map[protocol.TopicPartition]protocol.ProducePartitionResponse)) {

	if requiredAcks != -1 && requiredAcks != 0 && requiredAcks != 1 {
		responses := make(map[protocol.TopicPartition]protocol.ProducePartitionResponse, len(entries))
		for tp := range entries {
			responses[tp] = protocol.ProducePartitionResponse{Error: protocol.InvalidRequiredAcks}
		}
		respond(responses)
		return
	}

	type appendOutcome struct {
		info storagelog.AppendInfo
		code protocol.ErrorCode
	}
	outcomes := make(map[protocol.TopicPartition]appendOutcome, len(entries))

	for tp, batches := range entries {
		if isInternalTopic(tp.Topic) && !internalTopicsAllowed {
			outcomes[tp] = appendOutcome{code: protocol.InvalidTopicException}
			continue
		}

		partition, code := rm.getOnlinePartition(tp)
		if code != protocol.None {
			outcomes[tp] = appendOutcome{code: code}
			continue
		}

		info, err := partition.AppendRecordsToLeader(batches, requiredAcks)
		if err != nil {
			code := protocol.CodeFor(err)
			outcomes[tp] = appendOutcome{code: code}
			metrics.RecordProduce(tp.Topic, tp.Partition, 0, int16(code))
			continue
		}
		outcomes[tp] = appendOutcome{info: info}
		metrics.RecordProduce(tp.Topic, tp.Partition, info.NumMessages, 0)
	}

	// fresh data may satisfy parked fetches
	for tp, outcome := range outcomes {
		if outcome.code == protocol.None {
			rm.fetchPurgatory.CheckAndComplete(tp.String())
		}
	}

	anySuccess := false
	for _, outcome := range outcomes {
		if outcome.code == protocol.None {
			anySuccess = true
			break
		}
	}

	if requiredAcks == -1 && anySuccess && len(entries) > 0 {
		status := make(map[protocol.TopicPartition]*producePartitionStatus, len(outcomes))
		keys := make([]string, 0, len(outcomes))
		for tp, outcome := range outcomes {
			st := &producePartitionStatus{
				requiredOffset: outcome.info.LastOffset + 1,
				acksPending:    outcome.code == protocol.None,
				response: protocol.ProducePartitionResponse{
					Error:          outcome.code,
					BaseOffset:     outcome.info.FirstOffset,
					LastOffset:     outcome.info.LastOffset,
					LogAppendTime:  outcome.info.LogAppendTime,
					LogStartOffset: outcome.info.LogStartOffset,
				},
			}
			if st.acksPending {
				// seeded with the timeout error, overwritten on completion
				st.response.Error = protocol.RequestTimedOut
			}
			status[tp] = st
			keys = append(keys, tp.String())
		}
		op := newDelayedProduce(rm, status, respond)
		rm.producePurgatory.TryCompleteElseWatch(op, timeout, keys)
		return
	}

	responses := make(map[protocol.TopicPartition]protocol.ProducePartitionResponse, len(outcomes))
	for tp, outcome := range outcomes {
		responses[tp] = protocol.ProducePartitionResponse{
			Error:          outcome.code,
			BaseOffset:     outcome.info.FirstOffset,
			LastOffset:     outcome.info.LastOffset,
			LogAppendTime:  outcome.info.LogAppendTime,
			LogStartOffset: outcome.info.LogStartOffset,
		}
	}
	respond(responses)
}

// fetchOnlyFromLeader decides whether the fetch must be served by the leader
func (rm *ReplicaManager) fetchOnlyFromLeader(params FetchParams) bool {
	if params.ReplicaID == protocol.FutureLocalReplicaID {
		return false
	}
	if params.ReplicaID >= 0 {
		return true
	}
	return params.ClientMetadata == nil
}

// FetchMessages serves a fetch from a follower, a consumer or the future-log
// mover, answering immediately when possible and parking in the fetch
// purgatory otherwise
func (rm *ReplicaManager) FetchMessages(params FetchParams, partitions []FetchPartition,
	respond func([]FetchResult)) {

	isFollower := params.ReplicaID >= 0

	fetchIsolation := protocol.FetchHighWatermark
	switch {
	case isFollower || params.ReplicaID == protocol.FutureLocalReplicaID:
		fetchIsolation = protocol.FetchLogEnd
	case params.Isolation == protocol.ReadCommitted:
		fetchIsolation = protocol.FetchTxnCommitted
	}

	results := rm.readFromLocalLog(params, fetchIsolation, partitions)

	var bytesReadable int64
	anyError := false
	preferredReplica := false
	for i := range results {
		if results[i].Data.Error != protocol.None {
			anyError = true
		}
		if results[i].Data.PreferredReadReplica >= 0 {
			preferredReplica = true
		}
		for j := range results[i].Data.Batches {
			bytesReadable += int64(results[i].Data.Batches[j].SizeBytes())
		}
	}

	needsHWUpdate := false
	if isFollower {
		now := rm.clock.Now().UnixMilli()
		for i := range results {
			if results[i].Data.Error != protocol.None {
				continue
			}
			tp := results[i].TopicPartition
			partition, code := rm.getOnlinePartition(tp)
			if code != protocol.None {
				continue
			}
			spec := partitions[i].Spec
			incremented, _ := partition.UpdateFollowerFetchState(
				params.ReplicaID, spec.FetchOffset, spec.LogStartOffset, now)
			if incremented {
				rm.tryCompleteDelayedRequests(tp)
			}
			if partition.FollowerNeedsHighWatermarkUpdate(params.ReplicaID) {
				needsHWUpdate = true
			}
		}
	}

	caller := "consumer"
	if isFollower {
		caller = "follower"
	}
	for i := range results {
		var partitionBytes int64
		for j := range results[i].Data.Batches {
			partitionBytes += int64(results[i].Data.Batches[j].SizeBytes())
		}
		metrics.RecordFetch(caller, results[i].TopicPartition.Topic, partitionBytes)
	}
	if !isFollower && bytesReadable > 0 {
		rm.throttler.AllowConsumerFetch(int(bytesReadable))
	}

	respondRecording := func(out []FetchResult) {
		if isFollower {
			for i := range out {
				if out[i].Data.Error != protocol.None {
					continue
				}
				if partition, code := rm.getOnlinePartition(out[i].TopicPartition); code == protocol.None {
					partition.RecordFollowerHighWatermarkSent(params.ReplicaID, out[i].Data.HighWatermark)
				}
			}
		}
		respond(out)
	}

	completeNow := params.MaxWait <= 0 ||
		len(partitions) == 0 ||
		bytesReadable >= int64(params.MinBytes) ||
		anyError ||
		preferredReplica ||
		needsHWUpdate

	if completeNow {
		respondRecording(results)
		return
	}

	keys := make([]string, 0, len(partitions))
	for _, fp := range partitions {
		keys = append(keys, fp.TopicPartition.String())
	}
	op := newDelayedFetch(rm, params, fetchIsolation, partitions, respondRecording)
	rm.fetchPurgatory.TryCompleteElseWatch(op, params.MaxWait, keys)
}

// readFromLocalLog reads every requested partition in request order. The
// first non-empty partition may exceed the byte limit unless the limit is
// hard.
func (rm *ReplicaManager) readFromLocalLog(params FetchParams,
	fetchIsolation protocol.FetchIsolation, partitions []FetchPartition) []FetchResult {

	fetchOnlyFromLeader := rm.fetchOnlyFromLeader(params)
	minOneMessage := !params.HardMaxBytesLimit
	remaining := params.MaxBytes

	results := make([]FetchResult, 0, len(partitions))
	for _, fp := range partitions {
		tp := fp.TopicPartition

		partition, code := rm.getOnlinePartition(tp)
		if code != protocol.None {
			results = append(results, FetchResult{tp, FetchPartitionData{
				Error: code, PreferredReadReplica: protocol.NoNode}})
			continue
		}

		if node, ok := rm.selectPreferredReadReplica(partition, params, fp.Spec.FetchOffset); ok {
			snap, err := partition.FetchOffsetSnapshot(fp.Spec.CurrentLeaderEpoch, false)
			if err != nil {
				results = append(results, FetchResult{tp, FetchPartitionData{
					Error: protocol.CodeFor(err), PreferredReadReplica: protocol.NoNode}})
				continue
			}
			results = append(results, FetchResult{tp, FetchPartitionData{
				HighWatermark:        snap.HighWatermark,
				LogStartOffset:       snap.LogStartOffset,
				LastStableOffset:     snap.LastStableOffset,
				LogEndOffset:         snap.LogEndOffset,
				PreferredReadReplica: node.ID,
			}})
			continue
		}

		maxBytes := fp.Spec.MaxBytes
		if maxBytes <= 0 || maxBytes > remaining {
			maxBytes = remaining
		}

		readInfo, err := partition.Read(fp.Spec.FetchOffset, fp.Spec.CurrentLeaderEpoch,
			maxBytes, fetchIsolation, fetchOnlyFromLeader, minOneMessage)
		if err != nil {
			results = append(results, FetchResult{tp, FetchPartitionData{
				Error: protocol.CodeFor(err), PreferredReadReplica: protocol.NoNode}})
			continue
		}

		var read int32
		for i := range readInfo.Data.Batches {
			read += readInfo.Data.Batches[i].SizeBytes()
		}
		if read > 0 {
			minOneMessage = false
			if read >= remaining {
				remaining = 0
			} else {
				remaining -= read
			}
		}

		results = append(results, FetchResult{tp, FetchPartitionData{
			HighWatermark:        readInfo.HighWatermark,
			LogStartOffset:       readInfo.LogStartOffset,
			LastStableOffset:     readInfo.LastStableOffset,
			LogEndOffset:         readInfo.LogEndOffset,
			PreferredReadReplica: protocol.NoNode,
			Batches:              readInfo.Data.Batches,
		}})
	}
	return results
}

// selectPreferredReadReplica asks the selector for a better read replica for
// a consumer fetch served by the leader. Only ISR members whose log range
// covers the fetch offset are eligible.
func (rm *ReplicaManager) selectPreferredReadReplica(partition *Partition, params FetchParams,
	fetchOffset int64) (protocol.Node, bool) {

	if params.ReplicaID >= 0 || params.ClientMetadata == nil || !partition.IsLeader() {
		return protocol.Node{}, false
	}

	tp := partition.TopicPartition()
	endpoints := rm.metadataCache.PartitionReplicaEndpoints(tp)
	now := rm.clock.Now().UnixMilli()

	view := PartitionView{}
	if leaderNode, ok := endpoints[rm.brokerID]; ok {
		view.Leader = leaderNode
	}

	for _, id := range partition.Isr() {
		node, ok := endpoints[id]
		if !ok {
			continue
		}
		if id == rm.brokerID {
			l := partition.Log()
			if l == nil {
				continue
			}
			view.Replicas = append(view.Replicas, ReplicaView{
				Node:           node,
				LogStartOffset: l.LogStartOffset(),
				LogEndOffset:   l.LogEndOffset(),
			})
			continue
		}
		rs, ok := partition.ReplicaStateOf(id)
		if !ok || rs.LogEndOffset < 0 {
			continue
		}
		if fetchOffset < rs.LogStartOffset || fetchOffset > rs.LogEndOffset {
			continue
		}
		view.Replicas = append(view.Replicas, ReplicaView{
			Node:                    node,
			LogStartOffset:          rs.LogStartOffset,
			LogEndOffset:            rs.LogEndOffset,
			TimeSinceLastCaughtUpMs: now - rs.LastCaughtUpTimeMs,
		})
	}

	node, ok := rm.selector.Select(tp, params.ClientMetadata, view)
	if !ok || node.ID == rm.brokerID {
		return protocol.Node{}, false
	}
	return node, true
}

// DeleteRecords advances the log start offset of the led partitions and
// answers once the low watermark reaches the requested offset on every
// partition, or the timeout passes
func (rm *ReplicaManager) DeleteRecords(timeout time.Duration,
	offsets map[protocol.TopicPartition]int64,
	respond func(map[protocol.TopicPartition]protocol.DeleteRecordsPartitionResult)) {

	status := make(map[protocol.TopicPartition]*deleteRecordsPartitionStatus, len(offsets))
	anyPending := false

	for tp, offset := range offsets {
		st := &deleteRecordsPartitionStatus{requiredOffset: offset}
		status[tp] = st

		partition, code := rm.getOnlinePartition(tp)
		if code != protocol.None {
			st.result = protocol.DeleteRecordsPartitionResult{Error: code}
			continue
		}

		low, err := partition.DeleteRecordsOnLeader(offset)
		if err != nil {
			st.result = protocol.DeleteRecordsPartitionResult{Error: protocol.CodeFor(err)}
			continue
		}

		if low >= offset {
			st.result = protocol.DeleteRecordsPartitionResult{LowWatermark: low, Error: protocol.None}
		} else {
			st.acksPending = true
			st.result = protocol.DeleteRecordsPartitionResult{Error: protocol.RequestTimedOut}
			anyPending = true
		}

		// start offset moves can complete parked fetches
		rm.fetchPurgatory.CheckAndComplete(tp.String())
	}

	if !anyPending {
		results := make(map[protocol.TopicPartition]protocol.DeleteRecordsPartitionResult, len(status))
		for tp, st := range status {
			results[tp] = st.result
		}
		respond(results)
		return
	}

	keys := make([]string, 0, len(status))
	for tp := range status {
		keys = append(keys, tp.String())
	}
	op := newDelayedDeleteRecords(rm, status, respond)
	rm.deleteRecordsPurgatory.TryCompleteElseWatch(op, timeout, keys)
}

// UpdateMetadata applies a controller metadata update to the cache
func (rm *ReplicaManager) UpdateMetadata(req *metadata.UpdateRequest) ([]protocol.TopicPartition, protocol.ErrorCode) {
	rm.replicaStateLock.Lock()
	defer rm.replicaStateLock.Unlock()

	if req.ControllerEpoch < rm.controllerEpoch.Load() {
		return nil, protocol.StaleControllerEpoch
	}
	rm.controllerEpoch.Store(req.ControllerEpoch)

	deleted := rm.metadataCache.UpdateMetadata(req)
	return deleted, protocol.None
}

// AlterReplicaLogDirs moves partitions to new log directories through future
// logs copied in the background
func (rm *ReplicaManager) AlterReplicaLogDirs(dirs map[protocol.TopicPartition]string) map[protocol.TopicPartition]protocol.ErrorCode {
	rm.replicaStateLock.Lock()
	defer rm.replicaStateLock.Unlock()

	results := make(map[protocol.TopicPartition]protocol.ErrorCode, len(dirs))
	for tp, destDir := range dirs {
		partition, code := rm.getOnlinePartition(tp)
		if code != protocol.None {
			results[tp] = code
			continue
		}
		if l := partition.Log(); l != nil && l.DataDir() == destDir {
			results[tp] = protocol.None
			continue
		}

		future, err := rm.logManager.CreateFutureLog(tp, destDir)
		if err != nil {
			results[tp] = protocol.CodeFor(err)
			continue
		}
		partition.SetFutureLog(future)
		rm.alterLogDirManager.StartMove(tp)
		results[tp] = protocol.None
	}
	return results
}

// completeLogDirMove promotes a caught-up future log under the state change
// lock
func (rm *ReplicaManager) completeLogDirMove(tp protocol.TopicPartition) error {
	rm.replicaStateLock.Lock()
	defer rm.replicaStateLock.Unlock()

	promoted, err := rm.logManager.PromoteFutureLog(tp)
	if err != nil {
		return err
	}
	if online, ok := rm.GetPartition(tp).(HostedOnline); ok {
		online.Partition.AttachLog(promoted)
		online.Partition.SetFutureLog(nil)
	}
	return nil
}

// ElectPreferredLeaders asks the controller to move leadership to the
// preferred replicas and answers when the directives arrive or the timeout
// passes
func (rm *ReplicaManager) ElectPreferredLeaders(partitions []protocol.TopicPartition,
	timeout time.Duration, respond func(map[protocol.TopicPartition]protocol.ErrorCode)) {

	expected := make(map[protocol.TopicPartition]int32, len(partitions))
	immediate := make(map[protocol.TopicPartition]protocol.ErrorCode)

	for _, tp := range partitions {
		ps, ok := rm.metadataCache.Partition(tp)
		if !ok || len(ps.Replicas) == 0 {
			immediate[tp] = protocol.UnknownTopicOrPartition
			continue
		}
		preferred := ps.Replicas[0]
		if _, alive := rm.metadataCache.AliveBroker(preferred); !alive {
			immediate[tp] = protocol.PreferredLeaderNotAvailable
			continue
		}
		expected[tp] = preferred
	}

	if len(expected) == 0 {
		respond(immediate)
		return
	}

	electable := make([]protocol.TopicPartition, 0, len(expected))
	for tp := range expected {
		electable = append(electable, tp)
	}
	if err := rm.controller.ElectPreferredLeaders(electable); err != nil {
		rm.logger.Error("preferred leader election request failed", "error", err)
		for tp := range expected {
			immediate[tp] = protocol.NotController
		}
		respond(immediate)
		return
	}

	respondMerged := func(results map[protocol.TopicPartition]protocol.ErrorCode) {
		for tp, code := range immediate {
			results[tp] = code
		}
		respond(results)
	}

	keys := make([]string, 0, len(expected))
	for tp := range expected {
		keys = append(keys, tp.String())
	}
	op := newDelayedElectLeader(rm, expected, respondMerged)
	rm.electLeaderPurgatory.TryCompleteElseWatch(op, timeout, keys)
}

// DescribeLogDirs reports every log directory with the partitions it hosts
func (rm *ReplicaManager) DescribeLogDirs() []protocol.DescribeLogDirsResult {
	var out []protocol.DescribeLogDirsResult
	for _, dir := range rm.logManager.DataDirs() {
		if !rm.logManager.IsDirOnline(dir) {
			out = append(out, protocol.DescribeLogDirsResult{
				Dir:   dir,
				Error: protocol.KafkaStorageError,
			})
			continue
		}

		result := protocol.DescribeLogDirsResult{Dir: dir}
		for _, tp := range rm.logManager.LogsInDir(dir) {
			l, ok := rm.logManager.GetLog(tp)
			if !ok {
				continue
			}
			lag := l.LogEndOffset() - l.HighWatermark()
			if lag < 0 {
				lag = 0
			}
			result.Partitions = append(result.Partitions, protocol.DescribeLogDirsPartition{
				TopicPartition: tp,
				Size:           l.SizeBytes(),
				OffsetLag:      lag,
			})
		}
		out = append(out, result)
	}
	return out
}

// FetchOffsetForTimestamp resolves the first offset at or after a timestamp,
// honouring the isolation bound
func (rm *ReplicaManager) FetchOffsetForTimestamp(tp protocol.TopicPartition, timestamp int64,
	isolation *protocol.IsolationLevel, currentLeaderEpoch int32, fetchOnlyFromLeader bool) (protocol.TimestampOffset, error) {

	partition, code := rm.getOnlinePartition(tp)
	if code != protocol.None {
		return protocol.TimestampOffset{}, protocol.NewError(code, "partition %s is not available", tp)
	}

	snap, err := partition.FetchOffsetSnapshot(currentLeaderEpoch, fetchOnlyFromLeader)
	if err != nil {
		return protocol.TimestampOffset{}, err
	}

	upper := snap.LogEndOffset
	if isolation != nil {
		upper = snap.HighWatermark
		if *isolation == protocol.ReadCommitted {
			upper = snap.LastStableOffset
		}
	}

	switch timestamp {
	case protocol.EarliestTimestamp:
		return protocol.TimestampOffset{Timestamp: -1, Offset: snap.LogStartOffset}, nil
	case protocol.LatestTimestamp:
		return protocol.TimestampOffset{Timestamp: -1, Offset: upper}, nil
	}

	l := partition.Log()
	if l == nil {
		return protocol.TimestampOffset{}, protocol.NewError(protocol.ReplicaNotAvailable,
			"replica of %s is not available", tp)
	}
	found, ok, err := l.OffsetForTimestamp(timestamp)
	if err != nil {
		return protocol.TimestampOffset{}, err
	}
	if !ok || found.Offset >= upper {
		return protocol.TimestampOffset{Timestamp: -1, Offset: -1}, nil
	}
	return found, nil
}

// LastOffsetForLeaderEpoch answers epoch end offset queries for a batch of
// partitions
func (rm *ReplicaManager) LastOffsetForLeaderEpoch(requests map[protocol.TopicPartition]EpochRequest) map[protocol.TopicPartition]protocol.EpochEndOffset {
	out := make(map[protocol.TopicPartition]protocol.EpochEndOffset, len(requests))
	for tp, req := range requests {
		partition, code := rm.getOnlinePartition(tp)
		if code != protocol.None {
			out[tp] = protocol.EpochEndOffset{Error: code, LeaderEpoch: -1, EndOffset: -1}
			continue
		}
		out[tp] = partition.LastOffsetForLeaderEpoch(req.CurrentLeaderEpoch, req.LeaderEpoch, true)
	}
	return out
}

// handleLogDirFailure transitions every partition hosted in the failed
// directory to Offline, drops its checkpoint and notifies the controller
func (rm *ReplicaManager) handleLogDirFailure(dir string) {
	rm.replicaStateLock.Lock()

	tps := rm.logManager.LogsInDir(dir)
	rm.replicaFetcherManager.RemoveFetcherForPartitions(tps)

	for _, tp := range tps {
		rm.alterLogDirManager.CancelMove(tp)
		if online, ok := rm.GetPartition(tp).(HostedOnline); ok {
			online.Partition.DetachLog()
			rm.allPartitions.Store(tp, HostedOffline{})
		}
	}

	if err := RemoveCheckpoint(dir); err != nil {
		rm.logger.Error("cannot remove checkpoint of failed dir", "dir", dir, "error", err)
	}

	rm.replicaStateLock.Unlock()

	metrics.OfflineLogDirs.Inc()
	metrics.OfflinePartitions.Add(float64(len(tps)))

	if err := rm.controller.NotifyLogDirFailure(rm.brokerID); err != nil {
		rm.logger.Error("cannot notify controller of log dir failure", "dir", dir, "error", err)
	}
	rm.logger.Error("log directory failed, partitions marked offline",
		"dir", dir, "partitions", len(tps))

	for _, tp := range tps {
		rm.notifyPartitionOffline(tp)
		rm.tryCompleteDelayedRequests(tp)
	}
}

// CheckpointHighWatermarks writes the HW checkpoint file of every live
// directory; a failing directory does not abort the others
func (rm *ReplicaManager) CheckpointHighWatermarks() {
	leaders := 0
	underReplicated := 0

	for _, dir := range rm.logManager.LiveDirs() {
		hws := make(map[protocol.TopicPartition]int64)
		for _, tp := range rm.logManager.LogsInDir(dir) {
			if l, ok := rm.logManager.GetLog(tp); ok {
				hws[tp] = l.HighWatermark()
				metrics.UpdatePartitionOffsets(tp.Topic, tp.Partition, l.HighWatermark(), l.LogEndOffset())
			}
		}
		if err := WriteCheckpoint(dir, hws); err != nil {
			metrics.HighWatermarkCheckpointErrors.WithLabelValues(dir).Inc()
			rm.logger.Error("high watermark checkpoint failed", "dir", dir, "error", err)
		}
	}

	rm.allPartitions.Range(func(_, value any) bool {
		if online, ok := value.(HostedOnline); ok {
			info := online.Partition.Snapshot()
			if info.IsLeader {
				leaders++
				if info.UnderReplicated {
					underReplicated++
				}
			}
		}
		return true
	})
	metrics.LeaderPartitions.Set(float64(leaders))
	metrics.UnderReplicatedPartitions.Set(float64(underReplicated))
}

// tryCompleteDelayedRequests re-evaluates every purgatory for a partition
// after its state changed
func (rm *ReplicaManager) tryCompleteDelayedRequests(tp protocol.TopicPartition) {
	key := tp.String()
	rm.producePurgatory.CheckAndComplete(key)
	rm.fetchPurgatory.CheckAndComplete(key)
	rm.deleteRecordsPurgatory.CheckAndComplete(key)
	rm.electLeaderPurgatory.CheckAndComplete(key)
}

// PartitionInfos snapshots every hosted partition for the admin surfaces
func (rm *ReplicaManager) PartitionInfos() []Info {
	var out []Info
	rm.allPartitions.Range(func(_, value any) bool {
		if online, ok := value.(HostedOnline); ok {
			out = append(out, online.Partition.Snapshot())
		}
		return true
	})
	return out
}

// Counts returns hosted/offline partition counts for health reporting
func (rm *ReplicaManager) Counts() (online int, offline int) {
	rm.allPartitions.Range(func(_, value any) bool {
		switch value.(type) {
		case HostedOnline:
			online++
		case HostedOffline:
			offline++
		}
		return true
	})
	return online, offline
}

// IsShuttingDown reports whether shutdown has begun
func (rm *ReplicaManager) IsShuttingDown() bool {
	return rm.isShuttingDown.Load()
}

// Close shuts the replica manager down: purgatories drain by expiry, fetcher
// workers exit after their current RPC and the checkpointer runs one final
// pass
func (rm *ReplicaManager) Close() {
	if !rm.isShuttingDown.CompareAndSwap(false, true) {
		return
	}
	close(rm.stopCh)

	if rm.started.Load() {
		<-rm.shrinkDoneCh
	}
	rm.replicaFetcherManager.Close()
	rm.alterLogDirManager.Close()

	rm.producePurgatory.Shutdown()
	rm.fetchPurgatory.Shutdown()
	rm.deleteRecordsPurgatory.Shutdown()
	rm.electLeaderPurgatory.Shutdown()

	if rm.started.Load() {
		rm.isrChangeTracker.Stop()
		<-rm.dirFailureHandler.doneCh
	}
	if rm.hwCheckpointerStarted.Load() {
		rm.hwCheckpointer.Stop()
	} else {
		rm.CheckpointHighWatermarks()
	}

	rm.logger.Info("replica manager stopped")
}

func isInternalTopic(topic string) bool {
	return strings.HasPrefix(topic, "__")
}

func containsBroker(ids []int32, id int32) bool {
	for _, b := range ids {
		if b == id {
			return true
		}
	}
	return false
}
