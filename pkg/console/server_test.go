// Copyright 2025 Loghive Data, Inc.

package console

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive-data/loghive/pkg/config"
	"github.com/loghive-data/loghive/pkg/kafka/protocol"
	"github.com/loghive-data/loghive/pkg/replication"
	"github.com/loghive-data/loghive/pkg/throttle"
)

type fakeReplicaView struct {
	infos   []replication.Info
	dirs    []protocol.DescribeLogDirsResult
	online  int
	offline int
}

func (f *fakeReplicaView) PartitionInfos() []replication.Info                 { return f.infos }
func (f *fakeReplicaView) DescribeLogDirs() []protocol.DescribeLogDirsResult { return f.dirs }
func (f *fakeReplicaView) Counts() (int, int)                                { return f.online, f.offline }
func (f *fakeReplicaView) ControllerEpoch() int32                            { return 4 }

func testServer(t *testing.T, view *fakeReplicaView) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", view, throttle.New(config.ThrottleConfig{}))
	t.Cleanup(func() { s.wsHub.Stop() })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, &fakeReplicaView{online: 3, offline: 1})

	rec := get(t, s, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, float64(3), body["online_partitions"])
	assert.Equal(t, float64(4), body["controller_epoch"])
}

func TestPartitionsEndpoint(t *testing.T) {
	view := &fakeReplicaView{
		infos: []replication.Info{{
			Topic:         "orders",
			Partition:     0,
			Leader:        1,
			LeaderEpoch:   2,
			IsLeader:      true,
			Isr:           []int32{1, 2},
			Replicas:      []int32{1, 2},
			HighWatermark: 42,
		}},
	}
	s := testServer(t, view)

	rec := get(t, s, "/api/partitions")
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []replication.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "orders", infos[0].Topic)
	assert.Equal(t, int64(42), infos[0].HighWatermark)
}

func TestPartitionDetailEndpoint(t *testing.T) {
	view := &fakeReplicaView{
		infos: []replication.Info{{Topic: "orders", Partition: 3, Leader: 1}},
	}
	s := testServer(t, view)

	rec := get(t, s, "/api/partitions/orders/3")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/api/partitions/orders/9")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, s, "/api/partitions/orders/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogDirsEndpoint(t *testing.T) {
	view := &fakeReplicaView{
		dirs: []protocol.DescribeLogDirsResult{
			{
				Dir: "/data/a",
				Partitions: []protocol.DescribeLogDirsPartition{{
					TopicPartition: protocol.TopicPartition{Topic: "orders", Partition: 0},
					Size:           128,
				}},
			},
			{Dir: "/data/b", Error: protocol.KafkaStorageError},
		},
	}
	s := testServer(t, view)

	rec := get(t, s, "/api/logdirs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "/data/a", body[0]["dir"])
	assert.Equal(t, "KAFKA_STORAGE_ERROR", body[1]["error"])
}

func TestThrottleEndpoint(t *testing.T) {
	s := testServer(t, &fakeReplicaView{})

	rec := get(t, s, "/api/throttle")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats throttle.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.FollowerThrottled)
}

func TestWebSocketHubBroadcast(t *testing.T) {
	hub := NewWebSocketHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	// no clients: events are dropped without blocking
	hub.BroadcastIsrChange(protocol.IsrChange{
		TopicPartition: protocol.TopicPartition{Topic: "orders", Partition: 0},
		LeaderEpoch:    1,
		Isr:            []int32{1},
	})
	hub.BroadcastPartitionOffline(protocol.TopicPartition{Topic: "orders", Partition: 0})
	assert.Equal(t, 0, hub.ClientCount())
}
