// Copyright 2025 Loghive Data, Inc.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func counterValue(mf *dto.MetricFamily, labels map[string]string) float64 {
	for _, m := range mf.GetMetric() {
		match := true
		for _, lp := range m.GetLabel() {
			if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
				match = false
				break
			}
		}
		if match {
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func TestRecordProduce(t *testing.T) {
	RecordProduce("metrics-topic", 0, 5, 0)

	mf := findMetric(t, "loghive_produce_messages_total")
	require.NotNil(t, mf)
	assert.Equal(t, float64(5),
		counterValue(mf, map[string]string{"topic": "metrics-topic", "partition": "0"}))
}

func TestRecordProduceError(t *testing.T) {
	RecordProduce("metrics-err-topic", 0, 0, 6)

	mf := findMetric(t, "loghive_produce_errors_total")
	require.NotNil(t, mf)
	assert.Equal(t, float64(1),
		counterValue(mf, map[string]string{"topic": "metrics-err-topic", "error_code": "6"}))
}

func TestUpdatePartitionOffsetsAndRemoval(t *testing.T) {
	UpdatePartitionOffsets("gauge-topic", 1, 10, 20)

	mf := findMetric(t, "loghive_partition_high_watermark")
	require.NotNil(t, mf)
	assert.Equal(t, float64(10),
		counterValue(mf, map[string]string{"topic": "gauge-topic", "partition": "1"}))

	RemovePartitionMetrics("gauge-topic", 1)
	mf = findMetric(t, "loghive_partition_high_watermark")
	if mf != nil {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "topic" {
					assert.NotEqual(t, "gauge-topic", lp.GetValue())
				}
			}
		}
	}
}

func TestRecordFetch(t *testing.T) {
	RecordFetch("consumer", "fetch-topic", 128)

	mf := findMetric(t, "loghive_fetch_bytes_total")
	require.NotNil(t, mf)
	assert.Equal(t, float64(128),
		counterValue(mf, map[string]string{"topic": "fetch-topic"}))
}
