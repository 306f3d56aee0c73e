package observability

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, g.Write(metric))
	return metric.GetGauge().GetValue()
}

func TestRecordActivityIngested(t *testing.T) {
	ts := time.Date(2024, time.March, 2, 7, 5, 0, 0, time.UTC)
	RecordActivityIngested(ts)
	require.Equal(t, float64(ts.Unix()), gaugeValue(t, activityIngestGauge))
}

func TestRecordActivityIngestedIgnoresZeroTime(t *testing.T) {
	RecordActivityIngested(time.Date(2024, time.March, 2, 7, 5, 0, 0, time.UTC))
	before := gaugeValue(t, activityIngestGauge)

	RecordActivityIngested(time.Time{})
	require.Equal(t, before, gaugeValue(t, activityIngestGauge))
}

func TestRecordSyncRun(t *testing.T) {
	ts := time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)
	RecordSyncRun(ts)
	require.Equal(t, float64(ts.Unix()), gaugeValue(t, syncRunGauge))
}
