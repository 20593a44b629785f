package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordConnectionStateIsExclusive(t *testing.T) {
	RecordConnectionState("reconnecting")
	RecordConnectionState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionState.WithLabelValues("reconnecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ConnectionState.WithLabelValues("disconnected")))
}

func TestRecordSendSkipsZeroDuration(t *testing.T) {
	before := testutil.CollectAndCount(SendDuration)
	RecordSend("blocked", 0)
	assert.Equal(t, before, testutil.CollectAndCount(SendDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(SendsTotal.WithLabelValues("blocked")))
}
