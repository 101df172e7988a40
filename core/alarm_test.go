package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alarmFixture = `{
  "AlarmName": "athena-anomaly-u2",
  "NewStateValue": "ALARM",
  "NewStateReason": "Thresholds Crossed: 1 datapoint was greater than the upper band",
  "Trigger": {
    "MetricName": "athena_query_bytes_scanned",
    "Namespace": "Athena",
    "Dimensions": [{"value": "u2", "name": "athena_user"}]
  }
}`

func TestParseAnomalyAlarm(t *testing.T) {
	alarm, err := ParseAnomalyAlarm(alarmFixture, "")
	require.NoError(t, err)

	assert.Equal(t, "athena-anomaly-u2", alarm.Name)
	assert.Equal(t, "u2", alarm.User)
	assert.Contains(t, alarm.Reason, "upper band")
	assert.True(t, alarm.IsActive())
}

func TestAnomalyAlarm_IsActiveCaseInsensitive(t *testing.T) {
	tests := []struct {
		state  string
		active bool
	}{
		{"ALARM", true},
		{"alarm", true},
		{"Alarm", true},
		{"OK", false},
		{"INSUFFICIENT_DATA", false},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			a := &AnomalyAlarm{State: tt.state}
			assert.Equal(t, tt.active, a.IsActive())
		})
	}
}

func TestParseAnomalyAlarm_Errors(t *testing.T) {
	_, err := ParseAnomalyAlarm("not json", "")
	assert.ErrorIs(t, err, ErrInvalidAlarm)

	_, err = ParseAnomalyAlarm(`{"Trigger":{}}`, "")
	assert.ErrorIs(t, err, ErrInvalidAlarm)

	_, err = ParseAnomalyAlarm(alarmFixture, "team")
	assert.ErrorIs(t, err, ErrDimensionNotFound)
}
