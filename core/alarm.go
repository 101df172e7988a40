package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultUserDimension is the CloudWatch dimension carrying the query user.
const DefaultUserDimension = "athena_user"

// AlarmStateAlarm is the state value of an active alarm.
const AlarmStateAlarm = "ALARM"

// AlarmDimension is a single name/value pair of an alarm trigger.
type AlarmDimension struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// alarmMessage mirrors the subset of the CloudWatch alarm notification we read.
type alarmMessage struct {
	AlarmName      string `json:"AlarmName"`
	NewStateValue  string `json:"NewStateValue"`
	NewStateReason string `json:"NewStateReason"`
	Trigger        struct {
		MetricName string           `json:"MetricName"`
		Namespace  string           `json:"Namespace"`
		Dimensions []AlarmDimension `json:"Dimensions"`
	} `json:"Trigger"`
}

// AnomalyAlarm is a decoded anomaly detection alarm state change.
type AnomalyAlarm struct {
	Name   string
	State  string
	Reason string
	User   string
}

// IsActive reports whether the alarm transitioned into the ALARM state.
func (a *AnomalyAlarm) IsActive() bool {
	return strings.EqualFold(a.State, AlarmStateAlarm)
}

// ParseAnomalyAlarm decodes the JSON alarm message embedded in an SNS
// notification and extracts the user from the named trigger dimension.
func ParseAnomalyAlarm(message, dimension string) (*AnomalyAlarm, error) {
	if dimension == "" {
		dimension = DefaultUserDimension
	}

	var msg alarmMessage
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlarm, err)
	}
	if msg.NewStateValue == "" {
		return nil, fmt.Errorf("%w: missing NewStateValue", ErrInvalidAlarm)
	}

	user, ok := "", false
	for _, d := range msg.Trigger.Dimensions {
		if d.Name == dimension {
			user, ok = d.Value, true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDimensionNotFound, dimension)
	}

	return &AnomalyAlarm{
		Name:   msg.AlarmName,
		State:  msg.NewStateValue,
		Reason: msg.NewStateReason,
		User:   user,
	}, nil
}
