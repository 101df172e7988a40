// Package core defines the domain model shared by every querywatch component.
//
// # Query records
//
// A Query is the unit of tracked state. It is keyed by the UTC calendar date
// the query started on (the partition) and its second-precision start
// timestamp (the sort key). Records are created in RUNNING state by ingestion
// and written once more by the lifecycle tracker when the engine reports a
// terminal state:
//
//	QUEUED ──► RUNNING ──► SUCCEEDED | FAILED | CANCELLED
//
// The JSON form of a Query is also the lifecycle event body published to the
// query events queue and consumed by the threshold notificator, so the field
// names are part of the wire contract:
//
//	{"start_date": "2019-01-01", "start_timestamp": "2019-01-01 00:00:10",
//	 "query_execution_id": "...", "query_state": "SUCCEEDED",
//	 "executing_user": "u1", "data_scanned": 29944425990,
//	 "query_sql": "select * from foo.bar"}
//
// # Anomaly alarms
//
// AnomalyAlarm is the payload CloudWatch publishes to SNS when an anomaly
// detection alarm on the per-user bytes scanned metric changes state.
package core
