package router

import "strings"

// Kind is the class of an inbound message.
type Kind string

// Message kinds.
const (
	KindSensorConfig Kind = "sensor-config"
	KindSensorData   Kind = "sensor-data"
	KindJobRunData   Kind = "job-run-data"
	KindAutoStop     Kind = "auto-stop"
	KindAutoRun      Kind = "auto-run"
	KindNewJob       Kind = "new-job"
	KindGeneric      Kind = "generic"
	KindText         Kind = "text"
)

// Topic markers.
const (
	MarkerSensorConfig = "pTrace/config"
	MarkerSensorData   = "pTrace"
	MarkerJobRunData   = "jobRunData"
	MarkerAutoStop     = "autoStop"
	MarkerAutoRun      = "autoRun"
	MarkerNewJob       = "newJob"
)

// precedence is checked in order; keep sensor-config ahead of sensor-data.
var precedence = []struct {
	marker string
	kind   Kind
}{
	{MarkerSensorConfig, KindSensorConfig},
	{MarkerSensorData, KindSensorData},
	{MarkerJobRunData, KindJobRunData},
	{MarkerAutoStop, KindAutoStop},
	{MarkerAutoRun, KindAutoRun},
	{MarkerNewJob, KindNewJob},
}

// Classify returns the kind for a topic whose payload parsed as JSON.
func Classify(topic string) Kind {
	for _, p := range precedence {
		if strings.Contains(topic, p.marker) {
			return p.kind
		}
	}
	return KindGeneric
}
