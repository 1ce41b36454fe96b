// Package router classifies inbound broker messages and hands each one to a
// single business handler.
//
// The payload is parsed as JSON first. Anything that does not parse goes to
// the Text handler whatever its topic. Parsed messages are classified by topic
// substring in a fixed order, first match wins:
//
//	pTrace/config  sensor-config
//	pTrace         sensor-data
//	jobRunData     job-run-data
//	autoStop       auto-stop
//	autoRun        auto-run
//	newJob         new-job
//	(otherwise)    generic
//
// The order is part of the contract. "acme/x/pTrace/config" is sensor-config,
// never sensor-data, even though it contains both markers.
package router
