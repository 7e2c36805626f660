// Package otel publishes authflow engine metrics through an OpenTelemetry
// Meter supplied by the caller.
//
// Every counter becomes an Int64ObservableCounter; the latency histogram is
// published as one cumulative gauge per bucket plus a count gauge. A single
// callback reads the engine snapshot on each collection.
package otel
