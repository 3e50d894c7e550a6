// Package umetrics exposes Ubik's Prometheus collectors and a Timer
// helper, adapted from the teacher repo's pkg/metrics: package-level
// collector vars, an init() registration block, and a reusable Timer
// for histogram observations.
package umetrics
